// Package device locates the target's USB serial device and waits until it
// has stopped re-enumerating before handing it out.
package device

import (
	"context"
	"log/slog"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/loykin/flashr/internal/metrics"
)

const (
	DefaultWindow       = 500 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBaud         = 115200
)

// portHandle is the subset of serial.Port used here.
type portHandle interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	Close() error
}

// allow tests to override hardware access
var (
	listPorts  = enumerator.GetDetailedPortsList
	openPort   = func(name string, mode *serial.Mode) (portHandle, error) { return serial.Open(name, mode) }
	accessible = canReadWrite
)

// Record tracks one candidate across polls of a single Find call.
type Record struct {
	Path        string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Stabilizer waits for the target's serial device to settle.
type Stabilizer struct {
	Matcher      Matcher
	Window       time.Duration
	PollInterval time.Duration
	Baud         int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewStabilizer(m Matcher) *Stabilizer {
	return &Stabilizer{
		Matcher:      m,
		Window:       DefaultWindow,
		PollInterval: DefaultPollInterval,
		Baud:         DefaultBaud,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Find polls for the device until it has been present on consecutive polls
// for at least Window and a readiness open succeeds. On timeout or
// cancellation it returns the last path seen (possibly "") with stable false.
func (s *Stabilizer) Find(ctx context.Context, timeout time.Duration) (string, bool) {
	now, sleep := s.now, s.sleep
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	window, poll := s.Window, s.PollInterval
	if window <= 0 {
		window = DefaultWindow
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	start := now()
	var rec *Record
	last := ""
	for now().Sub(start) < timeout {
		path := s.candidate()
		if path != "" && accessible(path) {
			last = path
			t := now()
			switch {
			case rec == nil || rec.Path != path:
				if rec != nil {
					slog.Debug("serial device path changed", "from", rec.Path, "to", path)
				}
				rec = &Record{Path: path, FirstSeenAt: t, LastSeenAt: t}
			default:
				rec.LastSeenAt = t
				if t.Sub(rec.FirstSeenAt) >= window {
					if s.readyOpen(path) {
						metrics.IncDeviceFind("stable")
						return path, true
					}
					rec = nil
				}
			}
		} else {
			rec = nil
		}
		if !sleep(ctx, poll) {
			break
		}
	}
	if last == "" {
		metrics.IncDeviceFind("none")
	} else {
		metrics.IncDeviceFind("unstable")
	}
	return last, false
}

// Candidate returns the first matching port right now, without waiting.
func (s *Stabilizer) Candidate() string { return s.candidate() }

func (s *Stabilizer) candidate() string {
	ports, err := listPorts()
	if err != nil {
		slog.Debug("serial enumeration failed", "error", err)
		return ""
	}
	for _, p := range ports {
		if s.Matcher.Match(p) {
			return p.Name
		}
	}
	return ""
}

func (s *Stabilizer) readyOpen(path string) bool {
	baud := s.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	h, err := openPort(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		slog.Debug("serial device not ready", "path", path, "error", err)
		return false
	}
	_ = h.Close()
	return true
}
