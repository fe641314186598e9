// Package flashr flashes firmware onto a target board through an OpenOCD
// debug adapter, reusing a running adapter when one is listening and
// otherwise checking the probe and running the adapter once.
package flashr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/flashr/internal/config"
	"github.com/loykin/flashr/internal/device"
	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/flash"
	"github.com/loykin/flashr/internal/history"
	"github.com/loykin/flashr/internal/history/factory"
	"github.com/loykin/flashr/internal/metrics"
	"github.com/loykin/flashr/internal/ocd"
	"github.com/loykin/flashr/internal/portprobe"
	"github.com/loykin/flashr/internal/probe"
	iapi "github.com/loykin/flashr/internal/server"
	"github.com/loykin/flashr/internal/supervisor"
	itls "github.com/loykin/flashr/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Result = flash.Result

type Mode = flash.Mode

type SupervisedProcess = supervisor.SupervisedProcess

type StopReport = supervisor.StopReport

type PortInfo = device.PortInfo

type USBProbe = probe.USBProbe

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Error is the classified failure returned by every operation.
type Error = failure.Error

type FailureKind = failure.Kind

const (
	ModeReuse = flash.ModeReuse
	ModeCold  = flash.ModeCold
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// KindOf returns the failure classification of err, or "" if it has none.
func KindOf(err error) FailureKind { return failure.KindOf(err) }

// DetailOf returns the transcript or log tail attached to err.
func DetailOf(err error) string { return failure.DetailOf(err) }

// Bench drives one target board: its adapter, probe, serial device and
// flash history.
type Bench struct {
	cfg   *Config
	sup   *supervisor.Supervisor
	probe *probe.Checker
	orch  *flash.Orchestrator
	ports *portprobe.Prober

	finder  deviceFinder
	history history.Sink
}

type deviceFinder interface {
	Find(ctx context.Context, timeout time.Duration) (string, bool)
}

// resumeSettle gives resumed firmware time to bring up its USB device.
var resumeSettle = 500 * time.Millisecond

// New builds a Bench from cfg (nil means defaults). When [history].dsn is
// set the sink is opened here and released by Close.
func New(cfg *Config) (*Bench, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ports := portprobe.New()
	pc := probe.New(cfg.Adapter)
	pc.Timeout = cfg.Probe.Timeout

	orch := flash.New(flash.Config{
		Host:          cfg.Ports.Host,
		ScriptingPort: cfg.Ports.Scripting,
		Adapter:       cfg.Adapter,
		Timeouts:      cfg.Flash.Timeouts,
		Marker:        cfg.Flash.Marker,
		Hostname:      cfg.Hostname(),
	}, pc)
	orch.Ports = ports

	b := &Bench{
		cfg:   cfg,
		sup:   supervisor.New(cfg.Supervisor(), ports),
		probe: pc,
		orch:  orch,
		ports: ports,
	}
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		b.SetHistory(sink)
	}
	return b, nil
}

func (b *Bench) Config() *Config { return b.cfg }

// SetHistory replaces the history sink; nil disables history.
func (b *Bench) SetHistory(s HistorySink) {
	b.history = s
	b.orch.History = s
}

// SetOutput streams one-shot adapter output to w.
func (b *Bench) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	b.orch.Output = w
}

// Close releases the history sink.
func (b *Bench) Close() error {
	if c, ok := b.history.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Flash programs artifact (the configured default when empty), verifies it
// and restarts the target.
func (b *Bench) Flash(ctx context.Context, artifact string) (Result, error) {
	if artifact == "" {
		artifact = b.cfg.Flash.DefaultArtifact
	}
	return b.orch.Flash(ctx, artifact)
}

// Reset restarts the target without programming.
func (b *Bench) Reset(ctx context.Context) (Result, error) { return b.orch.Reset(ctx) }

// StartAdapter launches the adapter in the background or returns the live
// instance already running.
func (b *Bench) StartAdapter(ctx context.Context) (SupervisedProcess, error) {
	start := time.Now()
	p, err := b.sup.Start(ctx)
	if !p.AlreadyRunning || err != nil {
		b.recordAdapter(ctx, history.EventAdapterStart, p.PID, start, err)
	}
	return p, err
}

// StopAdapter terminates the managed adapter, forcing it after the grace period.
func (b *Bench) StopAdapter(ctx context.Context) (StopReport, error) {
	start := time.Now()
	rep, err := b.sup.Stop(ctx)
	if rep.PID != 0 {
		b.recordAdapter(ctx, history.EventAdapterStop, rep.PID, start, err)
	}
	return rep, err
}

// AdapterPID returns the PID of the live managed adapter.
func (b *Bench) AdapterPID() (int, bool) { return b.sup.PID() }

// RunAdapter runs the adapter attached to stdout and stderr until it exits or
// ctx is done.
func (b *Bench) RunAdapter(ctx context.Context, stdout, stderr io.Writer) (int, error) {
	return b.sup.Foreground(ctx, stdout, stderr)
}

// CheckProbe reports whether the debug probe can be claimed right now.
func (b *Bench) CheckProbe(ctx context.Context) error { return b.probe.Check(ctx) }

// ListProbes enumerates attached debug probes without claiming them.
func (b *Bench) ListProbes() ([]USBProbe, error) {
	return probe.ListProbes(b.cfg.Probe.VendorID, b.cfg.Probe.ProductID)
}

// ListSerialPorts returns USB serial ports, flagging the target's.
func (b *Bench) ListSerialPorts() ([]PortInfo, error) { return device.List(b.cfg.Device.Matcher) }

// FindDevice waits up to timeout for the target's serial device to settle.
func (b *Bench) FindDevice(ctx context.Context, timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		timeout = b.cfg.Device.Timeout
	}
	if b.finder != nil {
		return b.finder.Find(ctx, timeout)
	}
	return b.cfg.Stabilizer().Find(ctx, timeout)
}

// SerialDevice resolves the device a serial capture reads from. An explicit
// path is used as given and must exist. Otherwise a target left halted by a
// running adapter is resumed first, since a halted target never enumerates
// its serial device, and the target's device is awaited. A device that never
// settled is still returned, with stable false.
func (b *Bench) SerialDevice(ctx context.Context, explicit string) (path string, stable bool, err error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", false, failure.Wrap(failure.DeviceNotFound, "serial device "+explicit, err)
		}
		return explicit, true, nil
	}
	if b.ResumeTarget(ctx) {
		t := time.NewTimer(resumeSettle)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", false, ctx.Err()
		case <-t.C:
		}
	}
	path, stable = b.FindDevice(ctx, 0)
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if path == "" {
		return "", false, failure.New(failure.DeviceNotFound, "no target serial device found")
	}
	return path, stable, nil
}

// ReadSerial copies the target's serial output at path to w for d.
func (b *Bench) ReadSerial(ctx context.Context, path string, w io.Writer, d time.Duration) (int64, error) {
	p, err := device.Open(path, b.cfg.Device.Baud)
	if err != nil {
		return 0, err
	}
	return device.Capture(ctx, p, w, d)
}

// ResumeTarget sends resume to a running adapter. It reports whether the
// adapter accepted the command; no adapter listening is not an error.
func (b *Bench) ResumeTarget(ctx context.Context) bool {
	if !b.ports.IsOpen(ctx, b.cfg.Ports.Host, b.cfg.Ports.Scripting) {
		return false
	}
	addr := net.JoinHostPort(b.cfg.Ports.Host, strconv.Itoa(b.cfg.Ports.Scripting))
	c, err := ocd.Dial(ctx, addr, b.cfg.Flash.Timeouts)
	if err != nil {
		slog.Debug("Could not reach adapter to resume target", "error", err)
		return false
	}
	defer func() { _ = c.Close() }()
	slog.Info("Debugger active, resuming target")
	if _, err := c.Resume(ctx); err != nil {
		slog.Warn("Target resume failed", "error", err)
		return false
	}
	return true
}

// Handler returns the bench agent HTTP API mounted at basePath.
func (b *Bench) Handler(basePath string) http.Handler {
	return iapi.NewRouter(b, adapterControl{b}, basePath, b.cfg.Flash.DefaultArtifact).Handler()
}

// NewHTTPServer builds (but does not start) the bench agent server. When
// [server.tls] is configured the server's TLSConfig is set; start it with
// ListenAndServeTLS("", "").
func (b *Bench) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	srv := iapi.NewServer(addr, b.Handler(basePath))
	tc, err := itls.Setup(b.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = tc
	return srv, nil
}

type adapterControl struct{ b *Bench }

func (a adapterControl) Start(ctx context.Context) (SupervisedProcess, error) {
	return a.b.StartAdapter(ctx)
}

func (a adapterControl) Stop(ctx context.Context) (StopReport, error) {
	return a.b.StopAdapter(ctx)
}

func (a adapterControl) PID() (int, bool) { return a.b.AdapterPID() }

func (b *Bench) recordAdapter(ctx context.Context, typ history.EventType, pid int, start time.Time, err error) {
	if b.history == nil {
		return
	}
	att := history.Attempt{PID: pid, Result: history.ResultOK, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		att.Result = string(failure.KindOf(err))
		if att.Result == "" {
			att.Result = "error"
		}
		att.Message = err.Error()
		var fe *failure.Error
		if errors.As(err, &fe) {
			att.Phase = fe.Phase
		}
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e := history.Event{Type: typ, OccurredAt: time.Now().UTC(), Host: b.cfg.Hostname(), Attempt: att}
	if herr := b.history.Send(hctx, e); herr != nil {
		slog.Warn("Failed to record adapter history", "event", typ, "error", herr)
	}
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// WriteMetricsTextfile writes the default registry in the node exporter
// textfile format.
func WriteMetricsTextfile(path string) error { return metrics.WriteTextfile(path, nil) }
