package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

const captureReadTimeout = 100 * time.Millisecond

// Port is an open serial device. Close always tries to leave the device
// quiet: both buffers flushed and DTR/RTS lowered.
type Port struct {
	Path string
	h    portHandle
	once sync.Once
	err  error
}

func Open(path string, baud int) (*Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	h, err := openPort(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Port{Path: path, h: h}, nil
}

func (p *Port) Read(b []byte) (int, error) { return p.h.Read(b) }

// Close is idempotent. Flush and line errors are ignored since the device may
// already be gone.
func (p *Port) Close() error {
	p.once.Do(func() {
		_ = p.h.ResetInputBuffer()
		_ = p.h.ResetOutputBuffer()
		_ = p.h.SetDTR(false)
		_ = p.h.SetRTS(false)
		p.err = p.h.Close()
	})
	return p.err
}

// Capture copies device output to w until d elapses (d <= 0 means until ctx
// is done). The port is closed before Capture returns.
func Capture(ctx context.Context, p *Port, w io.Writer, d time.Duration) (int64, error) {
	defer func() { _ = p.Close() }()
	if err := p.h.SetReadTimeout(captureReadTimeout); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	var total int64
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return total, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return total, nil
		}
		n, err := p.h.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			var pe *serial.PortError
			if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
				return total, nil
			}
			slog.Debug("serial read failed", "path", p.Path, "error", err)
			return total, err
		}
	}
}

// PortInfo describes one USB serial port for diagnostics.
type PortInfo struct {
	Name         string `json:"name"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	SerialNumber string `json:"serial_number"`
	Product      string `json:"product"`
	Target       bool   `json:"target"`
}

// List returns every USB serial port, flagging the ones m matches.
func List(m Matcher) ([]PortInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		out = append(out, PortInfo{
			Name:         p.Name,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
			Target:       m.Match(p),
		})
	}
	return out, nil
}
