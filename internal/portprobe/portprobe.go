// Package portprobe answers whether a TCP control endpoint is already listening.
package portprobe

import (
	"context"
	"net"
	"strconv"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultTimeout bounds a single connect attempt.
const DefaultTimeout = 500 * time.Millisecond

// Prober reports whether a port accepts TCP connections.
type Prober struct {
	Timeout time.Duration
}

// New returns a Prober with the default connect timeout.
func New() *Prober { return &Prober{Timeout: DefaultTimeout} }

// IsOpen attempts a TCP connect; any error is reported as closed, never raised.
func (p *Prober) IsOpen(ctx context.Context, host string, port int) bool {
	if port <= 0 {
		return false
	}
	if host == "" {
		host = "localhost"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Owner identifies the process listening on a local port.
type Owner struct {
	PID  int
	Name string
}

// Owner looks up which local process listens on port. It is informational only:
// lookup may fail without privileges, in which case ok is false.
func (p *Prober) Owner(ctx context.Context, port int) (Owner, bool) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return Owner{}, false
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		o := Owner{PID: int(c.Pid)}
		if proc, err := gopsproc.NewProcessWithContext(ctx, c.Pid); err == nil {
			if name, err := proc.NameWithContext(ctx); err == nil {
				o.Name = name
			}
		}
		return o, true
	}
	return Owner{}, false
}
