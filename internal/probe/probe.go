// Package probe decides whether the debug probe can be initialized right now,
// using a short-lived adapter run whose output is classified into known
// failure signatures.
package probe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loykin/flashr/internal/adapter"
	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/metrics"
)

const (
	DefaultTimeout = 5 * time.Second
	stderrTail     = 200
)

// Runner executes the adapter with args and returns its captured stderr and
// exit code. err is non-nil only when the process could not be run at all.
type Runner func(ctx context.Context, cfg adapter.Config, args []string) (stderr string, exitCode int, err error)

// Checker runs the availability probe.
type Checker struct {
	Adapter adapter.Config
	Timeout time.Duration
	Run     Runner
}

func New(cfg adapter.Config) *Checker {
	return &Checker{Adapter: cfg, Timeout: DefaultTimeout, Run: ExecRunner}
}

// Check returns nil when the probe initialized and shut down cleanly.
// It must only be used when no reusable adapter is listening; a running
// adapter holds the probe and the check would report it busy.
func (c *Checker) Check(ctx context.Context) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	run := c.Run
	if run == nil {
		run = ExecRunner
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stderr, code, err := run(pctx, c.Adapter, c.Adapter.ProbeArgs())
	if err != nil {
		metrics.IncProbeCheck(string(failure.ProcessSpawnFailed))
		return failure.Wrap(failure.ProcessSpawnFailed, "could not run adapter", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		metrics.IncProbeCheck(string(failure.ProbeTimeout))
		return failure.New(failure.ProbeTimeout, adapter.Describe(failure.ProbeTimeout)).
			WithDetail(failure.Tail(stderr, stderrTail))
	}
	if code == 0 {
		metrics.IncProbeCheck("available")
		return nil
	}

	kind, known := adapter.Classify(stderr)
	slog.Debug("probe check failed", "exit_code", code, "kind", kind, "known_signature", known)
	metrics.IncProbeCheck(string(kind))
	return failure.New(kind, adapter.Describe(kind)).WithDetail(failure.Tail(stderr, stderrTail))
}

// ExecRunner is the default Runner backed by os/exec. The child is killed when
// ctx is done.
func ExecRunner(ctx context.Context, cfg adapter.Config, args []string) (string, int, error) {
	cmd := cfg.CommandContext(ctx, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return stderr.String(), 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return stderr.String(), ee.ExitCode(), nil
	}
	if ctx.Err() != nil {
		// killed on deadline before Wait could report an exit status
		return stderr.String(), -1, nil
	}
	return stderr.String(), -1, err
}
