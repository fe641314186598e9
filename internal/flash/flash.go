// Package flash chooses how to program or reset the target: through an
// already running adapter's scripting port when one is listening, otherwise
// with a one-shot adapter run after checking the probe is free.
package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/flashr/internal/adapter"
	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/history"
	"github.com/loykin/flashr/internal/metrics"
	"github.com/loykin/flashr/internal/ocd"
	"github.com/loykin/flashr/internal/portprobe"
)

type Mode string

const (
	ModeReuse Mode = "reuse"
	ModeCold  Mode = "cold"
)

const (
	outputTail  = 2000
	historyWait = 5 * time.Second
)

// Result describes a completed (or failed) attempt.
type Result struct {
	Mode       Mode          `json:"mode"`
	Transcript []string      `json:"transcript,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
}

type Config struct {
	Host          string
	ScriptingPort int
	Adapter       adapter.Config
	Timeouts      ocd.Timeouts
	Marker        string
	Hostname      string // history label
}

// PortChecker reports whether a TCP port is listening.
type PortChecker interface {
	IsOpen(ctx context.Context, host string, port int) bool
}

// ProbeChecker reports whether the debug probe can be claimed.
type ProbeChecker interface {
	Check(ctx context.Context) error
}

// Runner runs a one-shot adapter invocation, streaming its combined output
// to out. err is non-nil only when the process could not run.
type Runner func(ctx context.Context, cfg adapter.Config, args []string, out io.Writer) (exitCode int, err error)

// Orchestrator runs flash and reset attempts. It holds no locks; callers
// sharing one probe must serialize Run themselves.
type Orchestrator struct {
	cfg Config

	Ports   PortChecker
	Probe   ProbeChecker
	Runner  Runner
	History history.Sink
	// Output receives the one-shot adapter's output as it runs.
	Output io.Writer
}

func New(cfg Config, probe ProbeChecker) *Orchestrator {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &Orchestrator{cfg: cfg, Ports: portprobe.New(), Probe: probe, Runner: ExecRunner, Output: io.Discard}
}

// Flash programs and verifies artifact, then resets the target.
func (o *Orchestrator) Flash(ctx context.Context, artifact string) (Result, error) {
	return o.Run(ctx, artifact, false)
}

// Reset resets and runs the target without programming.
func (o *Orchestrator) Reset(ctx context.Context) (Result, error) {
	return o.Run(ctx, "", true)
}

// Run performs one attempt and records its outcome in metrics and history.
func (o *Orchestrator) Run(ctx context.Context, artifact string, resetOnly bool) (Result, error) {
	start := time.Now()
	res, err := o.execute(ctx, artifact, resetOnly)
	res.Duration = time.Since(start)
	o.record(ctx, artifact, resetOnly, res, err)
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, artifact string, resetOnly bool) (Result, error) {
	if !resetOnly {
		abs, err := checkArtifact(artifact)
		if err != nil {
			return Result{}, err
		}
		artifact = abs
	}

	if o.Ports != nil && o.Ports.IsOpen(ctx, o.cfg.Host, o.cfg.ScriptingPort) {
		slog.Debug("Adapter scripting port open, reusing it", "port", o.cfg.ScriptingPort)
		return o.reuse(ctx, artifact, resetOnly)
	}
	return o.cold(ctx, artifact, resetOnly)
}

// checkArtifact returns the absolute artifact path. The running adapter may
// have a different working directory than ours.
func checkArtifact(artifact string) (string, error) {
	if artifact == "" {
		return "", failure.New(failure.ArtifactNotFound, "no firmware artifact given")
	}
	st, err := os.Stat(artifact)
	if err != nil {
		return "", failure.Wrap(failure.ArtifactNotFound, "firmware artifact "+artifact, err)
	}
	if st.IsDir() {
		return "", failure.Newf(failure.ArtifactNotFound, "firmware artifact %s is a directory", artifact)
	}
	abs, err := filepath.Abs(artifact)
	if err != nil {
		return artifact, nil
	}
	return abs, nil
}

func (o *Orchestrator) reuse(ctx context.Context, artifact string, resetOnly bool) (Result, error) {
	res := Result{Mode: ModeReuse}
	addr := net.JoinHostPort(o.cfg.Host, strconv.Itoa(o.cfg.ScriptingPort))
	c, err := ocd.Dial(ctx, addr, o.cfg.Timeouts)
	if err != nil {
		return res, err
	}
	defer func() { _ = c.Close() }()
	c.SetMarker(o.cfg.Marker)

	if resetOnly {
		out, err := c.Reset(ctx)
		if out != "" {
			res.Transcript = []string{out}
		}
		return res, err
	}
	sess := ocd.NewSession(artifact)
	err = c.Flash(ctx, sess)
	res.Transcript = sess.Transcript()
	return res, err
}

func (o *Orchestrator) cold(ctx context.Context, artifact string, resetOnly bool) (Result, error) {
	res := Result{Mode: ModeCold}
	if o.Probe != nil {
		if err := o.Probe.Check(ctx); err != nil {
			return res, err
		}
	}

	args := o.cfg.Adapter.ResetArgs()
	if !resetOnly {
		args = o.cfg.Adapter.ProgramArgs(artifact)
	}
	var captured bytes.Buffer
	out := io.Writer(&captured)
	if o.Output != nil {
		out = io.MultiWriter(o.Output, &captured)
	}
	run := o.Runner
	if run == nil {
		run = ExecRunner
	}
	slog.Debug("Running one-shot adapter", "args", args)
	code, err := run(ctx, o.cfg.Adapter, args, out)
	res.ExitCode = code
	if err != nil {
		return res, failure.Wrap(failure.ProcessSpawnFailed, "run adapter", err)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if code != 0 {
		tail := failure.Tail(captured.String(), outputTail)
		msg := fmt.Sprintf("adapter exited with code %d", code)
		if kind, ok := adapter.Classify(tail); ok {
			msg += ": " + adapter.Describe(kind)
		}
		return res, failure.New(failure.AdapterExit, msg).WithDetail(tail)
	}
	return res, nil
}

// ExecRunner is the default Runner backed by os/exec.
func ExecRunner(ctx context.Context, cfg adapter.Config, args []string, out io.Writer) (int, error) {
	cmd := cfg.CommandContext(ctx, args)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, err
}

func (o *Orchestrator) record(ctx context.Context, artifact string, resetOnly bool, res Result, err error) {
	op, typ := "flash", history.EventFlash
	if resetOnly {
		op, typ = "reset", history.EventReset
	}
	mode := string(res.Mode)
	if mode == "" {
		mode = "none"
	}
	result := history.ResultOK
	var phase, msg string
	if err != nil {
		result = string(failure.KindOf(err))
		if result == "" {
			result = "error"
		}
		var fe *failure.Error
		if errors.As(err, &fe) {
			phase = fe.Phase
		}
		msg = err.Error()
	}
	metrics.IncFlash(mode, op, result)
	metrics.ObserveFlash(mode, op, res.Duration.Seconds())

	if o.History == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWait)
	defer cancel()
	e := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Host:       o.cfg.Hostname,
		Attempt: history.Attempt{
			Mode:       string(res.Mode),
			Artifact:   artifact,
			Result:     result,
			Phase:      phase,
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
			Message:    msg,
		},
	}
	if herr := o.History.Send(hctx, e); herr != nil {
		slog.Warn("Failed to record flash history", "error", herr)
	}
}
