// Package supervisor owns the lifecycle of a locally spawned debug adapter:
// start with liveness polling, graceful-then-forced stop, and a persisted PID
// record so independent invocations can find, reuse or clean up an instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loykin/flashr/internal/adapter"
	"github.com/loykin/flashr/internal/detector"
	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/metrics"
	"github.com/loykin/flashr/internal/portprobe"
)

const (
	DefaultName          = "openocd"
	DefaultScriptingPort = 4444
	DefaultStatusPort    = 3333
	DefaultStartTimeout  = 10 * time.Second
	DefaultStopGrace     = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond

	killWait     = time.Second
	logTailBytes = 2000
)

// Config describes one supervised adapter instance.
type Config struct {
	Name          string
	RunDir        string // holds <Name>.pid
	LogPath       string
	Host          string
	ScriptingPort int
	StatusPort    int
	StartTimeout  time.Duration
	StopGrace     time.Duration
	PollInterval  time.Duration
	Adapter       adapter.Config
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.RunDir == "" {
		c.RunDir = filepath.Join(".local", "run")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join("build", c.Name+".log")
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.ScriptingPort <= 0 {
		c.ScriptingPort = DefaultScriptingPort
	}
	if c.StatusPort <= 0 {
		c.StatusPort = DefaultStatusPort
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// SupervisedProcess is an adapter instance this tool is responsible for.
type SupervisedProcess struct {
	PID            int    `json:"pid"`
	ScriptingPort  int    `json:"scripting_port"`
	StatusPort     int    `json:"status_port"`
	LogPath        string `json:"log_path"`
	AlreadyRunning bool   `json:"already_running"`
}

// StopReport describes what Stop observed and did.
type StopReport struct {
	PID               int              `json:"pid,omitempty"`
	Stopped           bool             `json:"stopped"`
	Forced            bool             `json:"forced"`
	StaleRecordPurged bool             `json:"stale_record_purged"`
	PortHeldByOther   bool             `json:"port_held_by_other"`
	Holder            *portprobe.Owner `json:"holder,omitempty"`
}

// PortChecker reports whether a TCP port is listening.
type PortChecker interface {
	IsOpen(ctx context.Context, host string, port int) bool
}

type ownerLookup interface {
	Owner(ctx context.Context, port int) (portprobe.Owner, bool)
}

// Supervisor manages one named adapter instance.
type Supervisor struct {
	cfg     Config
	ports   PortChecker
	command func(args []string) *exec.Cmd
}

// New creates a Supervisor. ports may be nil to use a default portprobe.Prober.
func New(cfg Config, ports PortChecker) *Supervisor {
	cfg = cfg.withDefaults()
	if ports == nil {
		ports = portprobe.New()
	}
	return &Supervisor{cfg: cfg, ports: ports, command: cfg.Adapter.Command}
}

// SetCommandFactory replaces how the adapter *exec.Cmd is built.
func (s *Supervisor) SetCommandFactory(f func(args []string) *exec.Cmd) {
	if f != nil {
		s.command = f
	}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

func (s *Supervisor) process(pid int, already bool) SupervisedProcess {
	return SupervisedProcess{
		PID:            pid,
		ScriptingPort:  s.cfg.ScriptingPort,
		StatusPort:     s.cfg.StatusPort,
		LogPath:        s.cfg.LogPath,
		AlreadyRunning: already,
	}
}

// Start launches the adapter in the background unless a live managed instance
// already exists, in which case that instance is returned.
func (s *Supervisor) Start(ctx context.Context) (SupervisedProcess, error) {
	if pid, ok := s.PID(); ok {
		slog.Info("Adapter already running", "name", s.cfg.Name, "pid", pid)
		metrics.IncAdapterStart("reused")
		return s.process(pid, true), nil
	}

	for _, port := range []int{s.cfg.StatusPort, s.cfg.ScriptingPort} {
		if s.ports.IsOpen(ctx, s.cfg.Host, port) {
			metrics.IncAdapterStart("conflict")
			msg := fmt.Sprintf("port %d in use by another process", port)
			if o, ok := s.holder(ctx, port); ok {
				msg = fmt.Sprintf("port %d in use by %s (pid %d)", port, o.Name, o.PID)
			}
			return SupervisedProcess{}, failure.New(failure.PortConflict, msg)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.LogPath), 0o750); err != nil {
		return SupervisedProcess{}, failure.Wrap(failure.ProcessSpawnFailed, "create log dir", err)
	}
	// The child must own a real file descriptor: it outlives this process.
	// #nosec G304 -- log path comes from configuration
	logf, err := os.OpenFile(s.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return SupervisedProcess{}, failure.Wrap(failure.ProcessSpawnFailed, "open adapter log", err)
	}

	cmd := s.command(s.cfg.Adapter.ServerArgs())
	cmd.Stdin = nil
	cmd.Stdout = logf
	cmd.Stderr = logf
	configureSysProcAttr(cmd)

	slog.Info("Starting adapter", "name", s.cfg.Name, "args", cmd.Args, "log", s.cfg.LogPath)
	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		metrics.IncAdapterStart("failed")
		return SupervisedProcess{}, failure.Wrap(failure.ProcessSpawnFailed, "spawn adapter", err)
	}
	_ = logf.Close()

	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ok, startErr := s.awaitReady(ctx, exited)
	if ok {
		if err := s.writeRecord(pid); err != nil {
			slog.Warn("Failed to persist PID record", "name", s.cfg.Name, "pid", pid, "error", err)
		}
		slog.Info("Adapter started", "name", s.cfg.Name, "pid", pid, "status_port", s.cfg.StatusPort, "scripting_port", s.cfg.ScriptingPort)
		metrics.IncAdapterStart("started")
		return s.process(pid, false), nil
	}

	// Never leave an unmanaged child behind.
	_ = killGroup(pid)
	select {
	case <-exited:
	case <-time.After(killWait):
	}
	metrics.IncAdapterStart("failed")
	return SupervisedProcess{}, s.classifyStartFailure(startErr)
}

// awaitReady polls the status port until it opens, the child exits or the
// start timeout elapses.
func (s *Supervisor) awaitReady(ctx context.Context, exited <-chan error) (bool, *failure.Error) {
	deadline := time.Now().Add(s.cfg.StartTimeout)
	for {
		if s.ports.IsOpen(ctx, s.cfg.Host, s.cfg.StatusPort) {
			return true, nil
		}
		select {
		case err := <-exited:
			msg := "adapter exited before becoming ready"
			if err != nil {
				msg += ": " + err.Error()
			}
			return false, failure.New(failure.ProcessSpawnFailed, msg)
		case <-ctx.Done():
			return false, failure.Wrap(failure.ProcessStartTimeout, "start interrupted", ctx.Err())
		case <-time.After(s.cfg.PollInterval):
		}
		if !time.Now().Before(deadline) {
			return false, failure.Newf(failure.ProcessStartTimeout, "adapter not ready within %s", s.cfg.StartTimeout)
		}
	}
}

// classifyStartFailure refines a start failure using known signatures in the log tail.
func (s *Supervisor) classifyStartFailure(base *failure.Error) error {
	tail := readTail(s.cfg.LogPath, logTailBytes)
	base.Detail = tail
	if kind, ok := adapter.Classify(tail); ok {
		return &failure.Error{
			Kind:    kind,
			Message: adapter.Describe(kind) + "; see " + s.cfg.LogPath,
			Detail:  tail,
			Err:     errors.New(base.Message),
		}
	}
	base.Message += "; see " + s.cfg.LogPath
	return base
}

// Stop terminates the managed adapter: SIGTERM, wait up to the grace period,
// then SIGKILL. The PID record is removed after any attempt.
func (s *Supervisor) Stop(ctx context.Context) (StopReport, error) {
	var rep StopReport
	pid, ok, stale := s.readLive()
	rep.StaleRecordPurged = stale
	if !ok {
		if s.ports.IsOpen(ctx, s.cfg.Host, s.cfg.StatusPort) {
			rep.PortHeldByOther = true
			if o, ok := s.holder(ctx, s.cfg.StatusPort); ok {
				rep.Holder = &o
			}
			slog.Info("Port in use but not by a managed adapter", "port", s.cfg.StatusPort)
		}
		metrics.IncAdapterStop("noop")
		return rep, nil
	}
	rep.PID = pid
	defer s.removeRecord()

	slog.Info("Stopping adapter", "name", s.cfg.Name, "pid", pid)
	if err := terminateGroup(pid); err != nil && detector.PIDAlive(pid) {
		metrics.IncAdapterStop("failed")
		return rep, fmt.Errorf("signal adapter pid %d: %w", pid, err)
	}
	if s.waitDead(ctx, pid, s.cfg.StopGrace) {
		rep.Stopped = true
		metrics.IncAdapterStop("graceful")
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		metrics.IncAdapterStop("failed")
		return rep, err
	}

	slog.Warn("Adapter ignored termination, killing", "name", s.cfg.Name, "pid", pid, "grace", s.cfg.StopGrace)
	rep.Forced = true
	if err := killGroup(pid); err != nil && detector.PIDAlive(pid) {
		metrics.IncAdapterStop("failed")
		return rep, failure.Wrap(failure.StopTimeout, fmt.Sprintf("kill adapter pid %d", pid), err)
	}
	if s.waitDead(context.Background(), pid, killWait) {
		rep.Stopped = true
		metrics.IncAdapterStop("forced")
		return rep, nil
	}
	metrics.IncAdapterStop("failed")
	return rep, failure.Newf(failure.StopTimeout, "adapter pid %d still alive after kill", pid)
}

// PID returns the live managed PID after purging a stale record.
func (s *Supervisor) PID() (int, bool) {
	pid, ok, _ := s.readLive()
	return pid, ok
}

// Foreground runs the server invocation attached to the given writers and
// returns the adapter's exit code. Cancelling ctx terminates the adapter.
func (s *Supervisor) Foreground(ctx context.Context, stdout, stderr io.Writer) (int, error) {
	for _, port := range []int{s.cfg.StatusPort, s.cfg.ScriptingPort} {
		if s.ports.IsOpen(ctx, s.cfg.Host, port) {
			return 1, failure.Newf(failure.PortConflict, "port %d in use by another process", port)
		}
	}
	cmd := s.command(s.cfg.Adapter.ServerArgs())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return 1, failure.Wrap(failure.ProcessSpawnFailed, "spawn adapter", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return exitCode(err), nil
	case <-ctx.Done():
		_ = terminate(cmd.Process.Pid)
		select {
		case err := <-done:
			return exitCode(err), ctx.Err()
		case <-time.After(s.cfg.StopGrace):
			_ = cmd.Process.Kill()
			return exitCode(<-done), ctx.Err()
		}
	}
}

func (s *Supervisor) holder(ctx context.Context, port int) (portprobe.Owner, bool) {
	if ol, ok := s.ports.(ownerLookup); ok {
		return ol.Owner(ctx, port)
	}
	return portprobe.Owner{}, false
}

func (s *Supervisor) waitDead(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !detector.PIDAlive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !detector.PIDAlive(pid)
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func readTail(path string, n int64) string {
	// #nosec G304 -- log path comes from configuration
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := st.Size() - n
	if off < 0 {
		off = 0
	}
	b := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(b, off); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return string(b)
}
