package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/flashr"
	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/logger"
	"github.com/loykin/flashr/internal/metrics"
)

const (
	defaultCapture  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// command holds state shared by subcommands for one invocation.
type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer

	cfg       *flashr.Config
	bench     *flashr.Bench
	logCloser io.Closer
}

// load reads configuration and sets up logging and metrics.
func (c *command) load() error {
	cfg, err := flashr.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return err
	}
	if c.global.LogLevel != "" {
		cfg.Log.Slog.Level = c.global.LogLevel
	}
	if c.global.MetricsTextfile != "" {
		cfg.Metrics.Textfile = c.global.MetricsTextfile
	}
	log, closer, err := cfg.Log.NewSlogger(c.stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	c.logCloser = closer
	if err := flashr.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("Metrics registration failed", "error", err)
	}
	c.cfg = cfg
	if cfg.File != "" {
		slog.Debug("Loaded config", "file", cfg.File)
	}
	return nil
}

// open builds the bench once, after per-command overrides were applied to c.cfg.
func (c *command) open() (*flashr.Bench, error) {
	if c.bench != nil {
		return c.bench, nil
	}
	if c.cfg == nil {
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	b, err := flashr.New(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if logger.ParseLevel(c.cfg.Log.Slog.Level) <= slog.LevelDebug {
		b.SetOutput(c.stderr)
	}
	c.bench = b
	return b, nil
}

// finish flushes metrics and releases resources. It runs after every command.
func (c *command) finish() {
	if c.cfg != nil && c.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(c.cfg.Metrics.Textfile, nil); err != nil {
			slog.Warn("Failed to write metrics textfile", "path", c.cfg.Metrics.Textfile, "error", err)
		}
	}
	if c.bench != nil {
		_ = c.bench.Close()
		c.bench = nil
	}
	if c.logCloser != nil {
		_ = c.logCloser.Close()
		c.logCloser = nil
	}
}

func (c *command) Flash(ctx context.Context, artifact string, f FlashFlags) error {
	if f.Speed > 0 {
		c.cfg.Adapter.Speed = f.Speed
	}
	b, err := c.open()
	if err != nil {
		return err
	}
	var res flashr.Result
	if f.Reset {
		res, err = b.Reset(ctx)
	} else {
		if artifact == "" {
			artifact = c.cfg.Flash.DefaultArtifact
		}
		res, err = b.Flash(ctx, artifact)
	}
	if err != nil {
		return err
	}
	for _, line := range res.Transcript {
		slog.Debug("adapter", "output", strings.TrimSpace(line))
	}
	if f.Reset {
		_, _ = fmt.Fprintf(c.stdout, "Target reset (%s adapter, %s)\n", res.Mode, res.Duration.Round(time.Millisecond))
		return nil
	}
	_, _ = fmt.Fprintf(c.stdout, "Flashed and verified %s (%s adapter, %s)\n", artifact, res.Mode, res.Duration.Round(time.Millisecond))
	return nil
}

func (c *command) AdapterStart(ctx context.Context, f AdapterStartFlags) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	if f.Foreground {
		code, err := b.RunAdapter(ctx, c.stdout, c.stderr)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if code != 0 {
			return failure.Newf(failure.AdapterExit, "adapter exited with code %d", code)
		}
		return nil
	}
	p, err := b.StartAdapter(ctx)
	if err != nil {
		return err
	}
	state := "started"
	if p.AlreadyRunning {
		state = "already running"
	}
	_, _ = fmt.Fprintf(c.stdout, "Adapter %s (pid %d, status port %d, scripting port %d, log %s)\n",
		state, p.PID, p.StatusPort, p.ScriptingPort, p.LogPath)
	return nil
}

func (c *command) AdapterStop(ctx context.Context) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	rep, err := b.StopAdapter(ctx)
	if err != nil {
		return err
	}
	switch {
	case rep.Stopped && rep.Forced:
		_, _ = fmt.Fprintf(c.stdout, "Adapter pid %d killed after ignoring termination\n", rep.PID)
	case rep.Stopped:
		_, _ = fmt.Fprintf(c.stdout, "Adapter pid %d stopped\n", rep.PID)
	case rep.PortHeldByOther && rep.Holder != nil:
		_, _ = fmt.Fprintf(c.stdout, "No managed adapter; port held by %s (pid %d), left alone\n", rep.Holder.Name, rep.Holder.PID)
	case rep.PortHeldByOther:
		_, _ = fmt.Fprintln(c.stdout, "No managed adapter; port in use by another process, left alone")
	default:
		_, _ = fmt.Fprintln(c.stdout, "Adapter not running")
	}
	if rep.StaleRecordPurged {
		slog.Info("Removed stale PID record")
	}
	return nil
}

func (c *command) AdapterStatus(ctx context.Context) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	pid, ok := b.AdapterPID()
	if !ok {
		_, _ = fmt.Fprintln(c.stdout, "Adapter not running")
		return nil
	}
	sample, err := metrics.SampleProcess(ctx, pid)
	if err != nil {
		_, _ = fmt.Fprintf(c.stdout, "Adapter running (pid %d)\n", pid)
		slog.Debug("Process sample failed", "pid", pid, "error", err)
		return nil
	}
	printJSON(c.stdout, sample)
	return nil
}

func (c *command) ProbeCheck(ctx context.Context) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	if pid, ok := b.AdapterPID(); ok {
		_, _ = fmt.Fprintf(c.stdout, "Probe held by the managed adapter (pid %d)\n", pid)
		return nil
	}
	if err := b.CheckProbe(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, "Probe available")
	return nil
}

func (c *command) ProbeList() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	probes, err := b.ListProbes()
	if err != nil {
		return err
	}
	if len(probes) == 0 {
		return failure.New(failure.ProbeNotFound, "no debug probe attached")
	}
	for _, p := range probes {
		_, _ = fmt.Fprintln(c.stdout, p.String())
	}
	return nil
}

func (c *command) SerialList() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	ports, err := b.ListSerialPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		mark := " "
		if p.Target {
			mark = "*"
		}
		_, _ = fmt.Fprintf(c.stdout, "%s %s %s:%s %s %s\n", mark, p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
	}
	return nil
}

func (c *command) findDevice(ctx context.Context, timeout time.Duration) (string, error) {
	b, err := c.open()
	if err != nil {
		return "", err
	}
	path, stable := b.FindDevice(ctx, timeout)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		return "", failure.New(failure.DeviceNotFound, "no target serial device found")
	}
	if !stable {
		return path, failure.Newf(failure.DeviceUnstable, "serial device %s did not settle", path)
	}
	return path, nil
}

func (c *command) SerialFind(ctx context.Context, f SerialFindFlags) error {
	path, err := c.findDevice(ctx, f.Timeout)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, path)
	return nil
}

func (c *command) SerialRead(ctx context.Context, duration string, f SerialReadFlags) error {
	d, err := parseCaptureDuration(duration)
	if err != nil {
		return err
	}
	if f.Baud > 0 {
		c.cfg.Device.Baud = f.Baud
	}
	b, err := c.open()
	if err != nil {
		return err
	}
	path, stable, err := b.SerialDevice(ctx, f.Device)
	if err != nil {
		return err
	}
	if !stable {
		slog.Warn("Serial device did not settle, reading anyway", "device", path)
	}
	slog.Info("Reading serial output", "device", path, "duration", d)
	n, err := b.ReadSerial(ctx, path, c.stdout, d)
	if err != nil {
		return err
	}
	slog.Debug("Serial capture finished", "bytes", n)
	return nil
}

func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	addr := f.Addr
	if addr == "" {
		addr = c.cfg.Server.Addr
	}
	srv, err := b.NewHTTPServer(addr, f.BasePath)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("Bench agent listening", "addr", addr, "tls", srv.TLSConfig != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	slog.Info("Bench agent stopped")
	return nil
}

func newCommand(global *GlobalFlags) *command {
	return &command{global: global, stdout: os.Stdout, stderr: os.Stderr}
}
