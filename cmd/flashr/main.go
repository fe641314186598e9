package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, c := buildRoot()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	c.finish()
	if err != nil {
		reportError(stderr, err)
		return 1
	}
	return 0
}

// buildRoot creates the command tree. The returned command state lets callers
// redirect output.
func buildRoot() (*cobra.Command, *command) {
	globalFlags := &GlobalFlags{}
	c := newCommand(globalFlags)

	root := createRootCommand(c, globalFlags)
	root.AddCommand(
		createFlashCommand(c),
		createAdapterCommand(c),
		createProbeCommand(c),
		createSerialCommand(c),
		createServeCommand(c),
	)
	return root, c
}

func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "flashr",
		Short: "Flash firmware through an OpenOCD debug adapter",
		Long: `flashr programs and verifies firmware on a target board through an OpenOCD
debug adapter. A running adapter is reused through its scripting port;
otherwise the probe is checked and the adapter runs once.

Examples:
  flashr flash build/src/app.elf
  flashr flash --reset
  flashr adapter start
  flashr serial read 10s
  flashr serve --addr :8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.stdout = cmd.OutOrStdout()
			c.stderr = cmd.ErrOrStderr()
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ./flashr.toml if present)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.MetricsTextfile, "metrics-textfile", "", "write metrics to this file on exit (node_exporter textfile format)")
	return root
}

func createFlashCommand(c *command) *cobra.Command {
	f := &FlashFlags{}
	cmd := &cobra.Command{
		Use:   "flash [artifact]",
		Short: "Program, verify and restart the target",
		Long: `Program and verify a firmware image, then restart the target.
Without an artifact the configured default (flash.default_artifact) is used.

Examples:
  flashr flash
  flashr flash build/src/blink.elf --speed 1000
  flashr flash --reset              # restart only`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var artifact string
			if len(args) > 0 {
				artifact = args[0]
			}
			return c.Flash(cmd.Context(), artifact, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Reset, "reset", false, "reset and run the target without programming")
	cmd.Flags().IntVar(&f.Speed, "speed", 0, "adapter speed in kHz (overrides adapter.speed)")
	return cmd
}

func createAdapterCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Manage the background debug adapter",
	}

	sf := &AdapterStartFlags{}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the adapter in the background (or attached with --foreground)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AdapterStart(cmd.Context(), *sf)
		},
	}
	start.Flags().BoolVar(&sf.Foreground, "foreground", false, "run attached to the terminal until interrupted")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the managed adapter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AdapterStop(cmd.Context())
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the managed adapter's process state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AdapterStatus(cmd.Context())
		},
	}
	cmd.AddCommand(start, stop, status)
	return cmd
}

func createProbeCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Inspect the debug probe",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Check that the probe can be claimed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProbeCheck(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List attached probes without claiming them",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProbeList()
			},
		},
	)
	return cmd
}

func createSerialCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Find and read the target's USB serial console",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List USB serial ports (* marks the target)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SerialList()
		},
	}

	ff := &SerialFindFlags{}
	find := &cobra.Command{
		Use:   "find",
		Short: "Wait for the target's serial device to settle and print its path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SerialFind(cmd.Context(), *ff)
		},
	}
	find.Flags().DurationVar(&ff.Timeout, "timeout", 5*time.Second, "how long to wait for a stable device")

	rf := &SerialReadFlags{}
	read := &cobra.Command{
		Use:   "read [duration]",
		Short: "Copy serial output to stdout for a duration (default 10s)",
		Long: `Copy the target's serial output to stdout. A target halted by a running
adapter is resumed first.

Examples:
  flashr serial read
  flashr serial read 30s --device /dev/ttyACM0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d string
			if len(args) > 0 {
				d = args[0]
			}
			return c.SerialRead(cmd.Context(), d, *rf)
		},
	}
	read.Flags().StringVar(&rf.Device, "device", "", "serial device path (default: find the target)")
	read.Flags().IntVar(&rf.Baud, "baud", 0, "baud rate (overrides device.baud)")

	cmd.AddCommand(list, find, read)
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bench agent HTTP API",
		Long: `Serve flash, reset and adapter control over HTTP for remote benches.
Requests are serialized; they all share one probe.

Endpoints: GET /status, POST /flash, POST /reset, POST /adapter/start,
POST /adapter/stop, GET /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "URL prefix for every endpoint")
	return cmd
}
