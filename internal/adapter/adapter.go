package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/flashr/internal/env"
)

// Config describes how to invoke the external debug adapter (OpenOCD).
// The argument order is fixed: scripts dir, interface and target config files,
// then -c directives in the order given.
type Config struct {
	Binary     string `json:"binary" mapstructure:"binary"`
	ScriptsDir string `json:"scripts_dir" mapstructure:"scripts_dir"`
	Interface  string `json:"interface" mapstructure:"interface"`
	Target     string `json:"target" mapstructure:"target"`
	Speed      int    `json:"speed" mapstructure:"speed"` // kHz
	// Extra environment for the adapter process, applied after EnvFiles.
	Env      []string `json:"env" mapstructure:"env"`
	EnvFiles []string `json:"env_files" mapstructure:"env_files"`
}

const (
	DefaultBinary    = "openocd"
	DefaultInterface = "interface/cmsis-dap.cfg"
	DefaultTarget    = "target/rp2350.cfg"
	DefaultSpeed     = 5000
)

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.Interface == "" {
		c.Interface = DefaultInterface
	}
	if c.Target == "" {
		c.Target = DefaultTarget
	}
	if c.Speed <= 0 {
		c.Speed = DefaultSpeed
	}
	return c
}

// Validate checks that the adapter binary can be resolved.
func (c Config) Validate() error {
	bin := c.WithDefaults().Binary
	if strings.ContainsRune(bin, os.PathSeparator) {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("adapter binary %s: %w", bin, err)
		}
		return nil
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("adapter binary %s: %w", bin, err)
	}
	return nil
}

// SpeedDirective returns the "adapter speed N" command.
func (c Config) SpeedDirective() string {
	return fmt.Sprintf("adapter speed %d", c.WithDefaults().Speed)
}

// Args builds the full argument list: config file references followed by one
// -c per command.
func (c Config) Args(commands ...string) []string {
	c = c.WithDefaults()
	args := make([]string, 0, 6+2*len(commands))
	if c.ScriptsDir != "" {
		args = append(args, "-s", c.ScriptsDir)
	}
	args = append(args, "-f", c.Interface, "-f", c.Target)
	for _, cmd := range commands {
		args = append(args, "-c", cmd)
	}
	return args
}

// ServerArgs is the background (long-lived) invocation: init then halt the target.
func (c Config) ServerArgs() []string {
	return c.Args(c.SpeedDirective(), "init", "reset halt")
}

// ProbeArgs is the short-lived availability probe: init then shutdown.
func (c Config) ProbeArgs() []string {
	return c.Args(c.SpeedDirective(), "init", "shutdown")
}

// ProgramArgs is the one-shot cold flash script.
func (c Config) ProgramArgs(artifact string) []string {
	return c.Args(c.SpeedDirective(), fmt.Sprintf("program %s verify reset exit", artifact))
}

// ResetArgs is the one-shot cold reset script.
func (c Config) ResetArgs() []string {
	return c.Args("init", "reset run", "shutdown")
}

// Environ returns the adapter's environment, or nil to inherit ours.
func (c Config) Environ() ([]string, error) {
	return env.Compose(c.EnvFiles, c.Env)
}

// Command returns an *exec.Cmd for the given args. An environment error is
// reported by cmd.Start through cmd.Err.
func (c Config) Command(args []string) *exec.Cmd {
	// ok: binary comes from configuration, args are built above
	// #nosec G204
	cmd := exec.Command(c.WithDefaults().Binary, args...)
	c.applyEnv(cmd)
	return cmd
}

// CommandContext is Command bound to ctx; the process is killed when ctx is done.
func (c Config) CommandContext(ctx context.Context, args []string) *exec.Cmd {
	// #nosec G204
	cmd := exec.CommandContext(ctx, c.WithDefaults().Binary, args...)
	c.applyEnv(cmd)
	return cmd
}

func (c Config) applyEnv(cmd *exec.Cmd) {
	e, err := c.Environ()
	if err != nil {
		if cmd.Err == nil {
			cmd.Err = err
		}
		return
	}
	cmd.Env = e
}
