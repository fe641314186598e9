package adapter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/flashr/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs_FixedOrder(t *testing.T) {
	c := Config{Binary: "/opt/ocd/bin/openocd", ScriptsDir: "/opt/ocd/scripts", Speed: 1000}
	got := c.ProgramArgs("build/fw.elf")
	want := []string{
		"-s", "/opt/ocd/scripts",
		"-f", DefaultInterface, "-f", DefaultTarget,
		"-c", "adapter speed 1000",
		"-c", "program build/fw.elf verify reset exit",
	}
	assert.Equal(t, want, got)
}

func TestArgs_NoScriptsDir(t *testing.T) {
	got := Config{}.ResetArgs()
	assert.Equal(t, []string{"-f", DefaultInterface, "-f", DefaultTarget, "-c", "init", "-c", "reset run", "-c", "shutdown"}, got)
}

func TestServerAndProbeArgs(t *testing.T) {
	c := Config{}
	assert.Equal(t, []string{"-f", DefaultInterface, "-f", DefaultTarget, "-c", "adapter speed 5000", "-c", "init", "-c", "reset halt"}, c.ServerArgs())
	assert.Equal(t, []string{"-f", DefaultInterface, "-f", DefaultTarget, "-c", "adapter speed 5000", "-c", "init", "-c", "shutdown"}, c.ProbeArgs())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		out  string
		kind failure.Kind
		ok   bool
	}{
		{"Error: could not claim interface 0: Resource busy", failure.ProbeBusy, true},
		{"libusb: RESOURCE BUSY", failure.ProbeBusy, true},
		{"Error: error submitting USB write: LIBUSB_ERROR_IO", failure.ProbeUSBError, true},
		{"Error: No CMSIS-DAP device found", failure.ProbeNotFound, true},
		{"Error: target not examined yet", failure.ProbeUnclassified, false},
	}
	for _, tc := range cases {
		kind, ok := Classify(tc.out)
		assert.Equal(t, tc.kind, kind, tc.out)
		assert.Equal(t, tc.ok, ok, tc.out)
	}
}

func TestValidate_MissingBinary(t *testing.T) {
	assert.Error(t, Config{Binary: "/nonexistent/openocd"}.Validate())
	assert.Error(t, Config{Binary: "definitely-not-an-adapter-binary"}.Validate())
}

func TestCommand_Environment(t *testing.T) {
	cmd := Config{Binary: "/bin/true"}.Command([]string{"-v"})
	assert.Nil(t, cmd.Env, "no extra env means inherit")
	assert.Equal(t, []string{"/bin/true", "-v"}, cmd.Args)

	cmd = Config{Binary: "/bin/true", Env: []string{"OPENOCD_SCRIPTS=/opt/ocd"}}.CommandContext(context.Background(), nil)
	assert.Contains(t, cmd.Env, "OPENOCD_SCRIPTS=/opt/ocd")

	cmd = Config{Binary: "/bin/true", EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env")}}.Command(nil)
	require.Error(t, cmd.Err)
	assert.Error(t, cmd.Start())
}
