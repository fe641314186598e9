package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/loykin/flashr/internal/adapter"
	"github.com/loykin/flashr/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRunner(stderr string, code int, err error) Runner {
	return func(ctx context.Context, cfg adapter.Config, args []string) (string, int, error) {
		return stderr, code, err
	}
}

func TestCheck_Classification(t *testing.T) {
	long := strings.Repeat("x", 500) + "Error: something odd"
	cases := []struct {
		name   string
		stderr string
		code   int
		want   failure.Kind
	}{
		{"claim", "Error: could not claim interface 0", 1, failure.ProbeBusy},
		{"busy", "libusb: RESOURCE BUSY", 1, failure.ProbeBusy},
		{"usb", "Error: error submitting USB bulk transfer", 1, failure.ProbeUSBError},
		{"not found", "Error: No CMSIS-DAP device found", 1, failure.ProbeNotFound},
		{"other", long, 1, failure.ProbeUnclassified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Checker{Run: fakeRunner(tc.stderr, tc.code, nil)}
			err := c.Check(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.want, failure.KindOf(err))
			assert.LessOrEqual(t, len(failure.DetailOf(err)), stderrTail)
		})
	}
}

func TestCheck_UnclassifiedKeepsStderrTail(t *testing.T) {
	c := &Checker{Run: fakeRunner(strings.Repeat("a", 300)+"TAIL", 2, nil)}
	err := c.Check(context.Background())
	require.Error(t, err)
	d := failure.DetailOf(err)
	assert.Len(t, d, stderrTail)
	assert.True(t, strings.HasSuffix(d, "TAIL"))
}

func TestCheck_ZeroExitIsAvailable(t *testing.T) {
	// output is ignored on success even if it mentions a signature
	c := &Checker{Run: fakeRunner("Warn: resource busy, retrying", 0, nil)}
	assert.NoError(t, c.Check(context.Background()))
}

func TestCheck_SpawnFailure(t *testing.T) {
	c := &Checker{Run: fakeRunner("", -1, errors.New("exec: not found"))}
	err := c.Check(context.Background())
	assert.Equal(t, failure.ProcessSpawnFailed, failure.KindOf(err))
}

func TestCheck_Timeout(t *testing.T) {
	c := &Checker{Timeout: 50 * time.Millisecond, Run: func(ctx context.Context, _ adapter.Config, _ []string) (string, int, error) {
		<-ctx.Done()
		return "Info : CMSIS-DAP: Interface Initialised", -1, nil
	}}
	start := time.Now()
	err := c.Check(context.Background())
	assert.Equal(t, failure.ProbeTimeout, failure.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCheck_ProbeArgs(t *testing.T) {
	var got []string
	c := &Checker{Adapter: adapter.Config{Speed: 1000}, Run: func(_ context.Context, _ adapter.Config, args []string) (string, int, error) {
		got = args
		return "", 0, nil
	}}
	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, []string{"-f", adapter.DefaultInterface, "-f", adapter.DefaultTarget,
		"-c", "adapter speed 1000", "-c", "init", "-c", "shutdown"}, got)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	p := filepath.Join(t.TempDir(), "fake-openocd")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestExecRunner_RealProcess(t *testing.T) {
	bin := writeScript(t, `echo "Error: could not claim interface" >&2; exit 1`)
	c := New(adapter.Config{Binary: bin})
	err := c.Check(context.Background())
	assert.Equal(t, failure.ProbeBusy, failure.KindOf(err))

	ok := writeScript(t, `exit 0`)
	assert.NoError(t, New(adapter.Config{Binary: ok}).Check(context.Background()))
}

func TestExecRunner_Hang(t *testing.T) {
	bin := writeScript(t, `exec sleep 10`)
	c := New(adapter.Config{Binary: bin})
	c.Timeout = 200 * time.Millisecond
	err := c.Check(context.Background())
	assert.Equal(t, failure.ProbeTimeout, failure.KindOf(err))
}

func TestExecRunner_MissingBinary(t *testing.T) {
	c := New(adapter.Config{Binary: filepath.Join(t.TempDir(), "nope")})
	err := c.Check(context.Background())
	assert.Equal(t, failure.ProcessSpawnFailed, failure.KindOf(err))
}

func TestMatchDesc(t *testing.T) {
	desc := &gousb.DeviceDesc{Bus: 1, Address: 7, Vendor: gousb.ID(0x2e8a), Product: gousb.ID(0x000c), Speed: gousb.SpeedFull}
	p, ok := matchDesc(desc, DefaultVendorID, DefaultProductID)
	require.True(t, ok)
	assert.Equal(t, 7, p.Address)
	assert.Contains(t, p.String(), "2e8a:000c")

	_, ok = matchDesc(&gousb.DeviceDesc{Vendor: 0x2e8a, Product: 0x0009}, DefaultVendorID, DefaultProductID)
	assert.False(t, ok)
	_, ok = matchDesc(nil, DefaultVendorID, DefaultProductID)
	assert.False(t, ok)
}
