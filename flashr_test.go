package flashr

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/history"
	"github.com/loykin/flashr/internal/history/sqlite"
	itls "github.com/loykin/flashr/internal/tls"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Ports.Host = "127.0.0.1"
	cfg.Ports.Scripting = closedPort(t)
	cfg.Ports.Status = closedPort(t)
	cfg.Run.Dir = t.TempDir()
	cfg.Run.Log = filepath.Join(t.TempDir(), "openocd.log")
	cfg.Flash.DefaultArtifact = filepath.Join(t.TempDir(), "missing.elf")
	cfg.History.Host = "bench-1"
	return cfg
}

func TestNewWithDefaults(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, 4444, b.Config().Ports.Scripting)
	assert.NoError(t, b.Close())
}

func TestFlashMissingDefaultArtifact(t *testing.T) {
	cfg := testConfig(t)
	b, err := New(cfg)
	require.NoError(t, err)
	sink := &memSink{}
	b.SetHistory(sink)

	_, err = b.Flash(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, failure.ArtifactNotFound, KindOf(err))

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, history.EventFlash, e.Type)
	assert.Equal(t, "bench-1", e.Host)
	assert.Equal(t, cfg.Flash.DefaultArtifact, e.Attempt.Artifact)
}

func TestHistoryFromDSN(t *testing.T) {
	cfg := testConfig(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg.History.DSN = dbPath
	b, err := New(cfg)
	require.NoError(t, err)

	_, err = b.Flash(context.Background(), filepath.Join(t.TempDir(), "nope.elf"))
	require.Error(t, err)
	require.NoError(t, b.Close())

	s, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	events, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(failure.ArtifactNotFound), events[0].Attempt.Result)
}

func TestStopAdapterWithoutRecord(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	sink := &memSink{}
	b.SetHistory(sink)

	_, running := b.AdapterPID()
	assert.False(t, running)

	rep, err := b.StopAdapter(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Stopped)
	assert.False(t, rep.PortHeldByOther)
	assert.Empty(t, sink.events, "nothing was stopped so nothing is recorded")
}

func TestStopAdapterPurgesStaleRecord(t *testing.T) {
	cfg := testConfig(t)
	b, err := New(cfg)
	require.NoError(t, err)
	record := filepath.Join(cfg.Run.Dir, cfg.Run.Name+".pid")
	// PIDs above pid_max are never alive.
	require.NoError(t, os.WriteFile(record, []byte("99999999"), 0o600))

	rep, err := b.StopAdapter(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.StaleRecordPurged)
	_, statErr := os.Stat(record)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHandlerStatus(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	b.Handler("/api").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"adapter_running":false`)

	srv, err := b.NewHTTPServer(":0", "")
	require.NoError(t, err)
	assert.Equal(t, ":0", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.Nil(t, srv.TLSConfig)
}

func TestHTTPServerTLS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.TLS.Dir = filepath.Join(t.TempDir(), "tls")
	cfg.Server.TLS.AutoGenerate = true
	b, err := New(cfg)
	require.NoError(t, err)
	srv, err := b.NewHTTPServer("127.0.0.1:0", "")
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)

	cfg.Server.TLS = itls.Config{Dir: t.TempDir()}
	_, err = b.NewHTTPServer("127.0.0.1:0", "")
	assert.Error(t, err, "no key pair and no auto generation")
}

func TestMetricsTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashr.prom")
	require.NoError(t, WriteMetricsTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "flashr_") || strings.Contains(string(data), "go_"))
}

func TestFailureHelpers(t *testing.T) {
	err := failure.New(failure.VerifyFailed, "verify").WithDetail("Programming Finished")
	assert.Equal(t, failure.VerifyFailed, KindOf(err))
	assert.Equal(t, "Programming Finished", DetailOf(err))
	assert.Equal(t, FailureKind(""), KindOf(context.Canceled))
}

// ocdServer answers every command with an echo and a prompt and records it.
func ocdServer(t *testing.T) (int, func() []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	var mu sync.Mutex
	var cmds []string
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = c.Write([]byte("Open On-Chip Debugger\r\n> "))
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					cmd := strings.TrimSpace(sc.Text())
					mu.Lock()
					cmds = append(cmds, cmd)
					mu.Unlock()
					_, _ = c.Write([]byte(cmd + "\r\n> "))
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), cmds...)
	}
}

// haltedTarget only shows its serial device once the adapter was told to resume.
type haltedTarget struct {
	cmds  func() []string
	path  string
	calls int
}

func (h *haltedTarget) Find(_ context.Context, _ time.Duration) (string, bool) {
	h.calls++
	for _, c := range h.cmds() {
		if c == "resume" {
			return h.path, true
		}
	}
	return "", false
}

func shortResumeSettle(t *testing.T) {
	t.Helper()
	prev := resumeSettle
	resumeSettle = 10 * time.Millisecond
	t.Cleanup(func() { resumeSettle = prev })
}

func TestSerialDeviceResumesHaltedTargetBeforeWaiting(t *testing.T) {
	shortResumeSettle(t)
	port, cmds := ocdServer(t)
	cfg := testConfig(t)
	cfg.Ports.Scripting = port
	b, err := New(cfg)
	require.NoError(t, err)
	target := &haltedTarget{cmds: cmds, path: "/dev/ttyACM0"}
	b.finder = target

	path, stable, err := b.SerialDevice(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", path)
	assert.True(t, stable)
	assert.Equal(t, []string{"resume"}, cmds())
	assert.Equal(t, 1, target.calls)
}

func TestSerialDeviceUnsettledIsBestEffort(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	b.finder = finderFunc(func() (string, bool) { return "/dev/ttyACM1", false })

	path, stable, err := b.SerialDevice(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", path)
	assert.False(t, stable)
}

func TestSerialDeviceNoneFound(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	b.finder = finderFunc(func() (string, bool) { return "", false })

	_, _, err = b.SerialDevice(context.Background(), "")
	assert.Equal(t, failure.DeviceNotFound, KindOf(err))
}

func TestSerialDeviceExplicitPathSkipsResume(t *testing.T) {
	shortResumeSettle(t)
	port, cmds := ocdServer(t)
	cfg := testConfig(t)
	cfg.Ports.Scripting = port
	b, err := New(cfg)
	require.NoError(t, err)
	b.finder = finderFunc(func() (string, bool) {
		t.Error("explicit device must not be searched for")
		return "", false
	})

	dev := filepath.Join(t.TempDir(), "ttyUSB9")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))
	path, stable, err := b.SerialDevice(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, dev, path)
	assert.True(t, stable)

	_, _, err = b.SerialDevice(context.Background(), filepath.Join(t.TempDir(), "gone"))
	assert.Equal(t, failure.DeviceNotFound, KindOf(err))
	assert.Empty(t, cmds())
}

func TestResumeTargetWithoutAdapter(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	assert.False(t, b.ResumeTarget(context.Background()))
}

type finderFunc func() (string, bool)

func (f finderFunc) Find(context.Context, time.Duration) (string, bool) { return f() }
