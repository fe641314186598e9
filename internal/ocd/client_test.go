package ocd

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/flashr/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOCD is a scripted stand-in for the adapter's scripting port.
type fakeOCD struct {
	ln      net.Listener
	reply   func(cmd string) string
	mu      sync.Mutex
	cmds    []string
	started chan struct{}
}

func newFakeOCD(t *testing.T, reply func(cmd string) string) *fakeOCD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeOCD{ln: ln, reply: reply, started: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeOCD) addr() string { return f.ln.Addr().String() }

func (f *fakeOCD) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	_, _ = conn.Write([]byte("Open On-Chip Debugger\r\n> "))
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		f.mu.Unlock()
		out := f.reply(cmd)
		if out == "" {
			continue
		}
		if _, err := conn.Write([]byte(out)); err != nil {
			return
		}
	}
}

func (f *fakeOCD) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func fastTimeouts() Timeouts {
	return Timeouts{
		BannerDelay: 10 * time.Millisecond,
		Banner:      200 * time.Millisecond,
		Halt:        time.Second,
		Program:     2 * time.Second,
		PostMarker:  100 * time.Millisecond,
		Resume:      time.Second,
		Attempt:     100 * time.Millisecond,
	}
}

func happyReply(cmd string) string {
	switch {
	case cmd == "reset halt":
		return "reset halt\r\ntarget halted due to debug-request\r\n> "
	case strings.HasPrefix(cmd, "program "):
		return cmd + "\r\n** Programming Started **\r\n** Programming Finished **\r\n** Verify Started **\r\n** Verified OK **\r\n> "
	case cmd == "reset run", cmd == "resume":
		return cmd + "\r\n> "
	}
	return "invalid command name\r\n> "
}

func TestFlash_Success(t *testing.T) {
	f := newFakeOCD(t, happyReply)
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), fastTimeouts())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	sess := NewSession("/tmp/fw.elf")
	require.NoError(t, c.Flash(ctx, sess))
	assert.Equal(t, Done, sess.Phase())
	assert.Equal(t, []string{"reset halt", "program /tmp/fw.elf verify", "reset run"}, f.commands())

	text := sess.Text()
	assert.Contains(t, text, "Open On-Chip Debugger")
	iHalt := strings.Index(text, "target halted")
	iOK := strings.Index(text, VerifiedMarker)
	assert.True(t, iHalt >= 0 && iOK > iHalt, "transcript out of order: %q", text)
}

func TestFlash_FinishedWithoutVerifyIsFailure(t *testing.T) {
	f := newFakeOCD(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "program ") {
			return "** Programming Started **\r\n** Programming Finished **\r\n** Verify Started **\r\nError: checksum mismatch\r\n> "
		}
		return happyReply(cmd)
	})
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), fastTimeouts())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	sess := NewSession("fw.elf")
	err = c.Flash(ctx, sess)
	require.Error(t, err)
	assert.Equal(t, failure.VerifyFailed, failure.KindOf(err))
	assert.Contains(t, failure.DetailOf(err), "Programming Finished")
	assert.Equal(t, Failed, sess.Phase())
	assert.Equal(t, Programming, sess.FailedAt())

	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, f.commands(), "reset run")
}

func TestFlash_ProgramDeadlineWithoutMarker(t *testing.T) {
	f := newFakeOCD(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "program ") {
			return "** Programming Started **\r\n"
		}
		return happyReply(cmd)
	})
	to := fastTimeouts()
	to.Program = 300 * time.Millisecond
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), to)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	err = c.Flash(ctx, NewSession("fw.elf"))
	assert.Equal(t, failure.VerifyFailed, failure.KindOf(err))
	assert.NotContains(t, f.commands(), "reset run")
}

func TestFlash_HaltTimeout(t *testing.T) {
	f := newFakeOCD(t, func(cmd string) string {
		if cmd == "reset halt" {
			return "still working"
		}
		return happyReply(cmd)
	})
	to := fastTimeouts()
	to.Halt = 250 * time.Millisecond
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), to)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	err = c.Flash(ctx, NewSession("fw.elf"))
	require.Error(t, err)
	assert.True(t, failure.KindOf(err) == failure.ProtocolTimeout)
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "halt", fe.Phase)
	assert.Equal(t, []string{"reset halt"}, f.commands())
}

func TestFlash_RejectsLineBreakInArtifact(t *testing.T) {
	f := newFakeOCD(t, happyReply)
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), fastTimeouts())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	err = c.Flash(ctx, NewSession("fw.elf\nshutdown"))
	require.Error(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.commands())
}

func TestReset_SendsOnlyResetRun(t *testing.T) {
	f := newFakeOCD(t, happyReply)
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), fastTimeouts())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	out, err := c.Reset(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "reset run")
	assert.Equal(t, []string{"reset run"}, f.commands())
}

func TestResume(t *testing.T) {
	f := newFakeOCD(t, happyReply)
	ctx := context.Background()
	c, err := Dial(ctx, f.addr(), fastTimeouts())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"resume"}, f.commands())
}

func TestFlash_CancelClosesConnection(t *testing.T) {
	f := newFakeOCD(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "program ") {
			return "** Programming Started **\r\n"
		}
		return happyReply(cmd)
	})
	to := fastTimeouts()
	to.Program = 10 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, f.addr(), to)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	time.AfterFunc(300*time.Millisecond, cancel)
	start := time.Now()
	err = c.Flash(ctx, NewSession("fw.elf"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NotContains(t, f.commands(), "reset run")
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Dial(context.Background(), addr, Timeouts{Dial: 200 * time.Millisecond})
	assert.Equal(t, failure.ProtocolTimeout, failure.KindOf(err))
}
