// Package ocd speaks the debug adapter's line-oriented scripting protocol
// (the OpenOCD telnet port) to halt, program, verify and resume the target.
package ocd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/metrics"
)

const VerifiedMarker = "** Verified OK **"

// Timeouts bounds each protocol phase.
type Timeouts struct {
	Dial        time.Duration `mapstructure:"dial"`
	BannerDelay time.Duration `mapstructure:"banner_delay"`
	Banner      time.Duration `mapstructure:"banner"`
	Halt        time.Duration `mapstructure:"halt"`
	Program     time.Duration `mapstructure:"program"`
	PostMarker  time.Duration `mapstructure:"post_marker"`
	Resume      time.Duration `mapstructure:"resume"`
	Attempt     time.Duration `mapstructure:"attempt"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Dial:        5 * time.Second,
		BannerDelay: 100 * time.Millisecond,
		Banner:      500 * time.Millisecond,
		Halt:        5 * time.Second,
		Program:     60 * time.Second,
		PostMarker:  600 * time.Millisecond,
		Resume:      5 * time.Second,
		Attempt:     DefaultReadAttempt,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Dial <= 0 {
		t.Dial = d.Dial
	}
	if t.BannerDelay <= 0 {
		t.BannerDelay = d.BannerDelay
	}
	if t.Banner <= 0 {
		t.Banner = d.Banner
	}
	if t.Halt <= 0 {
		t.Halt = d.Halt
	}
	if t.Program <= 0 {
		t.Program = d.Program
	}
	if t.PostMarker <= 0 {
		t.PostMarker = d.PostMarker
	}
	if t.Resume <= 0 {
		t.Resume = d.Resume
	}
	if t.Attempt <= 0 {
		t.Attempt = d.Attempt
	}
	return t
}

// Client is one control connection to the scripting port. It is not safe for
// concurrent use.
type Client struct {
	conn     net.Conn
	r        *Reader
	stop     func() bool
	timeouts Timeouts
	marker   string
	bannered bool
}

// Dial connects to addr. The connection is closed as soon as ctx is done.
func Dial(ctx context.Context, addr string, t Timeouts) (*Client, error) {
	t = t.withDefaults()
	d := net.Dialer{Timeout: t.Dial}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, failure.Wrap(failure.ProtocolTimeout, "connect to "+addr, err).WithPhase("connect")
	}
	return NewClient(ctx, conn, t), nil
}

// NewClient wraps an established connection.
func NewClient(ctx context.Context, conn net.Conn, t Timeouts) *Client {
	t = t.withDefaults()
	r := NewReader(conn)
	r.Attempt = t.Attempt
	c := &Client{conn: conn, r: r, timeouts: t, marker: VerifiedMarker}
	c.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return c
}

// SetMarker overrides the verify success marker.
func (c *Client) SetMarker(m string) {
	if m != "" {
		c.marker = m
	}
}

func (c *Client) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.conn.Close()
}

// Flash halts the target, programs and verifies sess.Artifact, then resumes
// the target. The target is never resumed after a failed verify.
func (c *Client) Flash(ctx context.Context, sess *Session) error {
	if strings.ContainsAny(sess.Artifact, "\r\n") {
		_ = sess.advance(Failed)
		return failure.Newf(failure.ArtifactNotFound, "artifact path contains a line break: %q", sess.Artifact)
	}
	if err := c.banner(ctx, sess); err != nil {
		_ = sess.advance(Failed)
		return err
	}

	_ = sess.advance(Halting)
	if _, err := c.promptPhase(ctx, sess, "reset halt", c.timeouts.Halt); err != nil {
		return err
	}

	_ = sess.advance(Programming)
	start := time.Now()
	resp, err := c.exec(ctx, "program "+sess.Artifact+" verify", c.marker, c.timeouts.Program)
	sess.record(resp.Text)
	metrics.ObservePhase(Programming.String(), resp.Kind.String(), time.Since(start).Seconds())
	if err != nil {
		return c.fail(sess, failure.Wrap(failure.ProtocolTimeout, "send program", err))
	}
	if resp.Kind != Marker {
		if resp.Err != nil {
			return c.fail(sess, failure.Wrap(failure.ProtocolTimeout, "connection lost while programming", resp.Err))
		}
		return c.fail(sess, failure.New(failure.VerifyFailed, "verify marker not seen"))
	}
	sess.record(c.r.Drain(c.timeouts.PostMarker))

	_ = sess.advance(Resuming)
	if _, err := c.promptPhase(ctx, sess, "reset run", c.timeouts.Resume); err != nil {
		return err
	}
	_ = sess.advance(Done)
	slog.Debug("flash session done", "artifact", sess.Artifact, "chunks", len(sess.transcript))
	return nil
}

// Reset sends only "reset run" with the resume policy.
func (c *Client) Reset(ctx context.Context) (string, error) {
	return c.single(ctx, "reset run")
}

// Resume lets a halted target continue without resetting it.
func (c *Client) Resume(ctx context.Context) (string, error) {
	return c.single(ctx, "resume")
}

func (c *Client) single(ctx context.Context, cmd string) (string, error) {
	sess := NewSession("")
	if err := c.banner(ctx, sess); err != nil {
		return sess.Text(), err
	}
	_ = sess.advance(Resuming)
	if _, err := c.promptPhase(ctx, sess, cmd, c.timeouts.Resume); err != nil {
		return sess.Text(), err
	}
	_ = sess.advance(Done)
	return sess.Text(), nil
}

func (c *Client) banner(ctx context.Context, sess *Session) error {
	if c.bannered {
		return nil
	}
	c.bannered = true
	t := time.NewTimer(c.timeouts.BannerDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	sess.record(c.r.Drain(c.timeouts.Banner))
	return nil
}

// promptPhase sends cmd and waits for the prompt. A missing prompt is a
// ProtocolTimeout for the current phase.
func (c *Client) promptPhase(ctx context.Context, sess *Session, cmd string, d time.Duration) (Response, error) {
	start := time.Now()
	resp, err := c.exec(ctx, cmd, "", d)
	sess.record(resp.Text)
	metrics.ObservePhase(sess.Phase().String(), resp.Kind.String(), time.Since(start).Seconds())
	if err != nil {
		return resp, c.fail(sess, failure.Wrap(failure.ProtocolTimeout, "send "+cmd, err))
	}
	if resp.Kind != Prompt {
		msg := fmt.Sprintf("no prompt after %q within %s", cmd, d)
		if resp.Err != nil {
			return resp, c.fail(sess, failure.Wrap(failure.ProtocolTimeout, msg, resp.Err))
		}
		return resp, c.fail(sess, failure.New(failure.ProtocolTimeout, msg))
	}
	return resp, nil
}

func (c *Client) exec(ctx context.Context, cmd, marker string, d time.Duration) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{Kind: TimedOut, Err: err}, err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Attempt))
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Response{Kind: TimedOut, Err: err}, err
	}
	return c.r.ReadUntil(ctx, marker, d), nil
}

func (c *Client) fail(sess *Session, fe *failure.Error) error {
	phase := sess.Phase()
	_ = sess.advance(Failed)
	fe = fe.WithPhase(phase.String()).WithDetail(sess.Text())
	if errors.Is(fe.Err, context.Canceled) {
		slog.Debug("flash session cancelled", "phase", phase)
	}
	return fe
}
