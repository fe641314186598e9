package ocd

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

const (
	DefaultReadAttempt = time.Second
	readChunk          = 4096
)

// Reader accumulates scripting port output until a completion condition.
// Each underlying read is bounded by Attempt; a read timeout only means
// "keep waiting" until the phase deadline passes.
type Reader struct {
	conn    net.Conn
	Attempt time.Duration
	buf     []byte
}

func NewReader(conn net.Conn) *Reader {
	return &Reader{conn: conn, Attempt: DefaultReadAttempt, buf: make([]byte, readChunk)}
}

// ReadUntil reads until classify reports a prompt or marker, the phase
// deadline d elapses, the connection fails, or ctx is done.
func (r *Reader) ReadUntil(ctx context.Context, marker string, d time.Duration) Response {
	var sb strings.Builder
	end := time.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return Response{Kind: TimedOut, Text: sb.String(), Err: err}
		}
		now := time.Now()
		if !now.Before(end) {
			return Response{Kind: TimedOut, Text: sb.String()}
		}
		attempt := now.Add(r.Attempt)
		if attempt.After(end) {
			attempt = end
		}
		_ = r.conn.SetReadDeadline(attempt)
		n, err := r.conn.Read(r.buf)
		if n > 0 {
			sb.Write(r.buf[:n])
			if kind, done := classify(sb.String(), marker); done {
				return Response{Kind: kind, Text: sb.String()}
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return Response{Kind: TimedOut, Text: sb.String(), Err: err}
		}
	}
}

// Drain performs at most one read bounded by d and returns whatever arrived.
func (r *Reader) Drain(d time.Duration) string {
	_ = r.conn.SetReadDeadline(time.Now().Add(d))
	n, _ := r.conn.Read(r.buf)
	if n <= 0 {
		return ""
	}
	return string(r.buf[:n])
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
