package ocd

import (
	"fmt"
	"strings"
)

// Phase of a flash session. Phases only move forward; Done and Failed are terminal.
type Phase int

const (
	Idle Phase = iota
	Halting
	Programming
	Resuming
	Done
	Failed
)

var phaseNames = [...]string{"idle", "halt", "program", "resume", "done", "failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) Terminal() bool { return p == Done || p == Failed }

// Session tracks one flash attempt over the scripting port.
type Session struct {
	Artifact   string
	phase      Phase
	failedAt   Phase
	transcript []string
}

func NewSession(artifact string) *Session {
	return &Session{Artifact: artifact}
}

func (s *Session) Phase() Phase { return s.phase }

// FailedAt reports the phase that was active when the session failed.
func (s *Session) FailedAt() Phase { return s.failedAt }

// advance moves to next. Any non-terminal phase may move to Failed.
func (s *Session) advance(next Phase) error {
	if s.phase.Terminal() {
		return fmt.Errorf("session already %s", s.phase)
	}
	if next == Failed {
		s.failedAt = s.phase
		s.phase = Failed
		return nil
	}
	if next <= s.phase {
		return fmt.Errorf("cannot move from %s to %s", s.phase, next)
	}
	s.phase = next
	return nil
}

func (s *Session) record(text string) {
	if text != "" {
		s.transcript = append(s.transcript, text)
	}
}

// Transcript returns the raw adapter output in the order it was received.
func (s *Session) Transcript() []string {
	out := make([]string, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) Text() string { return strings.Join(s.transcript, "") }
