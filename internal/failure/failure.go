// Package failure classifies what went wrong during a flash, probe or adapter
// operation, carrying the phase reached and the transcript or log tail.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can tell hardware availability problems
// (busy interface, missing probe) apart from protocol problems (verify, timeout).
type Kind string

const (
	DeviceNotFound      Kind = "device_not_found"
	DeviceUnstable      Kind = "device_unstable"
	PortConflict        Kind = "port_conflict"
	ProbeBusy           Kind = "probe_busy"
	ProbeUSBError       Kind = "probe_usb_error"
	ProbeNotFound       Kind = "probe_not_found"
	ProbeTimeout        Kind = "probe_timeout"
	ProbeUnclassified   Kind = "probe_unclassified"
	ProtocolTimeout     Kind = "protocol_timeout"
	VerifyFailed        Kind = "verify_failed"
	ArtifactNotFound    Kind = "artifact_not_found"
	ProcessSpawnFailed  Kind = "process_spawn_failed"
	ProcessStartTimeout Kind = "process_start_timeout"
	StopTimeout         Kind = "stop_timeout"
	AdapterExit         Kind = "adapter_exit"
)

// Error is the typed result returned at component boundaries.
// Detail holds the transcript or log tail that justified the classification.
type Error struct {
	Kind    Kind
	Phase   string
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		b.WriteString("[" + e.Phase + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so errors.Is(err, &Error{Kind: VerifyFailed}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Phase == "" || t.Phase == e.Phase)
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithDetail returns e with Detail set; it mutates and returns the receiver.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithPhase returns e with Phase set; it mutates and returns the receiver.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// KindOf extracts the Kind from err, or "" when err is not a classified failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// DetailOf extracts the diagnostic detail from err, if any.
func DetailOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail
	}
	return ""
}

// Tail returns at most n trailing bytes of s with surrounding whitespace trimmed.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n > 0 && len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
