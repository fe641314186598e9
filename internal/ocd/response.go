package ocd

import "strings"

// ResponseKind tags how a read of the scripting port completed.
type ResponseKind int

const (
	// Prompt means the adapter printed its command prompt.
	Prompt ResponseKind = iota
	// Marker means the expected success marker was seen.
	Marker
	// TimedOut means neither arrived before the phase deadline, or the
	// connection failed. The partial text is still returned.
	TimedOut
)

func (k ResponseKind) String() string {
	switch k {
	case Prompt:
		return "prompt"
	case Marker:
		return "marker"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Response is the accumulated text of one command plus how reading ended.
type Response struct {
	Kind ResponseKind
	Text string
	// Err is set when the connection failed rather than a deadline expiring.
	Err error
}

// classify decides whether text is complete. The marker is only considered
// when non-empty; it wins over a prompt appearing in the same text.
func classify(text, marker string) (ResponseKind, bool) {
	if marker != "" && strings.Contains(text, marker) {
		return Marker, true
	}
	if strings.HasSuffix(strings.TrimSpace(text), ">") || strings.Contains(text, "\n> ") {
		return Prompt, true
	}
	return TimedOut, false
}
