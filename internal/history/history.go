package history

import (
	"context"
	"time"
)

// EventType defines what kind of operation an event records.
type EventType string

const (
	EventFlash        EventType = "flash"
	EventReset        EventType = "reset"
	EventAdapterStart EventType = "adapter_start"
	EventAdapterStop  EventType = "adapter_stop"
)

// ResultOK is the Result of a successful attempt; failures carry their
// failure kind instead.
const ResultOK = "ok"

// Attempt describes one operation against the target.
type Attempt struct {
	Mode       string `json:"mode"` // reuse | cold | "" for adapter events
	Artifact   string `json:"artifact,omitempty"`
	Result     string `json:"result"`
	Phase      string `json:"phase,omitempty"`
	ExitCode   int    `json:"exit_code"`
	PID        int    `json:"pid,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message,omitempty"`
}

func (a Attempt) OK() bool { return a.Result == ResultOK }

// Event represents one attempt to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Host       string    `json:"host,omitempty"`
	Attempt    Attempt   `json:"attempt"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
