package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/flashr/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()

	events := []history.Event{
		{Type: history.EventAdapterStart, OccurredAt: base, Attempt: history.Attempt{Result: history.ResultOK, PID: 4242}},
		{Type: history.EventFlash, OccurredAt: base.Add(time.Second), Host: "bench-1", Attempt: history.Attempt{
			Mode: "reuse", Artifact: "build/src/fw.elf", Result: "verify_failed", Phase: "program", DurationMS: 3100,
			Message: "verify marker not seen",
		}},
		{Type: history.EventFlash, OccurredAt: base.Add(2 * time.Second), Attempt: history.Attempt{
			Mode: "reuse", Artifact: "build/src/fw.elf", Result: history.ResultOK, DurationMS: 2900,
		}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	got, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if !got[0].Attempt.OK() || got[0].Type != history.EventFlash {
		t.Errorf("Expected newest event to be the successful flash, got %+v", got[0])
	}
	if got[1].Attempt.Phase != "program" || got[1].Attempt.Message != "verify marker not seen" || got[1].Host != "bench-1" {
		t.Errorf("Unexpected failed attempt row: %+v", got[1])
	}
	if got[2].Attempt.PID != 4242 {
		t.Errorf("Expected adapter pid 4242, got %d", got[2].Attempt.PID)
	}
}

func TestSQLiteSink_MemoryAndLimit(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := history.Event{Type: history.EventReset, OccurredAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
			Attempt: history.Attempt{Mode: "cold", Result: history.ResultOK}}
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	got, err := sink.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 events, got %d", len(got))
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Error("Expected error for empty DSN")
	}
}
