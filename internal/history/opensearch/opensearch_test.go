package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/flashr/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"flash-history","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "flash-history")
	event := history.Event{
		Type:       history.EventFlash,
		OccurredAt: time.Now().UTC(),
		Attempt:    history.Attempt{Mode: "cold", Artifact: "build/src/fw.elf", Result: history.ResultOK, ExitCode: 0},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/flash-history/_doc" {
		t.Errorf("Unexpected path: %s", receivedURL)
	}
	var m map[string]any
	if err := json.Unmarshal(receivedBody, &m); err != nil {
		t.Fatalf("Invalid JSON body: %v", err)
	}
	attempt, ok := m["attempt"].(map[string]any)
	if !ok || attempt["artifact"] != "build/src/fw.elf" {
		t.Errorf("Unexpected payload: %v", m)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	err := sink.Send(context.Background(), history.Event{Type: history.EventReset, OccurredAt: time.Now()})
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}
}

func TestOpenSearchSink_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(server.URL, "idx").Send(ctx, history.Event{Type: history.EventFlash}); err == nil {
		t.Error("Expected error with cancelled context")
	}
}

func TestOpenSearchSink_DailyIndexAndAuth(t *testing.T) {
	var path, user, pass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, pass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL, "flash-history", WithDailyIndex(), WithBasicAuth("bench", "s3cret"))
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	if err := sink.Send(context.Background(), history.Event{Type: history.EventFlash, OccurredAt: at}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/flash-history-2026.03.09/_doc" {
		t.Errorf("Unexpected path: %s", path)
	}
	if user != "bench" || pass != "s3cret" {
		t.Errorf("Unexpected credentials: %q %q", user, pass)
	}
}

func TestOpenSearchSink_ErrorBodyInMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"no permissions"}`))
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventReset})
	if err == nil || !strings.Contains(err.Error(), "no permissions") || !strings.Contains(err.Error(), "403") {
		t.Fatalf("unexpected error: %v", err)
	}
}
