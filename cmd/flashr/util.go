package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/flashr"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// reportError prints the classified error and any transcript or log tail.
func reportError(w io.Writer, err error) {
	_, _ = fmt.Fprintln(w, "flashr:", err)
	if d := strings.TrimSpace(flashr.DetailOf(err)); d != "" {
		_, _ = fmt.Fprintln(w, "--- detail ---")
		_, _ = fmt.Fprintln(w, d)
	}
}

// parseCaptureDuration accepts Go durations ("1m30s") and plain seconds ("10").
func parseCaptureDuration(s string) (time.Duration, error) {
	if s == "" {
		return defaultCapture, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		secs, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}
