package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// TestHandlerFormat tests the line layout and attribute rendering.
func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer

	log := slog.New(NewHandler(&buf)).With("correlation", "abc")
	log.Info("identify sent", "pillars", 3)

	line := buf.String()

	if !strings.Contains(line, "[INF] identify sent") {
		t.Errorf("missing level and message: %q", line)
	}

	if !strings.Contains(line, "correlation=abc") {
		t.Errorf("missing handler attribute: %q", line)
	}

	if !strings.Contains(line, "pillars=3") {
		t.Errorf("missing record attribute: %q", line)
	}
}

// TestHandlerGroup tests key qualification after WithGroup.
func TestHandlerGroup(t *testing.T) {
	var buf bytes.Buffer

	log := slog.New(NewHandler(&buf)).WithGroup("bus")
	log.Warn("dropped", "destination", "pillar.a")

	if !strings.Contains(buf.String(), "bus.destination=pillar.a") {
		t.Errorf("group not applied: %q", buf.String())
	}
}

// TestSetLevel tests that records below the minimum level are filtered.
func TestSetLevel(t *testing.T) {
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	SetLevel(slog.LevelWarn)
	log.Info("hidden")

	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %q", buf.String())
	}

	SetLevel(slog.LevelDebug)
	log.Debug("shown")

	if !strings.Contains(buf.String(), "[DBG] shown") {
		t.Errorf("debug not written at debug level: %q", buf.String())
	}
}

// TestParseLevel tests flag value parsing.
func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if l != slog.LevelWarn {
		t.Errorf("got %v, want %v", l, slog.LevelWarn)
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
