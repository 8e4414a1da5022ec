package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not json: %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	if _, err := NewZapLogger(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		logFunc  func(Logger)
		expected int
	}{
		{"debug level logs debug", DebugLevel, func(l Logger) { l.Debug("m") }, 1},
		{"info level drops debug", InfoLevel, func(l Logger) { l.Debug("m") }, 0},
		{"warn level drops info", WarnLevel, func(l Logger) { l.Info("m") }, 0},
		{"warn level logs warn", WarnLevel, func(l Logger) { l.Warn("m") }, 1},
		{"error level logs error", ErrorLevel, func(l Logger) { l.Error("m") }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := NewZapLogger(Config{Level: tt.level, Format: JSONFormat, Output: &buf})
			if err != nil {
				t.Fatalf("new logger: %v", err)
			}
			tt.logFunc(log)
			_ = log.Sync()
			if got := len(decodeLines(t, &buf)); got != tt.expected {
				t.Fatalf("expected %d entries, got %d", tt.expected, got)
			}
		})
	}
}

func TestZapLogger_WithAndContextFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: DebugLevel, Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	ctx := ContextWithOperationID(context.Background(), "op-7")
	log.With("component", "session").WithContext(ctx).Info("session connected", "session_id", "abc")
	_ = log.Sync()

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "session connected" {
		t.Errorf("unexpected message %v", entry["message"])
	}
	if entry["component"] != "session" || entry["operation_id"] != "op-7" || entry["session_id"] != "abc" {
		t.Errorf("missing structured fields: %v", entry)
	}
}

func TestOrNop(t *testing.T) {
	log := OrNop(nil)
	log.With("a", 1).WithContext(context.Background()).Error("discarded")

	var buf bytes.Buffer
	zl, _ := NewZapLogger(Config{Output: &buf})
	if OrNop(zl) != Logger(zl) {
		t.Fatal("OrNop must return the given logger")
	}
}

func TestParseLogLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLogLevel("warning"); err != nil || lvl != WarnLevel {
		t.Fatalf("unexpected %v %v", lvl, err)
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Fatal("expected error")
	}
	if f, err := ParseLogFormat("console"); err != nil || f != TextFormat {
		t.Fatalf("unexpected %v %v", f, err)
	}
}
