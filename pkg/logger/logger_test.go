package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("entry is not json: %v; entry=%s", err, line)
	}
	return entry
}

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithRequestID(ctx, "req-123")
	ctx = log.WithDeviceID(ctx, "device-1")
	ctx = log.WithPageID(ctx, "page-1")

	log.Error(ctx, "boom", errors.New("boom"))

	entry := decodeEntry(t, buf)
	if entry["request_id"] != "req-123" || entry["device_id"] != "device-1" || entry["page_id"] != "page-1" {
		t.Fatalf("expected context fields to be preserved; entry=%s", buf.String())
	}
	if entry["service"] != "test" || entry["level"] != "error" {
		t.Fatalf("unexpected service or level; entry=%s", buf.String())
	}
	if _, ok := entry["stack"]; !ok {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnErrWritesErrorAndStack(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf, WarnStack: true})

	log.WarnErr(context.Background(), "cart.storage.failed", errors.New("connection refused"))

	entry := decodeEntry(t, buf)
	if entry["level"] != "warn" || entry["message"] != "cart.storage.failed" {
		t.Fatalf("unexpected entry %s", buf.String())
	}
	if entry["error"] != "connection refused" {
		t.Fatalf("expected error field, got %v", entry["error"])
	}
	if _, ok := entry["stack"]; !ok {
		t.Fatalf("expected stack when warn stack enabled; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	log.Warn(context.Background(), "warny")
	log.WarnErr(context.Background(), "warny", nil)

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"stack"`) || strings.Contains(line, `"error"`) {
			t.Fatalf("unexpected stack or error field: %s", line)
		}
	}
}

func TestLoggerConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Format: " Console ", Output: buf})

	log.Info(log.WithUserID(context.Background(), "user-1"), "request.complete")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected console output, got json: %s", out)
	}
	if !strings.Contains(out, "request.complete") || !strings.Contains(out, "user-1") {
		t.Fatalf("console output lost message or fields: %s", out)
	}
}

func TestLoggerLevelFiltersAndNilContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	var nilCtx context.Context
	log.Debug(nilCtx, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at the default info level: %s", buf.String())
	}

	ctx := log.WithField(nilCtx, "op", "read")
	log.Info(ctx, "shown")
	if entry := decodeEntry(t, buf); entry["op"] != "read" {
		t.Fatalf("expected field attached to a nil context, got %s", buf.String())
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	// must not panic or write anywhere
	log.Error(context.Background(), "boom", errors.New("boom"))
	log.WarnErr(context.Background(), "warn", errors.New("warn"))
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" DEBUG "); lvl != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %v", lvl)
	}
}
