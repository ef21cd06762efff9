package logbuf

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func fill(buf *Buffer, base time.Time, n int) {
	for i := 0; i < n; i++ {
		buf.Write(Entry{
			Time:    base.Add(time.Duration(i) * time.Second),
			Level:   "INFO",
			Message: "msg",
			Attrs:   map[string]any{"i": i},
		})
	}
}

func TestWriteAndQuery(t *testing.T) {
	buf := New(5)
	fill(buf, time.Now(), 3)

	if buf.Len() != 3 {
		t.Fatalf("Len = %d, want 3", buf.Len())
	}
	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 3 {
		t.Fatalf("query returned %d entries, want 3", len(entries))
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	buf := New(3)
	fill(buf, time.Now(), 5)

	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 3 {
		t.Fatalf("query returned %d entries, want capacity 3", len(entries))
	}
	if entries[0].Attrs["i"] != 2 || entries[2].Attrs["i"] != 4 {
		t.Fatalf("wrong survivors, got first=%v last=%v", entries[0].Attrs["i"], entries[2].Attrs["i"])
	}
}

func TestQuerySince(t *testing.T) {
	buf := New(10)
	base := time.Now()
	fill(buf, base, 5)

	entries := buf.Query(base.Add(3*time.Second), slog.LevelDebug, 0)
	if len(entries) != 2 {
		t.Fatalf("query returned %d entries since t+3s, want 2", len(entries))
	}
}

func TestQueryMinLevel(t *testing.T) {
	buf := New(10)
	now := time.Now()
	for _, lvl := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		buf.Write(Entry{Time: now, Level: lvl, Message: lvl})
	}

	entries := buf.Query(time.Time{}, slog.LevelWarn, 0)
	if len(entries) != 2 {
		t.Fatalf("query returned %d entries at WARN+, want 2", len(entries))
	}
	if entries[0].Message != "WARN" || entries[1].Message != "ERROR" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	buf := New(10)
	fill(buf, time.Now(), 8)

	entries := buf.Query(time.Time{}, slog.LevelDebug, 3)
	if len(entries) != 3 {
		t.Fatalf("query returned %d entries with limit 3", len(entries))
	}
	if entries[2].Attrs["i"] != 7 {
		t.Fatalf("limit did not keep newest, last = %v", entries[2].Attrs["i"])
	}
}

func newTestLogger(buf *Buffer, innerLevel slog.Level) *slog.Logger {
	inner := slog.NewTextHandler(&discardWriter{}, &slog.HandlerOptions{Level: innerLevel})
	return slog.New(NewHandler(inner, buf))
}

func TestHandlerCaptures(t *testing.T) {
	buf := New(10)
	logger := newTestLogger(buf, slog.LevelDebug)

	logger.Info("hello", "key", "value")
	logger.Warn("warning")

	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 2 {
		t.Fatalf("captured %d entries, want 2", len(entries))
	}
	if entries[0].Message != "hello" || entries[0].Attrs["key"] != "value" {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if entries[1].Level != "WARN" {
		t.Fatalf("second entry level = %q", entries[1].Level)
	}
}

func TestHandlerBoundAttrs(t *testing.T) {
	buf := New(10)
	logger := newTestLogger(buf, slog.LevelDebug).With("component", "relay")

	logger.Info("msg")

	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(entries) != 1 || entries[0].Attrs["component"] != "relay" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHandlerErrorAttrFlattened(t *testing.T) {
	buf := New(10)
	logger := newTestLogger(buf, slog.LevelDebug)

	logger.Error("boom", "error", context.DeadlineExceeded)

	entries := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if got := entries[0].Attrs["error"]; got != context.DeadlineExceeded.Error() {
		t.Fatalf("error attr = %v, want message string", got)
	}
}

// The buffer captures below the inner handler's level so /api/logs can
// serve debug lines while stdout stays quiet.
func TestHandlerCapturesBelowInnerLevel(t *testing.T) {
	buf := New(10)
	logger := newTestLogger(buf, slog.LevelWarn)

	logger.Debug("debug msg")
	logger.Info("info msg")
	logger.Warn("warn msg")

	if got := buf.Len(); got != 3 {
		t.Fatalf("buffer captured %d entries, want 3", got)
	}
}

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }
