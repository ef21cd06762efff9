// Package logbuf keeps the most recent log entries in memory so the
// API can serve them without touching disk.
package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is a single log entry captured from slog.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Buffer is a fixed-capacity ring of log entries, safe for concurrent
// use. Once full, each Write overwrites the oldest entry.
type Buffer struct {
	mu   sync.Mutex
	ring []Entry
	head int // next write position
	n    int // entries stored, <= len(ring)
}

// New creates a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	return &Buffer{ring: make([]Entry, capacity)}
}

// Write appends an entry, evicting the oldest when full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.n < len(b.ring) {
		b.n++
	}
	b.mu.Unlock()
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Query returns entries at or above minLevel and not before since,
// oldest first. A zero since matches everything; limit <= 0 means no
// limit, otherwise the newest matching entries are kept.
func (b *Buffer) Query(since time.Time, minLevel slog.Level, limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldest := 0
	if b.n == len(b.ring) {
		oldest = b.head
	}

	var out []Entry
	for i := 0; i < b.n; i++ {
		e := b.ring[(oldest+i)%len(b.ring)]
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		if levelOf(e) < minLevel {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// levelOf maps the entry's stored level string back to a slog.Level.
// Unknown strings rank as info.
func levelOf(e Entry) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(e.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
