// Package dedup suppresses repeated message deliveries. Repeats are
// recognized by a fast FNV-1a fingerprint of the content, scoped to
// one ticket on one platform, so a retyped message on another ticket
// is never confused with a flood.
package dedup

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
)

const defaultHighWater = 1024

// Config holds the duplicate policy knobs.
type Config struct {
	// Window is how long a fingerprint stays live after its last
	// accepted sighting.
	Window time.Duration
	// MaxDuplicates is the number of accepted deliveries per
	// fingerprint within the window. Further repeats are rejected.
	MaxDuplicates int
	// HighWater triggers opportunistic cleanup once the record count
	// crosses it. Zero means the default.
	HighWater int
}

// Deduplicator tracks recent content fingerprints per (platform,
// ticket) and decides whether a message may be delivered. Safe for
// concurrent use.
type Deduplicator struct {
	mu      sync.Mutex
	clk     clock.Clock
	window  time.Duration
	maxDup  int
	high    int
	records map[recordKey]*record
}

type recordKey struct {
	platform string
	ticketID string
	hash     uint64
}

type record struct {
	count    int
	lastSeen time.Time
}

// New builds a Deduplicator.
func New(clk clock.Clock, cfg Config) *Deduplicator {
	high := cfg.HighWater
	if high <= 0 {
		high = defaultHighWater
	}
	return &Deduplicator{
		clk:     clk,
		window:  cfg.Window,
		maxDup:  cfg.MaxDuplicates,
		high:    high,
		records: make(map[recordKey]*record),
	}
}

// Accept reports whether the message may be delivered. The first
// sighting of a fingerprint is always accepted; repeats within the
// window are accepted until the duplicate cap, then rejected. A
// rejected sighting does not refresh the record, so a suppressed
// fingerprint ages out by time alone.
func (d *Deduplicator) Accept(platform, ticketID, content, extra string) bool {
	k := recordKey{platform: platform, ticketID: ticketID, hash: fingerprint(content, extra)}
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.records) >= d.high {
		d.cleanLocked(now)
	}

	rec, ok := d.records[k]
	if !ok {
		d.records[k] = &record{count: 1, lastSeen: now}
		return true
	}
	if now.Sub(rec.lastSeen) > d.window {
		rec.count = 1
		rec.lastSeen = now
		return true
	}
	if rec.count >= d.maxDup {
		return false
	}
	rec.count++
	rec.lastSeen = now
	return true
}

// Cleanup drops expired records. Called by the maintenance sweep;
// Accept also runs it opportunistically past the high-water mark.
func (d *Deduplicator) Cleanup() int {
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	before := len(d.records)
	d.dropExpiredLocked(now)
	return before - len(d.records)
}

// Len returns the number of live records.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// cleanLocked removes expired records first, then the records with the
// oldest last-seen times until occupancy is back at half the
// high-water mark.
func (d *Deduplicator) cleanLocked(now time.Time) {
	d.dropExpiredLocked(now)

	target := d.high / 2
	if len(d.records) <= target {
		return
	}

	type aged struct {
		key      recordKey
		lastSeen time.Time
	}
	all := make([]aged, 0, len(d.records))
	for k, rec := range d.records {
		all = append(all, aged{key: k, lastSeen: rec.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastSeen.Before(all[j].lastSeen) })

	evicted := 0
	for _, a := range all {
		if len(d.records) <= target {
			break
		}
		delete(d.records, a.key)
		evicted++
	}
	slog.Debug("dedup cache trimmed", "evicted", evicted, "remaining", len(d.records))
}

func (d *Deduplicator) dropExpiredLocked(now time.Time) {
	for k, rec := range d.records {
		if now.Sub(rec.lastSeen) > d.window {
			delete(d.records, k)
		}
	}
}

// fingerprint hashes content plus any extra discriminator (media
// handle, caption) with FNV-1a. Collisions only risk suppressing an
// unrelated message inside one ticket's window, which is acceptable
// for spam gating.
func fingerprint(content, extra string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(extra))
	return h.Sum64()
}
