// Package ratelimit provides per-resource-class token buckets gating
// calls to the chat platforms. Each class has a capacity and a linear
// refill rate derived from the platform's documented quota; callers
// that find the bucket empty wait in FIFO order up to a hard timeout.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
)

// Resource classes used across the bridge.
const (
	ClassGlobal        = "global"
	ClassWebhook       = "webhook"
	ClassChannelCreate = "channel_create"
	ClassChannelEdit   = "channel_edit"
	ClassFileFetch     = "file_fetch"
)

// ErrWaitTimeout is returned when a caller waited the full timeout
// without being granted a token.
var ErrWaitTimeout = errors.New("ratelimit: wait timeout")

// Rate describes one resource class: Capacity tokens burst, one token
// minted every Refill.
type Rate struct {
	Capacity int
	Refill   time.Duration
}

// Config holds the limiter setup.
type Config struct {
	// Classes maps class name to its rate. Unregistered classes are
	// not limited.
	Classes map[string]Rate
	// WaitTimeout bounds how long Acquire blocks for a token.
	WaitTimeout time.Duration
	// IdleAfter is how long a per-id bucket may sit unused before
	// Prune removes it.
	IdleAfter time.Duration
}

// Limiter is the process-wide rate limiter. Buckets are created on
// demand per (class, id) and pruned when idle. Safe for concurrent
// use.
type Limiter struct {
	mu          sync.Mutex
	clk         clock.Clock
	classes     map[string]Rate
	waitTimeout time.Duration
	idleAfter   time.Duration
	buckets     map[bucketKey]*bucket
}

type bucketKey struct {
	class string
	id    string
}

type bucket struct {
	rate       Rate
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	waiters    []*tokenWaiter
	wakeArmed  bool
}

type tokenWaiter struct {
	ready   chan struct{}
	granted bool
}

// New builds a Limiter.
func New(clk clock.Clock, cfg Config) *Limiter {
	return &Limiter{
		clk:         clk,
		classes:     cfg.Classes,
		waitTimeout: cfg.WaitTimeout,
		idleAfter:   cfg.IdleAfter,
		buckets:     make(map[bucketKey]*bucket),
	}
}

// Acquire takes one token from the (class, id) bucket, blocking in
// FIFO order behind earlier callers when the bucket is empty. It
// returns ErrWaitTimeout after the configured wait, or ctx.Err() on
// cancellation. Unregistered classes are admitted immediately.
func (l *Limiter) Acquire(ctx context.Context, class, id string) error {
	rate, ok := l.classes[class]
	if !ok {
		return nil
	}
	now := l.clk.Now()

	l.mu.Lock()
	b := l.bucketLocked(class, id, rate, now)
	l.refillLocked(b, now)
	b.lastUsed = now
	if b.tokens >= 1 && len(b.waiters) == 0 {
		b.tokens--
		l.mu.Unlock()
		return nil
	}
	w := &tokenWaiter{ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	l.armWakeLocked(b)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		if l.settleWaiter(b, w) {
			return nil
		}
		return ctx.Err()
	case <-l.clk.After(l.waitTimeout):
		if l.settleWaiter(b, w) {
			return nil
		}
		return ErrWaitTimeout
	}
}

// settleWaiter resolves the race between a grant and a timeout or
// cancellation. It reports true when the waiter was granted a token
// before it could be removed; the caller keeps the token.
func (l *Limiter) settleWaiter(b *bucket, w *tokenWaiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return true
	}
	for i, queued := range b.waiters {
		if queued == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	return false
}

// Prune removes buckets that have no waiters and have been idle past
// the configured threshold. Returns the number removed.
func (l *Limiter) Prune() int {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if len(b.waiters) == 0 && now.Sub(b.lastUsed) > l.idleAfter {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// BucketCount returns the number of live buckets.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketLocked(class, id string, rate Rate, now time.Time) *bucket {
	key := bucketKey{class: class, id: id}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			rate:       rate,
			tokens:     float64(rate.Capacity),
			lastRefill: now,
			lastUsed:   now,
		}
		l.buckets[key] = b
	}
	return b
}

// refillLocked mints tokens for the time elapsed since the last
// refill: tokens = min(capacity, tokens + elapsed/refill).
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) / float64(b.rate.Refill)
	if limit := float64(b.rate.Capacity); b.tokens > limit {
		b.tokens = limit
	}
	b.lastRefill = now
}

// grantLocked hands tokens to waiters in FIFO order while both are
// available.
func (l *Limiter) grantLocked(b *bucket) {
	for len(b.waiters) > 0 && b.tokens >= 1 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.tokens--
		w.granted = true
		close(w.ready)
	}
}

// armWakeLocked schedules a wake-up at the next token's mint time. The
// wake goroutine grants queued waiters and re-arms itself while any
// remain, so at most one timer per bucket is in flight.
func (l *Limiter) armWakeLocked(b *bucket) {
	if b.wakeArmed || len(b.waiters) == 0 {
		return
	}
	b.wakeArmed = true
	wait := time.Duration((1 - b.tokens) * float64(b.rate.Refill))
	if wait < 0 {
		wait = 0
	}
	go func() {
		<-l.clk.After(wait)
		l.mu.Lock()
		b.wakeArmed = false
		l.refillLocked(b, l.clk.Now())
		l.grantLocked(b)
		l.armWakeLocked(b)
		l.mu.Unlock()
	}()
}
