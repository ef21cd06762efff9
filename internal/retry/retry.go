// Package retry buffers outbound messages that could not be delivered
// to a platform. One bounded FIFO queue exists per platform; the
// bridge drains it when the platform reports healthy again.
package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/platform"
)

// Item is one undeliverable message with its retry bookkeeping.
type Item struct {
	Msg        platform.Outbound
	Attempts   int
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of outbound messages for one destination
// platform. On overflow the oldest message is dropped; a message is
// permanently discarded once its attempts reach the cap. Safe for
// concurrent use.
type Queue struct {
	mu          sync.Mutex
	clk         clock.Clock
	platform    string
	maxSize     int
	maxAttempts int
	items       []*Item

	dropped   int
	exhausted int
}

// NewQueue builds a Queue for the named destination platform.
func NewQueue(clk clock.Clock, platformName string, maxSize, maxAttempts int) *Queue {
	return &Queue{
		clk:         clk,
		platform:    platformName,
		maxSize:     maxSize,
		maxAttempts: maxAttempts,
	}
}

// Enqueue appends a message, dropping the oldest entry first when the
// queue is full. Returns the number of messages dropped to make room.
func (q *Queue) Enqueue(msg platform.Outbound) int {
	now := q.clk.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for len(q.items) >= q.maxSize {
		oldest := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		dropped++
		slog.Warn("retry queue full, dropped oldest message",
			"platform", q.platform,
			"ticket", oldest.Msg.TicketID,
			"queued_for", now.Sub(oldest.EnqueuedAt),
		)
	}
	q.items = append(q.items, &Item{Msg: msg, EnqueuedAt: now})
	return dropped
}

// Dequeue removes and returns the oldest item. The caller attempts
// delivery and either drops the item on success or hands it back with
// Requeue.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// Requeue records a failed delivery attempt and puts the item back at
// the front so per-platform FIFO order is preserved. Returns false
// when the attempt cap is reached and the item is discarded for good.
func (q *Queue) Requeue(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it.Attempts++
	if it.Attempts >= q.maxAttempts {
		q.exhausted++
		slog.Warn("retry attempts exhausted, discarding message",
			"platform", q.platform,
			"ticket", it.Msg.TicketID,
			"attempts", it.Attempts,
		)
		return false
	}
	q.items = append([]*Item{it}, q.items...)
	return true
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns lifetime counters: messages dropped on overflow and
// messages discarded at the attempt cap.
func (q *Queue) Stats() (dropped, exhausted int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped, q.exhausted
}
