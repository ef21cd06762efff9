package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/platform"
)

func newTestQueue(maxSize, maxAttempts int) (*Queue, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewQueue(fake, platform.Mattermost, maxSize, maxAttempts), fake
}

func msg(n int) platform.Outbound {
	return platform.Outbound{
		Target:      platform.Mattermost,
		TicketID:    "t1",
		RecipientID: "chan-1",
		SenderName:  "Alice",
		Content:     fmt.Sprintf("message %d", n),
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(10, 3)

	for i := 0; i < 3; i++ {
		q.Enqueue(msg(i))
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d", q.Len())
	}
	for i := 0; i < 3; i++ {
		it, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: empty", i)
		}
		if want := fmt.Sprintf("message %d", i); it.Msg.Content != want {
			t.Errorf("dequeue %d = %q, want %q", i, it.Msg.Content, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dequeue on empty queue succeeded")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	q, _ := newTestQueue(2, 3)

	q.Enqueue(msg(0))
	q.Enqueue(msg(1))
	if dropped := q.Enqueue(msg(2)); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}

	it, _ := q.Dequeue()
	if it.Msg.Content != "message 1" {
		t.Errorf("front = %q, oldest was not dropped", it.Msg.Content)
	}
	droppedTotal, _ := q.Stats()
	if droppedTotal != 1 {
		t.Errorf("stats dropped = %d", droppedTotal)
	}
}

func TestQueueNeverExceedsBound(t *testing.T) {
	q, _ := newTestQueue(5, 3)
	for i := 0; i < 50; i++ {
		q.Enqueue(msg(i))
		if q.Len() > 5 {
			t.Fatalf("len = %d exceeds bound after enqueue %d", q.Len(), i)
		}
	}
}

func TestRequeuePreservesOrder(t *testing.T) {
	q, _ := newTestQueue(10, 5)

	q.Enqueue(msg(0))
	q.Enqueue(msg(1))

	it, _ := q.Dequeue()
	if !q.Requeue(it) {
		t.Fatal("requeue discarded under the cap")
	}
	front, _ := q.Dequeue()
	if front.Msg.Content != "message 0" {
		t.Errorf("front after requeue = %q, FIFO broken", front.Msg.Content)
	}
	if front.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", front.Attempts)
	}
}

func TestAttemptCapDiscards(t *testing.T) {
	const maxAttempts = 3
	q, _ := newTestQueue(10, maxAttempts)

	q.Enqueue(msg(0))
	attempts := 0
	for {
		it, ok := q.Dequeue()
		if !ok {
			break
		}
		attempts++
		if attempts > maxAttempts {
			t.Fatalf("attempt %d past the cap", attempts)
		}
		q.Requeue(it)
	}
	if attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxAttempts)
	}
	if q.Len() != 0 {
		t.Errorf("len = %d after exhaustion", q.Len())
	}
	_, exhausted := q.Stats()
	if exhausted != 1 {
		t.Errorf("stats exhausted = %d", exhausted)
	}
}

func TestEnqueueStampsTime(t *testing.T) {
	q, fake := newTestQueue(10, 3)
	start := fake.Now()

	q.Enqueue(msg(0))
	fake.Advance(time.Minute)
	q.Enqueue(msg(1))

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	if !first.EnqueuedAt.Equal(start) {
		t.Errorf("first enqueued at %v", first.EnqueuedAt)
	}
	if !second.EnqueuedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("second enqueued at %v", second.EnqueuedAt)
	}
}
