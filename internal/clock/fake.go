package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Time moves only on
// Advance; waiters registered by After, Sleep, and NewTicker fire when
// the clock passes their deadline, in deadline order.
//
// Fake is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration // non-zero for tickers
	stopped  bool
}

// NewFake returns a Fake clock frozen at the given time.
func NewFake(initial time.Time) *Fake {
	f := &Fake{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot waiter. A non-positive duration fires
// immediately without registering.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// NewTicker registers a repeating waiter. Panics if d <= 0.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), ch: ch, interval: d}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep blocks the caller until the clock advances past the deadline.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time. Ticker sends that would overflow
// the 1-slot buffer are dropped, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		fire := f.takeExpired(target)
		if len(fire) == 0 {
			return
		}
		sort.Slice(fire, func(i, j int) bool {
			return fire[i].deadline.Before(fire[j].deadline)
		})
		for _, w := range fire {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes expired waiters, reschedules tickers, and
// returns the batch to fire.
func (f *Fake) takeExpired(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fire, keep []*waiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			fire = append(fire, w)
		} else {
			keep = append(keep, w)
		}
	}
	for _, w := range fire {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		}
	}
	f.waiters = keep
	return fire
}

// WaitForWaiters blocks until at least n waiters are registered. It
// closes the race between a goroutine calling After/Sleep and the test
// advancing the clock.
func (f *Fake) WaitForWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// Pending returns the number of live waiters.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
