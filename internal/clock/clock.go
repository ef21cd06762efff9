// Package clock abstracts time so rate limiting, caching, and
// reconnect backoff can be tested deterministically. Production code
// injects Real(); tests inject a Fake and drive it with Advance.
package clock

import "time"

// Clock is the time source used by every component that reads the
// current time, sleeps, or ticks.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. A non-positive duration fires
	// immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker behaves like time.NewTicker. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
	Sleep(d time.Duration)
}

// Ticker delivers ticks on C. Stop releases it; Stop does not close C.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
