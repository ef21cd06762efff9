package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
)

type fakeEndpoints struct {
	mu      sync.Mutex
	created int
	deleted []string
	fail    bool
}

func (f *fakeEndpoints) CreateWebhook(_ context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("create failed")
	}
	f.created++
	return fmt.Sprintf("hook-%s-%d", channelID, f.created), nil
}

func (f *fakeEndpoints) DeleteWebhook(_ context.Context, hookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, hookID)
	return nil
}

func (f *fakeEndpoints) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeEndpoints, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := ratelimit.New(clk, ratelimit.Config{WaitTimeout: time.Second})
	eps := &fakeEndpoints{}
	if cfg.FailureLimit == 0 {
		cfg.FailureLimit = 3
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return New(eps, limiter, clk, cfg), eps, clk
}

func TestLeaseReused(t *testing.T) {
	pool, eps, _ := newTestPool(t, Config{})
	ctx := context.Background()

	first, err := pool.LeaseFor(ctx, "chan-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	second, err := pool.LeaseFor(ctx, "chan-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if first.HookID != second.HookID {
		t.Errorf("expected reuse, got %s then %s", first.HookID, second.HookID)
	}
	if eps.created != 1 {
		t.Errorf("created %d webhooks, want 1", eps.created)
	}
}

func TestOneLeasePerChannel(t *testing.T) {
	pool, _, _ := newTestPool(t, Config{})
	ctx := context.Background()

	a, _ := pool.LeaseFor(ctx, "chan-a")
	b, _ := pool.LeaseFor(ctx, "chan-b")
	if a.HookID == b.HookID {
		t.Error("channels must not share a lease")
	}
	if pool.Len() != 2 {
		t.Errorf("len = %d, want 2", pool.Len())
	}
}

func TestFailureCapDiscardsLease(t *testing.T) {
	pool, eps, _ := newTestPool(t, Config{FailureLimit: 2})
	ctx := context.Background()

	first, _ := pool.LeaseFor(ctx, "chan-1")
	pool.ReportFailure("chan-1")
	if pool.Len() != 1 {
		t.Fatal("one failure should not discard the lease")
	}
	pool.ReportFailure("chan-1")
	if pool.Len() != 0 {
		t.Fatal("lease should be discarded at the failure cap")
	}

	second, err := pool.LeaseFor(ctx, "chan-1")
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if second.HookID == first.HookID {
		t.Error("discarded lease must be re-created, not reused")
	}
	if eps.created != 2 {
		t.Errorf("created %d webhooks, want 2", eps.created)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	pool, _, _ := newTestPool(t, Config{FailureLimit: 2})
	ctx := context.Background()

	pool.LeaseFor(ctx, "chan-1")
	pool.ReportFailure("chan-1")
	pool.ReportSuccess("chan-1")
	pool.ReportFailure("chan-1")
	if pool.Len() != 1 {
		t.Error("counter should have reset on success")
	}
}

func TestSweepEvictsIdleLeases(t *testing.T) {
	pool, eps, clk := newTestPool(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	pool.LeaseFor(ctx, "idle-chan")
	clk.Advance(5 * time.Minute)
	pool.LeaseFor(ctx, "busy-chan")
	clk.Advance(6 * time.Minute) // idle-chan at 11m, busy-chan at 6m

	if n := pool.Sweep(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if pool.Len() != 1 {
		t.Errorf("len = %d, want 1", pool.Len())
	}
	if eps.deletedCount() != 1 {
		t.Errorf("platform webhook not released: deleted=%d", eps.deletedCount())
	}
}

func TestCreateFailurePropagates(t *testing.T) {
	pool, eps, _ := newTestPool(t, Config{})
	eps.fail = true
	if _, err := pool.LeaseFor(context.Background(), "chan-1"); err == nil {
		t.Error("expected error when webhook creation fails")
	}
	if pool.Len() != 0 {
		t.Error("failed creation must not leave a lease behind")
	}
}
