// Package webhook pools per-channel delivery endpoints on the staff
// platform. Creating an incoming webhook is an expensive, rate-limited
// call, so each channel keeps one lease that is reused until it fails
// too often or sits idle past the timeout.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
)

// Endpoints is the slice of the staff client the pool consumes.
type Endpoints interface {
	CreateWebhook(ctx context.Context, channelID string) (string, error)
	DeleteWebhook(ctx context.Context, hookID string) error
}

// Config holds the pool's eviction policy.
type Config struct {
	// FailureLimit discards a lease after this many consecutive send
	// failures.
	FailureLimit int
	// IdleTimeout discards a lease unused for this long.
	IdleTimeout time.Duration
}

// Lease is one channel's live delivery endpoint.
type Lease struct {
	ChannelID string
	HookID    string

	lastUsed time.Time
	failures int
}

// Pool caches webhook leases per channel. Safe for concurrent use.
type Pool struct {
	endpoints Endpoints
	limiter   *ratelimit.Limiter
	clk       clock.Clock
	cfg       Config

	mu     sync.Mutex
	leases map[string]*Lease
}

// New builds a Pool.
func New(endpoints Endpoints, limiter *ratelimit.Limiter, clk clock.Clock, cfg Config) *Pool {
	return &Pool{
		endpoints: endpoints,
		limiter:   limiter,
		clk:       clk,
		cfg:       cfg,
		leases:    make(map[string]*Lease),
	}
}

// LeaseFor returns the channel's live lease, creating the platform
// webhook when none exists. Creation is gated by the webhook token
// class.
func (p *Pool) LeaseFor(ctx context.Context, channelID string) (*Lease, error) {
	now := p.clk.Now()

	p.mu.Lock()
	if lease, ok := p.leases[channelID]; ok {
		lease.lastUsed = now
		p.mu.Unlock()
		return lease, nil
	}
	p.mu.Unlock()

	if err := p.limiter.Acquire(ctx, ratelimit.ClassWebhook, channelID); err != nil {
		return nil, fmt.Errorf("webhook pool: %w", err)
	}
	hookID, err := p.endpoints.CreateWebhook(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("webhook pool: create for channel %s: %w", channelID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have raced the creation; keep theirs and
	// release ours.
	if existing, ok := p.leases[channelID]; ok {
		go p.release(hookID)
		existing.lastUsed = now
		return existing, nil
	}
	lease := &Lease{ChannelID: channelID, HookID: hookID, lastUsed: now}
	p.leases[channelID] = lease
	slog.Info("webhook lease created", "channel", channelID, "hook", hookID)
	return lease, nil
}

// ReportSuccess resets the lease's failure counter.
func (p *Pool) ReportSuccess(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease, ok := p.leases[channelID]; ok {
		lease.failures = 0
		lease.lastUsed = p.clk.Now()
	}
}

// ReportFailure bumps the lease's failure counter and discards the
// lease once it crosses the cap, forcing re-creation on next use.
func (p *Pool) ReportFailure(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.leases[channelID]
	if !ok {
		return
	}
	lease.failures++
	if lease.failures >= p.cfg.FailureLimit {
		delete(p.leases, channelID)
		slog.Warn("webhook lease discarded after repeated failures",
			"channel", channelID, "hook", lease.HookID, "failures", lease.failures)
		go p.release(lease.HookID)
	}
}

// Drop removes a channel's lease and releases the platform webhook,
// used when the channel itself goes away.
func (p *Pool) Drop(channelID string) {
	p.mu.Lock()
	lease, ok := p.leases[channelID]
	delete(p.leases, channelID)
	p.mu.Unlock()
	if ok {
		p.release(lease.HookID)
	}
}

// Sweep evicts idle leases and releases their platform webhooks.
// Called by the maintenance scheduler.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.clk.Now()

	p.mu.Lock()
	var expired []*Lease
	for channelID, lease := range p.leases {
		if now.Sub(lease.lastUsed) > p.cfg.IdleTimeout {
			delete(p.leases, channelID)
			expired = append(expired, lease)
		}
	}
	p.mu.Unlock()

	for _, lease := range expired {
		slog.Info("webhook lease expired idle", "channel", lease.ChannelID, "hook", lease.HookID)
		if err := p.endpoints.DeleteWebhook(ctx, lease.HookID); err != nil {
			slog.Warn("webhook release failed", "hook", lease.HookID, "error", err)
		}
	}
	return len(expired)
}

// Len returns the number of live leases.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

func (p *Pool) release(hookID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.endpoints.DeleteWebhook(ctx, hookID); err != nil {
		slog.Warn("webhook release failed", "hook", hookID, "error", err)
	}
}
