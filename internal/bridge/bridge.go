// Package bridge is the relay engine: it routes messages between the
// origin and staff platforms, supervises both sessions, and owns the
// ticket-channel lifecycle. Per-message failures never escape as
// errors; callers receive a typed outcome instead.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/dedup"
	"github.com/deskbridge-io/deskbridge/internal/mediacache"
	"github.com/deskbridge-io/deskbridge/internal/metrics"
	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/retry"
	"github.com/deskbridge-io/deskbridge/internal/store"
	"github.com/deskbridge-io/deskbridge/internal/supervisor"
	"github.com/deskbridge-io/deskbridge/internal/webhook"
	"github.com/deskbridge-io/deskbridge/pkg/protocol"
)

// ErrValidation marks a forward that failed on missing data (unknown
// ticket, user, or channel). The message is dropped, not retried,
// since retrying cannot supply the missing data.
var ErrValidation = errors.New("bridge: validation failed")

// ErrDisabled is returned once both platforms failed to start and the
// bridge latched itself off. Calls fail fast instead of hanging.
var ErrDisabled = errors.New("bridge: disabled after startup failure")

// OriginClient is the origin-platform capability surface the bridge
// consumes.
type OriginClient interface {
	platform.Client
	SendText(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID string, media *platform.Media, caption string) error
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// StaffClient is the staff-platform capability surface the bridge
// consumes.
type StaffClient interface {
	platform.Client
	Post(ctx context.Context, channelID, message string, fileIDs []string) error
	PostViaWebhook(ctx context.Context, hookID, username, message string) error
	CreateChannel(ctx context.Context, teamID, name, displayName string) (string, error)
	MoveChannel(ctx context.Context, channelID, teamID string) error
	DeleteChannel(ctx context.Context, channelID string) error
	UploadFile(ctx context.Context, channelID, filename string, data []byte) (string, error)
}

// Config holds the relay tunables.
type Config struct {
	RetryQueueSize     int
	RetryMaxAttempts   int
	RetryDrainInterval time.Duration
	SendTimeout        time.Duration
	RestartCooldown    time.Duration
	EventQueueSize     int
	// AdaptiveDelayStep scales the pre-send delay after consecutive
	// failures on a platform; the delay is failures*step capped at
	// AdaptiveDelayMax.
	AdaptiveDelayStep time.Duration
	AdaptiveDelayMax  time.Duration

	// TeamID and TranscriptTeamID are the default parent containers
	// for live and archived ticket channels; a category may override
	// them.
	TeamID           string
	TranscriptTeamID string

	Supervisor supervisor.Config
}

// Deps are the collaborators the Manager is wired with.
type Deps struct {
	Clock   clock.Clock
	Store   store.Store
	Origin  OriginClient
	Staff   StaffClient
	Pool    *webhook.Pool
	Dedup   *dedup.Deduplicator
	Cache   *mediacache.Cache
	Metrics *metrics.Metrics
	// Events is the shared ingestion queue the platform clients push
	// onto. Nil makes the Manager allocate its own.
	Events chan platform.Event
}

// Manager orchestrates the bridge: two supervised platform sessions,
// one ingestion queue, two retry queues, and the ticket lifecycle.
type Manager struct {
	cfg Config

	clk    clock.Clock
	store  store.Store
	origin OriginClient
	staff  StaffClient
	pool   *webhook.Pool
	dedup  *dedup.Deduplicator
	cache  *mediacache.Cache
	met    *metrics.Metrics

	originSup *supervisor.Supervisor
	staffSup  *supervisor.Supervisor

	originQueue *retry.Queue
	staffQueue  *retry.Queue

	events    chan platform.Event
	drainKick chan struct{}

	mu             sync.Mutex
	running        bool
	disabled       bool
	startedAt      time.Time
	originFailures int
	staffFailures  int
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// New wires a Manager. Supervisors are created here so their state
// changes feed the retry drain and metrics.
func New(cfg Config, deps Deps) *Manager {
	events := deps.Events
	if events == nil {
		events = make(chan platform.Event, cfg.EventQueueSize)
	}
	m := &Manager{
		cfg:         cfg,
		clk:         deps.Clock,
		store:       deps.Store,
		origin:      deps.Origin,
		staff:       deps.Staff,
		pool:        deps.Pool,
		dedup:       deps.Dedup,
		cache:       deps.Cache,
		met:         deps.Metrics,
		originQueue: retry.NewQueue(deps.Clock, platform.Telegram, cfg.RetryQueueSize, cfg.RetryMaxAttempts),
		staffQueue:  retry.NewQueue(deps.Clock, platform.Mattermost, cfg.RetryQueueSize, cfg.RetryMaxAttempts),
		events:      events,
		drainKick:   make(chan struct{}, 1),
	}
	m.originSup = supervisor.New(deps.Origin, deps.Clock, cfg.Supervisor, m.onStateChange)
	m.staffSup = supervisor.New(deps.Staff, deps.Clock, cfg.Supervisor, m.onStateChange)
	return m
}

// Events returns the ingestion queue both platform clients push onto.
func (m *Manager) Events() chan<- platform.Event { return m.events }

// NotifyOriginFailure reports a dead origin session so reconnection
// starts immediately. Wired to the client's OnFailure callback.
func (m *Manager) NotifyOriginFailure(err error) { m.originSup.NotifyFailure(err) }

// NotifyStaffFailure reports a dead staff session.
func (m *Manager) NotifyStaffFailure(err error) { m.staffSup.NotifyFailure(err) }

// Start boots both platform sessions concurrently; one platform
// failing does not block the other. It succeeds when at least one
// platform came up. Both failing returns the aggregate error and
// latches the bridge disabled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return ErrDisabled
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	var originErr, staffErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		originErr = m.originSup.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		staffErr = m.staffSup.Start(ctx)
	}()
	wg.Wait()

	if originErr != nil && staffErr != nil {
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		return fmt.Errorf("bridge: both platforms failed to start: %w", errors.Join(originErr, staffErr))
	}
	if originErr != nil {
		slog.Error("origin platform failed to start, continuing with staff only", "error", originErr)
	}
	if staffErr != nil {
		slog.Error("staff platform failed to start, continuing with origin only", "error", staffErr)
	}

	m.mu.Lock()
	m.running = true
	m.startedAt = m.clk.Now()
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(2)
	go m.ingestLoop(stopCh)
	go m.drainLoop(stopCh)

	slog.Info("bridge started",
		"origin", m.originSup.Healthy(),
		"staff", m.staffSup.Healthy(),
	)
	return nil
}

// Stop halts the loops and tears both sessions down. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.originSup.Stop()
	m.staffSup.Stop()
	slog.Info("bridge stopped")
}

// Health reports per-platform reachability and uptime. Never errors.
func (m *Manager) Health() protocol.HealthStatus {
	m.mu.Lock()
	startedAt := m.startedAt
	disabled := m.disabled
	m.mu.Unlock()

	var uptime int64
	if !startedAt.IsZero() {
		uptime = int64(m.clk.Now().Sub(startedAt).Seconds())
	}
	return protocol.HealthStatus{
		Origin:        m.originSup.Healthy(),
		Staff:         m.staffSup.Healthy(),
		OriginState:   string(m.originSup.State()),
		StaffState:    string(m.staffSup.State()),
		UptimeSeconds: uptime,
		Disabled:      disabled,
	}
}

// Restart recycles both platform sessions.
func (m *Manager) Restart(ctx context.Context) error {
	return errors.Join(m.RestartOrigin(ctx), m.RestartStaff(ctx))
}

// RestartOrigin recycles the origin session. The cooldown lets the
// previous session fully release before a new one binds, avoiding
// platform-side session conflicts.
func (m *Manager) RestartOrigin(ctx context.Context) error {
	return m.restartPlatform(ctx, m.originSup)
}

// RestartStaff recycles the staff session.
func (m *Manager) RestartStaff(ctx context.Context) error {
	return m.restartPlatform(ctx, m.staffSup)
}

func (m *Manager) restartPlatform(ctx context.Context, sup *supervisor.Supervisor) error {
	sup.Stop()
	m.clk.Sleep(m.cfg.RestartCooldown)
	return sup.Start(ctx)
}

// onStateChange feeds supervisor transitions into the drain loop and
// the reconnect metrics.
func (m *Manager) onStateChange(name string, state supervisor.State) {
	switch state {
	case supervisor.StateConnected:
		m.resetFailures(name)
		select {
		case m.drainKick <- struct{}{}:
		default:
		}
	case supervisor.StateReconnecting:
		m.met.Reconnects.WithLabelValues(name).Inc()
	}
	slog.Debug("platform state changed", "platform", name, "state", state)
}

// drainLoop replays queued messages on a timer and whenever a platform
// recovers.
func (m *Manager) drainLoop(stopCh chan struct{}) {
	defer m.wg.Done()
	ticker := m.clk.NewTicker(m.cfg.RetryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		case <-m.drainKick:
		}
		m.drainQueues()
	}
}

func (m *Manager) drainQueues() {
	if m.staffSup.Healthy() {
		m.drain(m.staffQueue)
	}
	if m.originSup.Healthy() {
		m.drain(m.originQueue)
	}
	m.met.RetryDepth.WithLabelValues(platform.Mattermost).Set(float64(m.staffQueue.Len()))
	m.met.RetryDepth.WithLabelValues(platform.Telegram).Set(float64(m.originQueue.Len()))
}

// drain replays one queue in FIFO order. The first failed delivery
// stops the pass; the platform is likely still unhealthy and the item
// keeps its queue position.
func (m *Manager) drain(q *retry.Queue) {
	for {
		item, ok := q.Dequeue()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
		err := m.deliver(ctx, item.Msg)
		cancel()
		if err == nil {
			slog.Info("queued message delivered",
				"platform", item.Msg.Target,
				"ticket", item.Msg.TicketID,
				"attempts", item.Attempts,
			)
			continue
		}
		slog.Warn("retry delivery failed",
			"platform", item.Msg.Target,
			"ticket", item.Msg.TicketID,
			"error", err,
		)
		if !q.Requeue(item) {
			m.met.RetryDropped.WithLabelValues(item.Msg.Target, "attempts_exhausted").Inc()
		}
		return
	}
}

// queueFor returns the retry queue for a destination platform.
func (m *Manager) queueFor(target string) *retry.Queue {
	if target == platform.Mattermost {
		return m.staffQueue
	}
	return m.originQueue
}

func (m *Manager) enqueue(out platform.Outbound) {
	dropped := m.queueFor(out.Target).Enqueue(out)
	if dropped > 0 {
		m.met.RetryDropped.WithLabelValues(out.Target, "overflow").Add(float64(dropped))
	}
	m.met.RetryDepth.WithLabelValues(out.Target).Set(float64(m.queueFor(out.Target).Len()))
}

// failureDelay applies the adaptive pre-send delay after consecutive
// failures on a platform, then returns. Zero failures means no delay.
func (m *Manager) failureDelay(target string) {
	m.mu.Lock()
	failures := m.originFailures
	if target == platform.Mattermost {
		failures = m.staffFailures
	}
	m.mu.Unlock()
	if failures == 0 {
		return
	}
	delay := time.Duration(failures) * m.cfg.AdaptiveDelayStep
	if delay > m.cfg.AdaptiveDelayMax {
		delay = m.cfg.AdaptiveDelayMax
	}
	m.clk.Sleep(delay)
}

func (m *Manager) noteFailure(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == platform.Mattermost {
		m.staffFailures++
	} else {
		m.originFailures++
	}
}

func (m *Manager) resetFailures(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == platform.Mattermost {
		m.staffFailures = 0
	} else {
		m.originFailures = 0
	}
}

// Maintenance runs the periodic sweeps the scheduler drives: media
// cache TTL, webhook idle leases, dedup window, and gauge refresh.
func (m *Manager) Maintenance(ctx context.Context) {
	evicted, freed := m.cache.Sweep()
	if evicted > 0 {
		slog.Info("media cache swept", "evicted", evicted, "freed_bytes", freed)
		m.met.CacheEvictions.Add(float64(evicted))
	}
	if n := m.pool.Sweep(ctx); n > 0 {
		slog.Info("webhook leases swept", "evicted", n)
	}
	if n := m.dedup.Cleanup(); n > 0 {
		slog.Debug("dedup records expired", "removed", n)
	}
	m.met.CacheBytes.Set(float64(m.cache.TotalBytes()))
	m.met.WebhookLeases.Set(float64(m.pool.Len()))
	m.met.EventQueueLen.Set(float64(len(m.events)))
}

// QueueStats logs lifetime retry-queue counters, scheduled nightly.
func (m *Manager) QueueStats() {
	sd, se := m.staffQueue.Stats()
	od, oe := m.originQueue.Stats()
	slog.Info("retry queue stats",
		"staff_depth", m.staffQueue.Len(),
		"staff_dropped", sd,
		"staff_exhausted", se,
		"origin_depth", m.originQueue.Len(),
		"origin_dropped", od,
		"origin_exhausted", oe,
	)
}
