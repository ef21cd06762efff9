// Package supervisor keeps one platform session alive: it owns the
// connect/disconnect lifecycle, probes liveness on a heartbeat, and
// reconnects with jittered exponential backoff when the session drops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/platform"
)

// State is the connection state machine position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config holds the supervision knobs for one platform.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatFailLimit int
	PingTimeout        time.Duration
	ConnectTimeout     time.Duration
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Factor             float64
	MaxAttempts        int
	// ConflictCooldown replaces the backoff delay after a session
	// conflict; the platform needs the old session to lapse before a
	// new one can bind.
	ConflictCooldown time.Duration
	// StartTimeout bounds how long a second Start call waits for an
	// in-flight one.
	StartTimeout time.Duration
}

// StateChange notifies the bridge that a platform changed state, e.g.
// to trigger a retry-queue drain on recovery.
type StateChange func(name string, state State)

// Supervisor drives one platform.Client through the state machine
// disconnected -> connecting -> connected, falling to reconnecting on
// detected failure. After MaxAttempts consecutive failures it settles
// in disconnected and stays there until an explicit new Start.
type Supervisor struct {
	client   platform.Client
	clk      clock.Clock
	cfg      Config
	onChange StateChange

	mu       sync.Mutex
	state    State
	lastErr  error
	attempts int
	running  bool
	inFlight chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
	kick   chan struct{}
}

// New builds a Supervisor for the given client. onChange may be nil.
func New(client platform.Client, clk clock.Clock, cfg Config, onChange StateChange) *Supervisor {
	return &Supervisor{
		client:   client,
		clk:      clk,
		cfg:      cfg,
		onChange: onChange,
		state:    StateDisconnected,
	}
}

// Start connects the platform and launches the supervision loop. The
// first connect happens synchronously so the caller learns whether the
// platform came up. A Start racing an in-flight Start awaits that
// attempt's outcome instead of opening a second session; a Start on a
// running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight != nil {
		wait := s.inFlight
		s.mu.Unlock()
		return s.awaitStart(ctx, wait)
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	inFlight := make(chan struct{})
	s.inFlight = inFlight
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := s.client.Connect(cctx)
	cancel()

	s.mu.Lock()
	s.inFlight = nil
	close(inFlight)
	if err != nil {
		s.lastErr = err
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		return fmt.Errorf("supervisor %s: connect: %w", s.client.Name(), err)
	}
	s.lastErr = nil
	s.attempts = 0
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.kick = make(chan struct{}, 1)
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	slog.Info("platform connected", "platform", s.client.Name())
	go s.run()
	return nil
}

// awaitStart adopts the outcome of a start attempt another caller is
// already running.
func (s *Supervisor) awaitStart(ctx context.Context, wait chan struct{}) error {
	select {
	case <-wait:
		if s.State() == StateConnected {
			return nil
		}
		if err := s.LastError(); err != nil {
			return fmt.Errorf("supervisor %s: concurrent start failed: %w", s.client.Name(), err)
		}
		return fmt.Errorf("supervisor %s: concurrent start did not connect", s.client.Name())
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clk.After(s.cfg.StartTimeout):
		return fmt.Errorf("supervisor %s: start already in progress", s.client.Name())
	}
}

// Stop halts supervision and tears the session down. It waits for the
// loop to exit so a following Start never races a live session.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.client.Disconnect()
	s.setState(StateDisconnected)
	slog.Info("platform supervision stopped", "platform", s.client.Name())
}

// NotifyFailure tells the supervisor the session is known dead (e.g.
// the client's event loop saw the socket close) so reconnection starts
// without waiting for the next heartbeat.
func (s *Supervisor) NotifyFailure(err error) {
	s.mu.Lock()
	s.lastErr = err
	kick := s.kick
	s.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the session is connected.
func (s *Supervisor) Healthy() bool { return s.State() == StateConnected }

// LastError returns the most recent connection failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Attempts returns the consecutive reconnect-failure count.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// run is the supervision loop: heartbeat probes while connected,
// reconnection when the session drops. Exits on Stop or when
// reconnection gives up.
func (s *Supervisor) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	ticker := s.clk.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	hbFails := 0

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			slog.Warn("platform reported session failure",
				"platform", s.client.Name(), "error", s.LastError())
			if !s.reconnect() {
				return
			}
			hbFails = 0
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingTimeout)
			err := s.client.Ping(pctx)
			cancel()
			if err == nil {
				hbFails = 0
				continue
			}
			hbFails++
			slog.Warn("heartbeat failed",
				"platform", s.client.Name(),
				"consecutive", hbFails,
				"limit", s.cfg.HeartbeatFailLimit,
				"error", err,
			)
			if hbFails >= s.cfg.HeartbeatFailLimit {
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				if !s.reconnect() {
					return
				}
				hbFails = 0
			}
		}
	}
}

// reconnect walks the backoff curve until the session is back or the
// attempt budget is spent. Returns false when supervision should end.
func (s *Supervisor) reconnect() bool {
	s.setState(StateReconnecting)
	s.client.Disconnect()

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		conflict := errors.Is(s.LastError(), platform.ErrSessionConflict)
		delay := s.delayFor(attempt, conflict)
		slog.Info("reconnect scheduled",
			"platform", s.client.Name(),
			"attempt", attempt+1,
			"max_attempts", s.cfg.MaxAttempts,
			"delay", delay,
			"session_conflict", conflict,
		)

		select {
		case <-s.stopCh:
			return false
		case <-s.clk.After(delay):
		}

		if conflict {
			cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
			if err := s.client.CleanupSessions(cctx); err != nil {
				slog.Warn("session cleanup failed",
					"platform", s.client.Name(), "error", err)
			}
			cancel()
		}

		s.setState(StateConnecting)
		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		err := s.client.Connect(cctx)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.lastErr = nil
			s.attempts = 0
			s.setStateLocked(StateConnected)
			s.mu.Unlock()
			slog.Info("platform reconnected",
				"platform", s.client.Name(), "attempts_used", attempt+1)
			// Drop any stale failure kick from before the reconnect.
			select {
			case <-s.kick:
			default:
			}
			return true
		}

		s.mu.Lock()
		s.lastErr = err
		s.attempts = attempt + 1
		s.setStateLocked(StateReconnecting)
		s.mu.Unlock()
		slog.Error("reconnect attempt failed",
			"platform", s.client.Name(),
			"attempt", attempt+1,
			"error", err,
		)
	}

	s.setState(StateDisconnected)
	slog.Error("reconnect attempts exhausted, supervision halted",
		"platform", s.client.Name(),
		"attempts", s.cfg.MaxAttempts,
		"error", s.LastError(),
	)
	return false
}

// delayFor computes the wait before a reconnect attempt. Session
// conflicts take the fixed cooldown; everything else follows the
// jittered exponential curve.
func (s *Supervisor) delayFor(attempt int, conflict bool) time.Duration {
	if conflict {
		return s.cfg.ConflictCooldown
	}
	return jitter(backoff(s.cfg.InitialDelay, s.cfg.MaxDelay, s.cfg.Factor, attempt))
}

// backoff is the theoretical curve min(maxDelay, initial*factor^n).
func backoff(initial, ceiling time.Duration, factor float64, attempt int) time.Duration {
	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt)))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// jitter spreads a delay by +-20% so reconnecting clients do not storm
// the platform in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.setStateLocked(state)
	s.mu.Unlock()
}

// setStateLocked updates state and schedules the change callback. The
// callback runs outside the lock so it may call back into State().
func (s *Supervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onChange != nil {
		go s.onChange(s.client.Name(), state)
	}
}
