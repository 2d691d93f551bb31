// Package conn maintains the authoritative view of upstream
// reachability and drives the engine's event-driven behavior.
//
// A single mutex serializes every state mutation; observable events are
// delivered through a synchronous callback registry. Timers never fire
// while holding the lock, and callbacks are always invoked outside it so
// subscribers may call back into the supervisor.
package conn

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sidecache/sidecache/internal/metrics"
)

// State is the supervisor's connection state.
type State string

// States. Connecting is a transition, not a durable state, so it has no
// constant here.
const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
)

// ErrNotConnected is returned by Execute when upstream is unreachable.
var ErrNotConnected = errors.New("conn: upstream not connected")

// Prober is the minimal liveness check against upstream.
type Prober interface {
	Ping(ctx context.Context) error
}

// HealthRecorder receives best-effort health-log rows. A nil recorder
// disables the log.
type HealthRecorder interface {
	RecordHealth(ts int64, state string, latencyMs int64, errMsg string) error
}

// Hooks is the set of lifecycle callbacks a subscriber may register.
// Nil fields are skipped. Callbacks run synchronously on the goroutine
// that caused the transition.
type Hooks struct {
	StateChange        func(from, to State)
	Connected          func(latency time.Duration)
	Disconnected       func(err error)
	Reconnecting       func(attempt int, delay time.Duration)
	MaxAttemptsReached func()
}

// Config carries the probing and backoff parameters.
type Config struct {
	HealthCheckInterval  time.Duration // periodic probe while connected
	ProbeTimeout         time.Duration
	InitialBackoff       time.Duration
	BackoffMultiplier    float64
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns the default probing parameters.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:  30 * time.Second,
		ProbeTimeout:         5 * time.Second,
		InitialBackoff:       time.Second,
		BackoffMultiplier:    2,
		MaxBackoff:           60 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
}

// Supervisor is the connection state machine.
type Supervisor struct {
	probe  Prober
	cfg    Config
	log    *zap.Logger
	health HealthRecorder

	mu             sync.Mutex
	state          State
	attempts       int
	hooks          []Hooks
	reconnectTimer *time.Timer
	started        bool
	stopped        bool
	probing        bool
	maxEmitted     bool
	done           chan struct{}
}

// New creates a Supervisor in the Disconnected state. health may be nil.
func New(probe Prober, cfg Config, health HealthRecorder, log *zap.Logger) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		probe:  probe,
		cfg:    cfg,
		log:    log.Named("conn"),
		health: health,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
}

// Subscribe registers lifecycle callbacks. Must be called before Start
// to guarantee no transition is missed.
func (s *Supervisor) Subscribe(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// State returns a consistent snapshot of the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the current reconnect attempt counter.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Start schedules an immediate probe and arms the periodic probe timer.
// Idempotent.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.probeOnce()

	go func() {
		t := time.NewTicker(s.cfg.HealthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-t.C:
				// Reconnecting probes come from the backoff timer;
				// the periodic timer only watches a live connection.
				if s.State() == StateConnected {
					s.probeOnce()
				}
			}
		}
	}()
}

// Stop cancels all timers and parks the supervisor in Offline.
// Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	prev := s.state
	s.state = StateOffline
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	close(s.done)
	hooks := s.snapshotHooksLocked()
	s.mu.Unlock()

	metrics.SetConnectionState(string(StateOffline))
	if prev != StateOffline {
		emitStateChange(hooks, prev, StateOffline)
	}
	s.log.Info("supervisor stopped")
}

// RecordFailure reports an upstream failure observed outside the probe
// path (typically from Execute). Only a Connected supervisor reacts:
// it transitions to Reconnecting and arms the backoff timer.
func (s *Supervisor) RecordFailure(err error) {
	s.mu.Lock()
	if s.stopped || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.beginReconnectLocked(err)
}

// Execute runs op if and only if the state is Connected. The check is
// made under the state lock so op is never dispatched into a state that
// has already decided to reconnect. A failing op reports the failure
// and returns the original error.
func (s *Supervisor) Execute(ctx context.Context, op func(context.Context) error) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	if err := op(ctx); err != nil {
		s.RecordFailure(err)
		return err
	}
	return nil
}

// ─── Probing ─────────────────────────────────────────────────────────────────

func (s *Supervisor) probeOnce() {
	s.mu.Lock()
	if s.stopped || s.state == StateOffline || s.probing {
		s.mu.Unlock()
		return
	}
	s.probing = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	start := time.Now()
	err := s.probe.Ping(ctx)
	cancel()
	latency := time.Since(start)

	s.mu.Lock()
	s.probing = false
	s.mu.Unlock()

	if err != nil {
		s.onProbeFailure(err)
		return
	}
	s.onProbeSuccess(latency)
}

func (s *Supervisor) onProbeSuccess(latency time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateConnected
	s.attempts = 0
	s.maxEmitted = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	hooks := s.snapshotHooksLocked()
	s.mu.Unlock()

	metrics.SetConnectionState(string(StateConnected))
	s.recordHealth(StateConnected, latency.Milliseconds(), "")

	if prev != StateConnected {
		s.log.Info("upstream connected", zap.Duration("latency", latency), zap.String("from", string(prev)))
		emitStateChange(hooks, prev, StateConnected)
		for _, h := range hooks {
			if h.Connected != nil {
				h.Connected(latency)
			}
		}
	}
}

func (s *Supervisor) onProbeFailure(err error) {
	s.mu.Lock()
	if s.stopped || s.state == StateOffline {
		s.mu.Unlock()
		return
	}

	switch s.state {
	case StateConnected, StateDisconnected:
		s.beginReconnectLocked(err)
	case StateReconnecting:
		s.attempts++
		metrics.ReconnectAttempts.Inc()
		if s.attempts >= s.cfg.MaxReconnectAttempts {
			s.goOfflineLocked(err)
			return
		}
		delay := s.backoffDelay(s.attempts)
		attempt := s.attempts
		s.armReconnectLocked(delay)
		hooks := s.snapshotHooksLocked()
		s.mu.Unlock()

		s.recordHealth(StateReconnecting, 0, err.Error())
		s.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Duration("next_delay", delay), zap.Error(err))
		for _, h := range hooks {
			if h.Reconnecting != nil {
				h.Reconnecting(attempt, delay)
			}
		}
	}
}

// beginReconnectLocked transitions into Reconnecting. Called with mu
// held; releases it.
func (s *Supervisor) beginReconnectLocked(cause error) {
	prev := s.state
	s.state = StateReconnecting
	s.attempts = 0
	delay := s.backoffDelay(0)
	s.armReconnectLocked(delay)
	hooks := s.snapshotHooksLocked()
	s.mu.Unlock()

	metrics.SetConnectionState(string(StateReconnecting))
	s.recordHealth(StateReconnecting, 0, cause.Error())
	s.log.Warn("upstream lost", zap.String("from", string(prev)), zap.Error(cause))

	emitStateChange(hooks, prev, StateReconnecting)
	for _, h := range hooks {
		if h.Disconnected != nil {
			h.Disconnected(cause)
		}
	}
	for _, h := range hooks {
		if h.Reconnecting != nil {
			h.Reconnecting(0, delay)
		}
	}
}

// goOfflineLocked parks the machine in Offline after exhausting
// reconnect attempts. Called with mu held; releases it.
func (s *Supervisor) goOfflineLocked(cause error) {
	prev := s.state
	s.state = StateOffline
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	emitMax := !s.maxEmitted
	s.maxEmitted = true
	hooks := s.snapshotHooksLocked()
	s.mu.Unlock()

	metrics.SetConnectionState(string(StateOffline))
	s.recordHealth(StateOffline, 0, cause.Error())
	s.log.Error("reconnect attempts exhausted", zap.Int("attempts", s.cfg.MaxReconnectAttempts), zap.Error(cause))

	emitStateChange(hooks, prev, StateOffline)
	if emitMax {
		for _, h := range hooks {
			if h.MaxAttemptsReached != nil {
				h.MaxAttemptsReached()
			}
		}
	}
}

func (s *Supervisor) armReconnectLocked(delay time.Duration) {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, s.probeOnce)
}

// backoffDelay computes min(initial × multiplier^n, max) for the
// 0-based attempt counter n.
func (s *Supervisor) backoffDelay(n int) time.Duration {
	d := float64(s.cfg.InitialBackoff) * math.Pow(s.cfg.BackoffMultiplier, float64(n))
	if d > float64(s.cfg.MaxBackoff) {
		return s.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// ─── Event plumbing ──────────────────────────────────────────────────────────

func (s *Supervisor) snapshotHooksLocked() []Hooks {
	out := make([]Hooks, len(s.hooks))
	copy(out, s.hooks)
	return out
}

func emitStateChange(hooks []Hooks, from, to State) {
	for _, h := range hooks {
		if h.StateChange != nil {
			h.StateChange(from, to)
		}
	}
}

func (s *Supervisor) recordHealth(state State, latencyMs int64, errMsg string) {
	if s.health == nil {
		return
	}
	if err := s.health.RecordHealth(time.Now().UnixMilli(), string(state), latencyMs, errMsg); err != nil {
		s.log.Debug("health log write failed", zap.Error(err))
	}
}
