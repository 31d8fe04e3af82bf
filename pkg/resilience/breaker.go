// Package resilience provides a circuit breaker for outbound alert channels.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// States
// =============================================================================

// State represents the circuit breaker state.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a limited number of probe calls.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// =============================================================================
// Configuration
// =============================================================================

// BreakerConfig configures a breaker for one alert channel.
type BreakerConfig struct {
	// Channel names the guarded channel (webhook, slack, email, kafka).
	Channel string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int

	// CoolDown is how long the circuit stays open before probing.
	CoolDown time.Duration

	// HalfOpenProbes is how many successful probes close the circuit again.
	HalfOpenProbes int

	// OnStateChange is called after each transition with the breaker lock
	// held; it must not call back into the breaker.
	OnStateChange func(channel string, from, to State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultBreakerConfig returns settings suited to webhook-style notification endpoints.
func DefaultBreakerConfig(channel string) BreakerConfig {
	return BreakerConfig{
		Channel:        channel,
		MaxFailures:    5,
		CoolDown:       time.Minute,
		HalfOpenProbes: 1,
	}
}

// =============================================================================
// Breaker
// =============================================================================

// Breaker stops hammering an alert channel that keeps failing.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	inFlight    int
	openedAt    time.Time
	rejected    int64
	lastFailure error
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = time.Minute
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the circuit is open. Context cancellation is reported
// but does not count as a channel failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	b.record(err, ctx.Err() != nil && err != nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.CoolDown {
			b.rejected++
			return &OpenError{Channel: b.cfg.Channel, RetryAt: b.openedAt.Add(b.cfg.CoolDown), Cause: b.lastFailure}
		}
		b.transition(StateHalfOpen)
		b.probes = 0
		b.inFlight = 1
		return nil

	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenProbes {
			b.rejected++
			return &OpenError{Channel: b.cfg.Channel, RetryAt: b.cfg.Now().Add(time.Second), Cause: b.lastFailure}
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) record(err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	switch {
	case err == nil:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.probes++
			if b.probes >= b.cfg.HalfOpenProbes {
				b.transition(StateClosed)
			}
		}

	case cancelled:
		// caller gave up; says nothing about the channel

	default:
		b.lastFailure = err
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.cfg.Now()
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
		b.probes = 0
		b.inFlight = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Channel, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns counters for the ops endpoint.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{
		Channel:  b.cfg.Channel,
		State:    b.state.String(),
		Failures: b.failures,
		Rejected: b.rejected,
	}
	if b.lastFailure != nil {
		s.LastFailure = b.lastFailure.Error()
	}
	return s
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Channel     string `json:"channel"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	Rejected    int64  `json:"rejected"`
	LastFailure string `json:"lastFailure,omitempty"`
}

// =============================================================================
// Errors
// =============================================================================

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	Channel string
	RetryAt time.Time
	Cause   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("alert channel %q circuit open until %s", e.Channel, e.RetryAt.Format(time.RFC3339))
}

// Unwrap exposes the failure that opened the circuit.
func (e *OpenError) Unwrap() error { return e.Cause }

// IsOpen checks if err is or wraps an OpenError.
func IsOpen(err error) bool {
	var target *OpenError
	return errors.As(err, &target)
}

// =============================================================================
// Registry
// =============================================================================

// Registry keeps one breaker per alert channel.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	template BreakerConfig
}

// NewRegistry creates a registry whose breakers copy template's settings.
func NewRegistry(template BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for channel, creating it on first use.
func (r *Registry) Get(channel string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[channel]; ok {
		return b
	}
	cfg := r.template
	cfg.Channel = channel
	b := NewBreaker(cfg)
	r.breakers[channel] = b
	return b
}

// Snapshots returns a snapshot of every registered breaker.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
