// Package breaker guards the runtime's external dependencies — the tool
// server, the model provider, the persistence store — behind per-key circuit
// breakers, and centralizes the retry/backoff policy so every dependency
// shares one classification of what is worth retrying.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit state of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when a breaker rejects a call without attempting it.
// Callers can distinguish "dependency unavailable" from "dependency erred"
// with errors.Is.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures a single breaker.
type Config struct {
	// Key identifies the dependency this breaker guards.
	Key string

	// FailureThreshold is the number of consecutive failures before
	// opening. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting one
	// trial request. Default: 60s.
	Cooldown time.Duration

	// FailureWindow bounds how long a failure streak stays live: a failure
	// older than the window no longer counts toward the threshold.
	// Default: 60s.
	FailureWindow time.Duration

	// OnStateChange is called when the circuit changes state.
	OnStateChange func(key string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	return c
}

// Breaker implements the circuit breaker state machine for one dependency.
//
// closed → open after FailureThreshold consecutive failures inside the
// window; open → half-open once the cooldown elapses; half-open admits
// exactly one trial call — success closes the circuit, failure reopens it
// with a fresh cooldown. There is no open → closed shortcut.
type Breaker struct {
	config Config

	mu            sync.RWMutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	lastUsed      time.Time
	trialInFlight bool
}

// New creates a breaker with the given config.
func New(config Config) *Breaker {
	return &Breaker{
		config:   config.withDefaults(),
		state:    StateClosed,
		lastUsed: time.Now(),
	}
}

// Allow reports whether a call may proceed right now. A half-open breaker
// admits a single trial; the caller that gets nil owns that trial and must
// report its outcome via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = time.Now()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.trialInFlight = true
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil

	default:
		return nil
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.transitionTo(StateClosed)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.config.FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openLocked(now)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.openLocked(now)
	}
}

// Execute runs fn behind the breaker, treating any error as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.transitionTo(StateOpen)
}

// transitionTo changes state. Caller holds b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	if newState == StateClosed {
		b.failures = 0
	}

	if b.config.OnStateChange != nil {
		// Asynchronous so a slow observer cannot block the hot path.
		go b.config.OnStateChange(b.config.Key, oldState, newState)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Key         string    `json:"key"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current statistics.
func (b *Breaker) Snapshot() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Key:         b.config.Key,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// Reset forces the breaker back to closed. Intended for tests and operator
// intervention, not the state machine itself.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
}

func (b *Breaker) idleSince() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUsed
}
