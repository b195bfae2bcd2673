// Package resilience keeps the transcription pipeline running when a speech or
// language-model provider misbehaves.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops calling a provider after repeated failures and tries it again after a
// cool-down. [Group] orders a primary provider and its fallbacks, each behind
// its own breaker, and [LLM] and [STT] expose a group as a regular provider so
// the rest of the application never knows failover happened.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. A failed
	// trial re-opens the breaker; enough successful trials close it.
	StateHalfOpen
)

// String returns the lowercase name of the state.
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

// BreakerConfig tunes a [Breaker]. Zero values select the defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern around provider calls.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	trials         int
	trialSuccesses int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Name returns the label the breaker was created with.
func (b *Breaker) Name() string { return b.name }

// Do runs fn when the breaker admits the call and records its outcome. It
// returns [ErrCircuitOpen] without calling fn while the breaker is open or the
// half-open trial budget is spent. Errors caused by ctx ending are returned
// but not counted against the provider.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(trial)
		return err
	}
	b.record(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, changed = b.transition(StateHalfOpen)
	case StateHalfOpen:
		if b.trials >= b.halfOpenMax {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	trial = b.state == StateHalfOpen
	if trial {
		b.trials++
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return trial, nil
}

// release returns an unused trial slot.
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
	b.mu.Unlock()
}

// record updates the counters after a call and applies any transition.
func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	var (
		from    State
		to      State
		changed bool
	)
	switch {
	case err != nil && trial:
		from, changed = b.transition(StateOpen)
		to = StateOpen
	case err != nil:
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			from, changed = b.transition(StateOpen)
			to = StateOpen
		}
	case trial:
		b.trialSuccesses++
		if b.state == StateHalfOpen && b.trialSuccesses >= b.halfOpenMax {
			from, changed = b.transition(StateClosed)
			to = StateClosed
		}
	default:
		b.failures = 0
	}
	failures := b.failures
	b.mu.Unlock()

	if !changed {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.name, "from", from.String(), "consecutive_failures", failures, "err", err)
	case StateClosed:
		slog.Info("circuit breaker closed after successful trials", "name", b.name)
	}
	b.notify(from, to)
}

// transition moves to state and resets the counters that belong to it. Must be
// called with b.mu held.
func (b *Breaker) transition(to State) (from State, changed bool) {
	from = b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.trials = 0
	b.trialSuccesses = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}
	return from, true
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, changed := b.transition(StateClosed)
	b.failures = 0
	b.mu.Unlock()
	if changed {
		slog.Info("circuit breaker manually reset", "name", b.name)
		b.notify(from, StateClosed)
	}
}
