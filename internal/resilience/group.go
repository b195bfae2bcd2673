package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Group] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// entry pairs a provider with its breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds a primary provider and its fallbacks. Entries are tried in
// registration order; each one sits behind its own [Breaker] built from the
// group's [BreakerConfig].
type Group[T any] struct {
	cfg     BreakerConfig
	entries []entry[T]
}

// NewGroup creates a [Group] with primary as its first entry. cfg.Name is
// ignored; each breaker is named after its entry.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. Add is not safe to call concurrently with [Do].
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Primary returns the first entry.
func (g *Group[T]) Primary() T {
	return g.entries[0].value
}

// Names returns the entry names in try order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// States reports the breaker state of every entry by name.
func (g *Group[T]) States() map[string]State {
	states := make(map[string]State, len(g.entries))
	for _, e := range g.entries {
		states[e.name] = e.breaker.State()
	}
	return states
}

// Ping reports an error wrapping [ErrCircuitOpen] when every entry's breaker
// is open, so readiness checks can flag a provider outage.
func (g *Group[T]) Ping(context.Context) error {
	for _, e := range g.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("resilience: %v: %w", g.Names(), ErrCircuitOpen)
}

// Do calls fn against each entry until one succeeds. It stops early when ctx
// ends. When every entry fails the returned error wraps [ErrAllFailed] and
// the last provider error.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i, e := range g.entries {
		var result R
		err := e.breaker.Do(ctx, func() error {
			var callErr error
			result, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Debug("served by fallback provider", "provider", e.name)
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", e.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
