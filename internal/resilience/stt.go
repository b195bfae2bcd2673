package resilience

import (
	"context"

	"github.com/MrWong99/dundra/pkg/provider/stt"
)

// STT is an [stt.Provider] that fails over across a [Group] of speech
// services. Only opening a stream is covered; once a session runs, faults are
// handled by the stream adapter's restart policy, which calls StartStream
// again and so gets failover on every restart.
type STT struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STT)(nil)

// NewSTT wraps primary in a breaker. Register fallbacks with [STT.AddFallback].
func NewSTT(primaryName string, primary stt.Provider, cfg BreakerConfig) *STT {
	return &STT{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback registers a service tried after the ones already added.
func (s *STT) AddFallback(name string, p stt.Provider) {
	s.group.Add(name, p)
}

// StartStream opens a session on the first healthy service.
func (s *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, s.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Ping fails only when every service's breaker is open.
func (s *STT) Ping(ctx context.Context) error {
	return s.group.Ping(ctx)
}

// Providers returns the service names in try order.
func (s *STT) Providers() []string {
	return s.group.Names()
}
