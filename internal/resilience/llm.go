package resilience

import (
	"context"

	"github.com/MrWong99/dundra/pkg/provider/llm"
)

// LLM is an [llm.Provider] that fails over across a [Group] of language
// models.
type LLM struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM wraps primary in a breaker. Register fallbacks with [LLM.AddFallback].
func NewLLM(primaryName string, primary llm.Provider, cfg BreakerConfig) *LLM {
	return &LLM{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback registers a model tried after the ones already added.
func (l *LLM) AddFallback(name string, p llm.Provider) {
	l.group.Add(name, p)
}

// Complete sends req to the first healthy model.
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, l.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary model's capabilities.
func (l *LLM) Capabilities() llm.ModelCapabilities {
	return l.group.Primary().Capabilities()
}

// Ping fails only when every model's breaker is open.
func (l *LLM) Ping(ctx context.Context) error {
	return l.group.Ping(ctx)
}

// Providers returns the model names in try order.
func (l *LLM) Providers() []string {
	return l.group.Names()
}
