package resilience_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/dundra/internal/resilience"
	"github.com/MrWong99/dundra/pkg/provider/llm"
	llmmock "github.com/MrWong99/dundra/pkg/provider/llm/mock"
)

func TestLLM_Complete(t *testing.T) {
	errDown := errors.New("503 service unavailable")

	tests := []struct {
		name        string
		primary     *llmmock.Provider
		fallback    *llmmock.Provider
		wantContent string
		wantErr     error
	}{
		{
			name:        "primary answers",
			primary:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}},
			fallback:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}},
			wantContent: "primary",
		},
		{
			name:        "fallback answers",
			primary:     &llmmock.Provider{CompleteErr: errDown},
			fallback:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}},
			wantContent: "fallback",
		},
		{
			name:     "both down",
			primary:  &llmmock.Provider{CompleteErr: errDown},
			fallback: &llmmock.Provider{CompleteErr: errDown},
			wantErr:  resilience.ErrAllFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := resilience.NewLLM("openai", tc.primary, resilience.BreakerConfig{})
			p.AddFallback("ollama", tc.fallback)

			req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "summarise"}}}
			resp, err := p.Complete(context.Background(), req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tc.wantContent {
				t.Errorf("content = %q, want %q", resp.Content, tc.wantContent)
			}
			if calls := tc.primary.Calls(); len(calls) != 1 || calls[0].Req.Messages[0].Content != "summarise" {
				t.Errorf("primary calls = %+v", calls)
			}
		})
	}
}

func TestLLM_CapabilitiesAndPing(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteErr:       errors.New("down"),
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000},
	}
	p := resilience.NewLLM("openai", primary, resilience.BreakerConfig{MaxFailures: 1})

	if got := p.Capabilities().ContextWindow; got != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", got)
	}
	if !slices.Equal(p.Providers(), []string{"openai"}) {
		t.Errorf("Providers = %v", p.Providers())
	}

	_, _ = p.Complete(context.Background(), llm.CompletionRequest{})
	if err := p.Ping(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Ping = %v, want ErrCircuitOpen", err)
	}
}
