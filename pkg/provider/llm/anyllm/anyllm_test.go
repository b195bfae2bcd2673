package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/dundra/pkg/provider/llm"
)

// ── buildParams ──────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptAndMessages checks message ordering and roles.
func TestBuildParams_SystemPromptAndMessages(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You analyse tabletop sessions.",
		Messages:     []llm.Message{{Role: "user", Content: "Alice: I open the door"}},
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("expected model to be forwarded, got %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].ContentString() != "Alice: I open the door" {
		t.Errorf("unexpected user content %q", params.Messages[1].ContentString())
	}
	if params.Temperature != nil {
		t.Error("expected nil temperature when zero")
	}
	if params.MaxTokens != nil {
		t.Error("expected nil max tokens when zero")
	}
}

// TestBuildParams_JSONOutput checks that the JSON instruction joins the system prompt.
func TestBuildParams_JSONOutput(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be terse.",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
		Temperature:  0.1,
		MaxTokens:    2000,
		JSONOutput:   true,
	})

	sys := params.Messages[0].ContentString()
	if !strings.HasPrefix(sys, "Be terse.") || !strings.Contains(sys, jsonOnlyInstruction) {
		t.Errorf("unexpected system prompt %q", sys)
	}
	if params.Temperature == nil || *params.Temperature != 0.1 {
		t.Errorf("expected temperature 0.1, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 2000 {
		t.Errorf("expected max tokens 2000, got %v", params.MaxTokens)
	}
}

// TestBuildParams_JSONOutputWithoutSystemPrompt checks the instruction alone becomes the system prompt.
func TestBuildParams_JSONOutputWithoutSystemPrompt(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
		JSONOutput: true,
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].ContentString() != jsonOnlyInstruction {
		t.Errorf("unexpected system prompt %q", params.Messages[0].ContentString())
	}
}

// ── modelCapabilities ────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantOutput int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4O", 128_000, 16_384},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"my-local-model", 128_000, 4_096},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("expected context window %d, got %d", tc.wantWindow, caps.ContextWindow)
			}
			if caps.MaxOutputTokens != tc.wantOutput {
				t.Errorf("expected max output %d, got %d", tc.wantOutput, caps.MaxOutputTokens)
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_Anthropic_WithAPIKey checks that Anthropic provider constructs successfully.
func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	p, err := New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "claude-3-5-sonnet-latest" {
		t.Errorf("expected model to be stored, got %q", p.model)
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}
