package openai

import (
	"testing"

	"github.com/MrWong99/dundra/pkg/provider/llm"
)

// TestConvertMessage_Roles checks that every supported role is converted.
func TestConvertMessage_Roles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant"} {
		t.Run(role, func(t *testing.T) {
			param, err := convertMessage(llm.Message{Role: role, Content: "x"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch role {
			case "system":
				if param.OfSystem == nil {
					t.Fatal("expected OfSystem to be set")
				}
			case "user":
				if param.OfUser == nil {
					t.Fatal("expected OfUser to be set")
				}
			case "assistant":
				if param.OfAssistant == nil {
					t.Fatal("expected OfAssistant to be set")
				}
			}
		})
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "tool", Content: "test"})
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// TestBuildParams_AnalysisRequest checks temperature, token budget and JSON mode.
func TestBuildParams_AnalysisRequest(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You analyse tabletop sessions.",
		Messages:     []llm.Message{{Role: "user", Content: "[12:00] Alice: I cast fireball"}},
		Temperature:  0.1,
		MaxTokens:    2000,
		JSONOutput:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages (system + user), got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected first message to be the system prompt")
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.1 {
		t.Errorf("expected temperature 0.1, got %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 2000 {
		t.Errorf("expected max tokens 2000, got %+v", params.MaxCompletionTokens)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
}

// TestBuildParams_NoJSONModeForLegacyModels checks that JSON mode is skipped
// where the model does not support it.
func TestBuildParams_NoJSONModeForLegacyModels(t *testing.T) {
	p := &Provider{model: "gpt-4"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
		JSONOutput: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.ResponseFormat.OfJSONObject != nil {
		t.Error("expected no response format for gpt-4")
	}
	if params.Temperature.Valid() {
		t.Error("expected temperature to be omitted when zero")
	}
}

// TestModelCapabilities checks known and unknown model names.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantJSON   bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"gpt-4o", 128_000, true},
		{"gpt-3.5-turbo", 16_385, true},
		{"gpt-4", 8_192, false},
		{"o3-mini", 200_000, true},
		{"my-custom-model", 128_000, true},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("expected context window %d, got %d", tc.wantWindow, caps.ContextWindow)
			}
			if caps.SupportsJSONMode != tc.wantJSON {
				t.Errorf("expected SupportsJSONMode=%v", tc.wantJSON)
			}
			if caps.MaxOutputTokens <= 0 {
				t.Error("expected positive MaxOutputTokens")
			}
		})
	}
}

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
