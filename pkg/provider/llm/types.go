package llm

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion. Zero means unknown.
	MaxOutputTokens int

	// SupportsJSONMode indicates the backend can constrain output to JSON.
	SupportsJSONMode bool
}

// ClampMaxTokens returns want limited to the model's MaxOutputTokens, when
// known.
func (c ModelCapabilities) ClampMaxTokens(want int) int {
	if c.MaxOutputTokens > 0 && want > c.MaxOutputTokens {
		return c.MaxOutputTokens
	}
	return want
}
