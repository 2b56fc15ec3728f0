package ai

import "context"

// Prompt is a bounded request to a reasoning or summarization model.
type Prompt struct {
	System string
	User   string
	// JSON asks the provider for a JSON object response when it supports it.
	JSON      bool
	MaxTokens int
}

// Completion is the model output plus token usage when the provider reports it.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// TextGenerator generates text from a prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
// Failures are returned as *CapabilityError.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt Prompt) (Completion, error)
}
