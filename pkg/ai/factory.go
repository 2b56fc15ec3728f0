package ai

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

// NewTextGenerator builds a TextGenerator for the configured provider.
func NewTextGenerator(cfg ProviderConfig) (TextGenerator, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch provider(cfg.Provider) {
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, cfg.Model), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "openai", "openai-compat":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return NewOpenAICompatGenerator(NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}

// NewEmbedder builds an Embedder and reports the vector dimension it produces.
func NewEmbedder(cfg ProviderConfig) (Embedder, int, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, 0, fmt.Errorf("embedding model required")
	}
	dim := cfg.Dimensions
	switch provider(cfg.Provider) {
	case "ollama":
		if dim <= 0 {
			return nil, 0, fmt.Errorf("embedding dim required for ollama")
		}
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL), cfg.Model, dim), dim, nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, 0, err
		}
		if dim <= 0 {
			dim = 768
		}
		return NewGeminiEmbedder(client, cfg.Model, dim), dim, nil
	case "openai", "openai-compat":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		if dim <= 0 {
			dim = 1536
		}
		return NewOpenAICompatEmbedder(NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey), cfg.Model, dim), dim, nil
	default:
		return nil, 0, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// ModelVersion tags vectors with the model and dimension that produced them.
func ModelVersion(model string, dim int) string {
	return fmt.Sprintf("%s@%d", strings.TrimSpace(model), dim)
}

func provider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "gemini"
	}
	return name
}
