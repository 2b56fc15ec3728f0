package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatClient calls any OpenAI-compatible /v1 API.
// Works with OpenAI, vLLM, LiteLLM, LocalAI, Deepseek, OpenRouter, etc.
type OpenAICompatClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAICompatClient builds a client. baseURL should include the /v1 prefix,
// e.g. "http://localhost:8000/v1". apiKey can be empty for local models.
func NewOpenAICompatClient(baseURL, apiKey string) *OpenAICompatClient {
	return &OpenAICompatClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *OpenAICompatClient) doJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("openai-compat", fmt.Errorf("openai-compat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return classifyStatus("openai-compat", resp.StatusCode, fmt.Errorf("openai-compat api error: %s", errResp.Error.Message))
		}
		return classifyStatus("openai-compat", resp.StatusCode, fmt.Errorf("openai-compat api error: %s", resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return capabilityErr("openai-compat", ReasonMalformedOutput, fmt.Errorf("openai-compat decode: %w", err))
	}
	return nil
}

// OpenAICompatGenerator calls /chat/completions with a fixed model.
type OpenAICompatGenerator struct {
	client *OpenAICompatClient
	model  string
}

// NewOpenAICompatGenerator builds an OpenAI-compatible TextGenerator.
func NewOpenAICompatGenerator(client *OpenAICompatClient, model string) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{client: client, model: strings.TrimSpace(model)}
}

// GenerateText implements TextGenerator using the OpenAI chat completions API.
func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, prompt Prompt) (Completion, error) {
	if g.model == "" {
		return Completion{}, fmt.Errorf("openai-compat generation model required")
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: prompt.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: prompt.User})

	reqBody := oaiChatRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: prompt.MaxTokens,
	}
	if prompt.JSON {
		reqBody.ResponseFormat = &oaiResponseFormat{Type: "json_object"}
	}

	var chatResp oaiChatResponse
	if err := g.client.doJSON(ctx, "/chat/completions", reqBody, &chatResp); err != nil {
		return Completion{}, err
	}
	if len(chatResp.Choices) == 0 {
		return Completion{}, capabilityErr("openai-compat", ReasonMalformedOutput, fmt.Errorf("empty response from openai-compat api"))
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, capabilityErr("openai-compat", ReasonMalformedOutput, fmt.Errorf("empty response from openai-compat api"))
	}
	model := chatResp.Model
	if model == "" {
		model = g.model
	}
	return Completion{
		Text:             text,
		Model:            model,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

// OpenAICompatEmbedder calls /embeddings with a fixed model.
type OpenAICompatEmbedder struct {
	client     *OpenAICompatClient
	model      string
	dimensions int
}

func NewOpenAICompatEmbedder(client *OpenAICompatClient, model string, dimensions int) *OpenAICompatEmbedder {
	return &OpenAICompatEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

func (e *OpenAICompatEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAICompatEmbedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if e.model == "" {
		return nil, fmt.Errorf("openai-compat embedding model required")
	}
	reqBody := oaiEmbeddingRequest{Model: e.model, Input: texts, Dimensions: e.dimensions}
	var resp oaiEmbeddingResponse
	if err := e.client.doJSON(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, capabilityErr("openai-compat", ReasonMalformedOutput, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, capabilityErr("openai-compat", ReasonMalformedOutput, fmt.Errorf("embedding index %d out of range", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponseFormat struct {
	Type string `json:"type"`
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaiEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
