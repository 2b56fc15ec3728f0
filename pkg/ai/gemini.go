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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a client with the provided API key.
// An empty baseURL selects the public endpoint.
func NewGeminiClient(apiKey, baseURL string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// EmbedText generates an embedding for the input text.
func (c *GeminiClient) EmbedText(ctx context.Context, model, text, taskType string, dimensions int) ([]float32, error) {
	reqBody := embedRequest{
		Content:  content{Parts: []part{{Text: text}}},
		TaskType: taskType,
	}
	if dimensions > 0 {
		reqBody.OutputDimensionality = dimensions
	}
	var resp embedResponse
	if err := c.doJSON(ctx, c.modelURL(model, "embedContent"), reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, capabilityErr("gemini", ReasonMalformedOutput, fmt.Errorf("empty embedding"))
	}
	return resp.Embedding.Values, nil
}

// GenerateText returns the generated response for a prompt.
func (c *GeminiClient) GenerateText(ctx context.Context, model string, prompt Prompt) (Completion, error) {
	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt.User}}}},
	}
	if strings.TrimSpace(prompt.System) != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: prompt.System}}}
	}
	if prompt.JSON || prompt.MaxTokens > 0 {
		reqBody.GenerationConfig = &generationConfig{MaxOutputTokens: prompt.MaxTokens}
		if prompt.JSON {
			reqBody.GenerationConfig.ResponseMimeType = "application/json"
		}
	}
	var resp generateResponse
	if err := c.doJSON(ctx, c.modelURL(model, "generateContent"), reqBody, &resp); err != nil {
		return Completion{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Completion{}, capabilityErr("gemini", ReasonMalformedOutput, fmt.Errorf("empty response from gemini"))
	}
	return Completion{
		Text:             resp.Candidates[0].Content.Parts[0].Text,
		Model:            normalizeModel(model),
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (c *GeminiClient) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, normalizeModel(model), method, c.apiKey)
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("gemini", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return classifyStatus("gemini", resp.StatusCode, fmt.Errorf("gemini api error: %s", errResp.Error.Message))
		}
		return classifyStatus("gemini", resp.StatusCode, fmt.Errorf("gemini api error: %s", resp.Status))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return capabilityErr("gemini", ReasonMalformedOutput, err)
	}
	return nil
}

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based TextGenerator.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model}
}

// GenerateText implements TextGenerator using Gemini.
func (g *GeminiGenerator) GenerateText(ctx context.Context, prompt Prompt) (Completion, error) {
	return g.client.GenerateText(ctx, g.model, prompt)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type embedRequest struct {
	Content              content `json:"content"`
	TaskType             string  `json:"taskType,omitempty"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type generationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
