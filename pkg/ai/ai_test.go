package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shahmir-m/liber/pkg/domain"
)

func TestOpenAICompatGenerateText(t *testing.T) {
	var got oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Fatalf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"gpt-4-turbo","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	gen := NewOpenAICompatGenerator(NewOpenAICompatClient(srv.URL+"/v1", "sk-test"), "gpt-4-turbo")
	out, err := gen.GenerateText(context.Background(), Prompt{System: "sys", User: "hi", JSON: true, MaxTokens: 64})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != `{"ok":true}` || out.PromptTokens != 12 || out.CompletionTokens != 5 || out.Model != "gpt-4-turbo" {
		t.Fatalf("unexpected completion %+v", out)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" || got.MaxTokens != 64 {
		t.Fatalf("json mode and max tokens not forwarded: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestProviderErrorsAreCapabilityErrors(t *testing.T) {
	tests := []struct {
		status int
		want   Reason
	}{
		{http.StatusTooManyRequests, ReasonRateLimited},
		{http.StatusGatewayTimeout, ReasonTimeout},
		{http.StatusInternalServerError, ReasonUnavailable},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		gen := NewOpenAICompatGenerator(NewOpenAICompatClient(srv.URL, ""), "m")
		_, err := gen.GenerateText(context.Background(), Prompt{User: "x"})
		srv.Close()

		var ce *CapabilityError
		if !errors.As(err, &ce) || ce.Reason != tc.want {
			t.Fatalf("status %d: got %v, want reason %s", tc.status, err, tc.want)
		}
		if !errors.Is(err, domain.ErrCapability) {
			t.Fatalf("capability errors should match domain.ErrCapability")
		}
	}
}

func TestOllamaGenerateTextJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Format != "json" || req.Options == nil || req.Options.NumPredict != 100 {
			t.Fatalf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{}"},"prompt_eval_count":7,"eval_count":3}`))
	}))
	defer srv.Close()

	out, err := NewOllamaGenerator(NewOllamaClient(srv.URL), "llama3").GenerateText(context.Background(), Prompt{User: "x", JSON: true, MaxTokens: 100})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.PromptTokens != 7 || out.CompletionTokens != 3 {
		t.Fatalf("usage not parsed: %+v", out)
	}
}

func TestParseJSON(t *testing.T) {
	type payload struct {
		Summary string `json:"summary"`
	}
	ok := ParseJSON[payload]("```json\n{\"summary\":\"dark fantasy\"}\n```")
	if !ok.Valid || ok.Value.Summary != "dark fantasy" {
		t.Fatalf("fenced json should parse: %+v", ok)
	}
	bad := ParseJSON[payload]("I cannot help with that.")
	if bad.Valid || bad.Raw != "I cannot help with that." || bad.Err == nil {
		t.Fatalf("prose should be an invalid result: %+v", bad)
	}
	wrong := ParseJSON[payload](`{"summary": 3}`)
	if wrong.Valid {
		t.Fatalf("type mismatch should be invalid")
	}
}

type failingGenerator struct {
	calls int
	err   error
}

func (f *failingGenerator) GenerateText(context.Context, Prompt) (Completion, error) {
	f.calls++
	return Completion{}, f.err
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &failingGenerator{err: capabilityErr("fake", ReasonUnavailable, errors.New("down"))}
	gen := NewBreakerGenerator(next, BreakerConfig{Name: "test", FailureThreshold: 2, Timeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, _ = gen.GenerateText(context.Background(), Prompt{User: "x"})
	}
	_, err := gen.GenerateText(context.Background(), Prompt{User: "x"})
	var ce *CapabilityError
	if !errors.As(err, &ce) || ce.Reason != ReasonUnavailable {
		t.Fatalf("open breaker should report unavailable, got %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("open breaker must not call provider, calls=%d", next.calls)
	}
	if gen.State() != "open" {
		t.Fatalf("state = %s", gen.State())
	}
}

func TestBreakerIgnoresMalformedOutput(t *testing.T) {
	next := &failingGenerator{err: capabilityErr("fake", ReasonMalformedOutput, errors.New("garbage"))}
	gen := NewBreakerGenerator(next, BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_, _ = gen.GenerateText(context.Background(), Prompt{User: "x"})
	}
	if next.calls != 3 {
		t.Fatalf("malformed output should not trip the breaker, calls=%d", next.calls)
	}
}

func TestModelVersion(t *testing.T) {
	if got := ModelVersion("text-embedding-3-small", 1536); got != "text-embedding-3-small@1536" {
		t.Fatalf("model version = %s", got)
	}
}
