package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shahmir-m/liber/internal/ratelimit"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/telemetry"
	"github.com/shahmir-m/liber/services/recommender/internal/app"
)

type fakeApp struct {
	result   app.Result
	err      error
	calls    int
	books    map[string]domain.Book
	listed   [][2]int
	embedded []string
}

func (f *fakeApp) ListBooks(_ context.Context, limit, offset int) ([]domain.Book, error) {
	f.listed = append(f.listed, [2]int{limit, offset})
	if limit > app.MaxListLimit || offset < 0 {
		return nil, domain.InvalidInput("bad page")
	}
	out := []domain.Book{}
	for _, b := range f.books {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeApp) EmbedBook(ctx context.Context, id string) (app.EmbedResult, error) {
	b, err := f.Book(ctx, id)
	if err != nil {
		return app.EmbedResult{}, err
	}
	f.embedded = append(f.embedded, b.ID)
	return app.EmbedResult{BookID: b.ID, ModelVersion: "fake@1", Dimensions: 3}, nil
}

func (f *fakeApp) Recommend(_ context.Context, ids []string, n int) (app.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeApp) Book(_ context.Context, id string) (domain.Book, error) {
	b, ok := f.books[id]
	if !ok {
		return domain.Book{}, domain.NotFound("book %s not found", id)
	}
	return b, nil
}

func newTestServer(t *testing.T, fa *fakeApp, limiter *ratelimit.FixedWindowLimiter) *httptest.Server {
	t.Helper()
	s, err := New(Config{App: fa, Limiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func post(t *testing.T, url, body string) (*http.Response, errorEnvelope) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var env errorEnvelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp, env
}

func TestRecommendOK(t *testing.T) {
	fa := &fakeApp{result: app.Result{Recommendations: []domain.Recommendation{
		{BookID: "x", Rank: 1, Explanation: "because", Score: 0.91234567},
	}}}
	srv := newTestServer(t, fa, nil)

	resp, err := http.Post(srv.URL+"/recommend", "application/json",
		bytes.NewReader([]byte(`{"favoriteBookIds":["a","b","c"],"n":1}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
	var body recommendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Recommendations) != 1 || body.Recommendations[0].BookID != "x" || body.Recommendations[0].Rank != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Degraded == nil {
		t.Fatalf("degraded should be an empty list, not null")
	}
	if body.Profile.Genres == nil || body.Profile.Themes == nil {
		t.Fatalf("profile lists should be empty, not null: %+v", body.Profile)
	}
}

func TestRecommendReportsProfileAndMetrics(t *testing.T) {
	fa := &fakeApp{result: app.Result{
		Recommendations: []domain.Recommendation{{BookID: "x", Rank: 1}},
		Profile:         domain.ProfileSummary{Summary: "Readers of bleak futures.", Genres: []string{"dystopia"}, Themes: []string{"surveillance"}},
		Metrics: telemetry.Summary{
			Total:            1500 * time.Microsecond,
			Stages:           map[string]time.Duration{"explain": time.Millisecond},
			PromptTokens:     120,
			CompletionTokens: 40,
			CostUSD:          0.0001234567,
			CacheMisses:      map[string]int{"rec": 1},
			EmbeddingHits:    3,
		},
	}}
	srv := newTestServer(t, fa, nil)

	resp, err := http.Post(srv.URL+"/recommend", "application/json",
		bytes.NewReader([]byte(`{"favoriteBookIds":["a","b","c"]}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var body recommendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Profile.Summary != "Readers of bleak futures." || len(body.Profile.Genres) != 1 || body.Profile.Themes[0] != "surveillance" {
		t.Fatalf("unexpected profile %+v", body.Profile)
	}
	m := body.Metrics
	if m.TotalMs != 1.5 || m.StagesMs["explain"] != 1 {
		t.Fatalf("unexpected latency %+v", m)
	}
	if m.PromptTokens != 120 || m.CompletionTokens != 40 || m.CostUSD != 0.000123 {
		t.Fatalf("unexpected usage %+v", m)
	}
	if m.CacheMisses["rec"] != 1 || m.CacheHits == nil || m.EmbeddingHits != 3 {
		t.Fatalf("unexpected cache counters %+v", m)
	}
}

func TestRecommendErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "invalid_input"},
		{"missing ids", `{}`, nil, http.StatusBadRequest, "invalid_input"},
		{"empty id", `{"favoriteBookIds":["a",""]}`, nil, http.StatusBadRequest, "invalid_input"},
		{"app invalid", `{"favoriteBookIds":["a","b"]}`, domain.InvalidInput("need 3"), http.StatusBadRequest, "invalid_input"},
		{"no candidates", `{"favoriteBookIds":["a","b","c"]}`, domain.NoCandidates("none"), http.StatusBadGateway, "no_candidates"},
		{"internal", `{"favoriteBookIds":["a","b","c"]}`, errors.New("pq: connection refused"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeApp{err: tc.err}, nil)
			resp, env := post(t, srv.URL+"/recommend", tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if env.Error.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", env.Error.Kind, tc.kind)
			}
			if tc.kind == "internal" && env.Error.Message != "internal error" {
				t.Fatalf("internal error leaked: %q", env.Error.Message)
			}
		})
	}
}

func TestRecommendRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:rl", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	fa := &fakeApp{}
	srv := newTestServer(t, fa, limiter)

	body := `{"favoriteBookIds":["a","b","c"]}`
	resp1, _ := post(t, srv.URL+"/recommend", body)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp1.StatusCode)
	}
	resp2, env := post(t, srv.URL+"/recommend", body)
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp2.StatusCode)
	}
	if env.Error.Kind != "rate_limited" || resp2.Header.Get("Retry-After") == "" {
		t.Fatalf("expected rate_limited with Retry-After, got %q %q", env.Error.Kind, resp2.Header.Get("Retry-After"))
	}
	if fa.calls != 1 {
		t.Fatalf("app calls = %d, want 1", fa.calls)
	}
}

func TestRecommendMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeApp{}, nil)
	resp, err := http.Get(srv.URL + "/recommend")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestBookByID(t *testing.T) {
	srv := newTestServer(t, &fakeApp{books: map[string]domain.Book{"isbn:1": {ID: "isbn:1", Title: "Dune"}}}, nil)

	resp, err := http.Get(srv.URL + "/books/isbn:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var b domain.Book
	_ = json.NewDecoder(resp.Body).Decode(&b)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || b.Title != "Dune" {
		t.Fatalf("status=%d book=%+v", resp.StatusCode, b)
	}

	resp, err = http.Get(srv.URL + "/books/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListBooks(t *testing.T) {
	fa := &fakeApp{books: map[string]domain.Book{"isbn:1": {ID: "isbn:1", Title: "Dune"}}}
	srv := newTestServer(t, fa, nil)

	resp, err := http.Get(srv.URL + "/books?limit=10&offset=20")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body listBooksResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body.Books) != 1 || body.Limit != 10 || body.Offset != 20 {
		t.Fatalf("status=%d body=%+v", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/books")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if last := fa.listed[len(fa.listed)-1]; last != [2]int{app.DefaultListLimit, 0} {
		t.Fatalf("defaults not applied: %v", last)
	}

	for _, q := range []string{"limit=abc", "offset=-1", "limit=100000"} {
		resp, err := http.Get(srv.URL + "/books?" + q)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var env errorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || env.Error.Kind != "invalid_input" {
			t.Fatalf("%s: status=%d kind=%q", q, resp.StatusCode, env.Error.Kind)
		}
	}
}

func TestEmbedBook(t *testing.T) {
	fa := &fakeApp{books: map[string]domain.Book{"isbn:1": {ID: "isbn:1", Title: "Dune"}}}
	srv := newTestServer(t, fa, nil)

	resp, err := http.Post(srv.URL+"/books/isbn:1/embed", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var res app.EmbedResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || res.BookID != "isbn:1" || res.Dimensions != 3 {
		t.Fatalf("status=%d result=%+v", resp.StatusCode, res)
	}
	if len(fa.embedded) != 1 {
		t.Fatalf("embedded = %v", fa.embedded)
	}

	resp, env := post(t, srv.URL+"/books/missing/embed", "")
	if resp.StatusCode != http.StatusNotFound || env.Error.Kind != "not_found" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, env.Error.Kind)
	}

	resp, err = http.Get(srv.URL + "/books/isbn:1/embed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET embed status = %d, want 405", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	s, err := New(Config{App: &fakeApp{}, Health: func(context.Context) error { return errors.New("db down") }})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
