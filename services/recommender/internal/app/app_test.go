package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/embedding"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/services/recommender/internal/explainer"
	"github.com/shahmir-m/liber/services/recommender/internal/profiler"
	"github.com/shahmir-m/liber/services/recommender/internal/retriever"
)

var vectors = map[string][]float32{
	"Alpha":   {1, 0, 0},
	"Beta":    {0.9, 0.1, 0},
	"Gamma":   {0.8, 0.2, 0},
	"Delta":   {1, 0.05, 0},
	"Epsilon": {0.7, 0.3, 0},
	"Zeta":    {0.5, 0.5, 0},
	"Eta":     {0, 1, 0},
	"Theta":   {0, 0, 1},
}

type titleEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *titleEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	first, _, _ := strings.Cut(text, "\n")
	v, ok := vectors[strings.TrimPrefix(first, "Title: ")]
	if !ok {
		return nil, errors.New("unknown title")
	}
	return v, nil
}

type scriptedGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (g *scriptedGenerator) GenerateText(context.Context, ai.Prompt) (ai.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return ai.Completion{}, g.err
	}
	return ai.Completion{Text: g.text, Model: "fake", PromptTokens: 100, CompletionTokens: 50}, nil
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingEnqueuer struct {
	ids chan string
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, bookID string) error {
	r.ids <- bookID
	return nil
}

type fakeCatalog struct {
	books map[string]domain.Book
}

func (f fakeCatalog) FetchMetadata(_ context.Context, id string) (domain.Book, error) {
	b, ok := f.books[id]
	if !ok {
		return domain.Book{}, domain.NotFound("no %s", id)
	}
	return b, nil
}

const explanationsJSON = `{"explanations":[
	{"bookId":"d","explanation":"Delta fits."},
	{"bookId":"e","explanation":"Epsilon fits."},
	{"bookId":"z","explanation":"Zeta fits."},
	{"bookId":"h","explanation":"Eta fits."},
	{"bookId":"t","explanation":"Theta fits."}
]}`

// revisionCache is a cache that also carries the index revision.
type revisionCache interface {
	cache.Cache
	RevisionSource
	BumpRevision(ctx context.Context) (int64, error)
}

type harness struct {
	app        *App
	store      *store.MemoryStore
	cache      revisionCache
	embeddings *embedding.Service
	embedder   *titleEmbedder
	summarizer *scriptedGenerator
	reasoning  *scriptedGenerator
}

func newHarness(t *testing.T, withCandidates bool, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWithCache(t, cache.NewMemoryCache(), withCandidates, mutate)
}

func newHarnessWithCache(t *testing.T, c revisionCache, withCandidates bool, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:      store.NewMemoryStore(),
		cache:      c,
		embedder:   &titleEmbedder{},
		summarizer: &scriptedGenerator{text: `{"summary":"Likes axis one.","genres":["sf"],"themes":["x"]}`},
		reasoning:  &scriptedGenerator{text: explanationsJSON},
	}
	favorites := []domain.Book{
		{ID: "a", Title: "Alpha", Available: true},
		{ID: "b", Title: "Beta", Available: true},
		{ID: "c", Title: "Gamma", Available: true, ReviewSummary: "Readers loved it."},
	}
	candidates := []domain.Book{
		{ID: "d", Title: "Delta", Available: true},
		{ID: "e", Title: "Epsilon", Available: true},
		{ID: "z", Title: "Zeta", Available: true},
		{ID: "h", Title: "Eta", Available: true},
		{ID: "t", Title: "Theta", Available: true},
	}
	for _, b := range favorites {
		if err := h.store.SaveBook(ctx, b); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	svc, err := embedding.New(embedding.Config{
		Embedder: h.embedder, Vectors: h.store, Cache: h.cache, Revisions: h.cache, ModelVersion: "title@3",
	})
	if err != nil {
		t.Fatalf("embedding service: %v", err)
	}
	h.embeddings = svc
	if withCandidates {
		for _, b := range candidates {
			if err := h.store.SaveBook(ctx, b); err != nil {
				t.Fatalf("save: %v", err)
			}
			if _, err := svc.EnsureBook(ctx, b); err != nil {
				t.Fatalf("embed candidate: %v", err)
			}
		}
	}
	prof, err := profiler.New(profiler.Config{Books: h.store, Embeddings: svc, Summarizer: h.summarizer, Cache: h.cache})
	if err != nil {
		t.Fatalf("profiler: %v", err)
	}
	ret, err := retriever.New(retriever.Config{Books: h.store, Vectors: h.store})
	if err != nil {
		t.Fatalf("retriever: %v", err)
	}
	exp, err := explainer.New(explainer.Config{Generator: h.reasoning, Books: h.store})
	if err != nil {
		t.Fatalf("explainer: %v", err)
	}
	cfg := Config{
		Books:        h.store,
		Cache:        h.cache,
		Revisions:    h.cache,
		Embeddings:   svc,
		Profiler:     prof,
		Retriever:    ret,
		Explainer:    exp,
		ModelVersion: "title@3",
		DefaultN:     3,
		MaxN:         10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if h.app, err = New(cfg); err != nil {
		t.Fatalf("new app: %v", err)
	}
	return h
}

func ids(recs []domain.Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.BookID
	}
	return out
}

func TestRecommendRanksExplainsAndCaches(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	first, err := h.app.Recommend(ctx, []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if got := strings.Join(ids(first.Recommendations), ","); got != "d,e,z" {
		t.Fatalf("ranking = %s, want d,e,z", got)
	}
	for i, r := range first.Recommendations {
		if r.Rank != i+1 || r.Explanation == "" {
			t.Fatalf("rec %d = %+v", i, r)
		}
	}
	if first.Cached || len(first.Degraded) != 0 {
		t.Fatalf("unexpected first result flags %+v", first)
	}

	second, err := h.app.Recommend(ctx, []string{"c", "a", "b"}, 3)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second call should be served from cache")
	}
	for i := range first.Recommendations {
		if first.Recommendations[i] != second.Recommendations[i] {
			t.Fatalf("cached result differs at %d: %+v vs %+v", i, first.Recommendations[i], second.Recommendations[i])
		}
	}
	if h.reasoning.Calls() != 1 || h.summarizer.Calls() != 1 {
		t.Fatalf("model calls reasoning=%d summarizer=%d, want 1 each", h.reasoning.Calls(), h.summarizer.Calls())
	}
}

func TestRecommendDegradesWhenExplanationsFail(t *testing.T) {
	h := newHarness(t, true, nil)
	h.reasoning.err = &ai.CapabilityError{Provider: "fake", Reason: ai.ReasonUnavailable}
	ctx := context.Background()

	res, err := h.app.Recommend(ctx, []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(res.Recommendations) != 3 {
		t.Fatalf("len = %d, want 3", len(res.Recommendations))
	}
	for _, r := range res.Recommendations {
		if r.Explanation != "" {
			t.Fatalf("expected empty explanation, got %q", r.Explanation)
		}
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != DegradedExplanations {
		t.Fatalf("degraded = %v", res.Degraded)
	}

	// Degraded results are not cached, so the next call tries again.
	if _, err := h.app.Recommend(ctx, []string{"a", "b", "c"}, 3); err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if h.reasoning.Calls() != 2 {
		t.Fatalf("reasoning calls = %d, want 2", h.reasoning.Calls())
	}
}

func TestRecommendRejectsInvalidInputWithoutDownstreamCalls(t *testing.T) {
	cases := map[string]struct {
		ids []string
		n   int
	}{
		"too few":   {[]string{"a", "b"}, 3},
		"too many":  {[]string{"a", "b", "c", "d", "e", "z"}, 3},
		"duplicate": {[]string{"a", "a", "b"}, 3},
		"empty id":  {[]string{"a", " ", "b"}, 3},
		"n too big": {[]string{"a", "b", "c"}, 11},
		"unknown":   {[]string{"a", "b", "nope"}, 3},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, false, nil)
			_, err := h.app.Recommend(context.Background(), tc.ids, tc.n)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("err = %v, want invalid input", err)
			}
			if h.embedder.calls != 0 || h.reasoning.Calls() != 0 || h.summarizer.Calls() != 0 {
				t.Fatalf("downstream calls made on invalid input")
			}
		})
	}
}

func TestRecommendNoCandidates(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.app.Recommend(context.Background(), []string{"a", "b", "c"}, 3)
	if !errors.Is(err, domain.ErrNoCandidates) {
		t.Fatalf("err = %v, want no candidates", err)
	}
	if domain.KindOf(err).HTTPStatus() != 502 {
		t.Fatalf("status = %d, want 502", domain.KindOf(err).HTTPStatus())
	}
}

func TestRecommendInsufficientCandidatesDegrades(t *testing.T) {
	h := newHarness(t, true, nil)
	res, err := h.app.Recommend(context.Background(), []string{"a", "b", "c"}, 8)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(res.Recommendations) != 5 {
		t.Fatalf("len = %d, want all 5 survivors", len(res.Recommendations))
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != DegradedInsufficientCandidates {
		t.Fatalf("degraded = %v", res.Degraded)
	}
}

func TestRecommendIngestsUnknownFavoriteAndEnqueuesScrapes(t *testing.T) {
	enq := &recordingEnqueuer{ids: make(chan string, 8)}
	h := newHarness(t, true, func(cfg *Config) {
		cfg.Catalog = fakeCatalog{books: map[string]domain.Book{
			"isbn:9780000000001": {Title: "Beta", Available: true},
		}}
		cfg.Scraper = enq
	})
	res, err := h.app.Recommend(context.Background(), []string{"a", "isbn:9780000000001", "c"}, 2)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(res.Recommendations) != 2 {
		t.Fatalf("len = %d", len(res.Recommendations))
	}
	if _, ok, _ := h.store.GetBook(context.Background(), "isbn:9780000000001"); !ok {
		t.Fatalf("fetched favorite was not saved")
	}

	got := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case id := <-enq.ids:
			got[id] = true
		case <-timeout:
			t.Fatalf("enqueued %v, want a and the fetched isbn", got)
		}
	}
	if !got["a"] || !got["isbn:9780000000001"] || got["c"] {
		t.Fatalf("enqueued %v; c already has a review summary", got)
	}
}

func TestBookLooksUpCatalog(t *testing.T) {
	h := newHarness(t, false, func(cfg *Config) {
		cfg.Catalog = fakeCatalog{books: map[string]domain.Book{}}
	})
	if _, err := h.app.Book(context.Background(), "a"); err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := h.app.Book(context.Background(), "isbn:9780000000002"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRecommendSurvivesCacheOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	rc, err := cache.NewRedisCache(client, "test")
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	mr.Close()
	h := newHarnessWithCache(t, rc, true, nil)

	var logs bytes.Buffer
	ctx := util.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))
	if _, ok := h.app.revision(ctx); ok {
		t.Fatalf("revision should be unavailable with redis down")
	}

	for i := 0; i < 2; i++ {
		res, err := h.app.Recommend(ctx, []string{"a", "b", "c"}, 3)
		if err != nil {
			t.Fatalf("recommend %d: %v", i, err)
		}
		if got := strings.Join(ids(res.Recommendations), ","); got != "d,e,z" {
			t.Fatalf("ranking = %s, want d,e,z", got)
		}
		if res.Cached || len(res.Degraded) != 0 {
			t.Fatalf("call %d: unexpected flags %+v", i, res)
		}
		if res.Metrics.CacheMisses["rec"] != 1 || res.Metrics.CacheMisses["profile"] != 1 {
			t.Fatalf("call %d: cache misses %v", i, res.Metrics.CacheMisses)
		}
	}
	// Nothing could be cached, so both calls reached the models.
	if h.reasoning.Calls() != 2 || h.summarizer.Calls() != 2 {
		t.Fatalf("model calls reasoning=%d summarizer=%d, want 2 each", h.reasoning.Calls(), h.summarizer.Calls())
	}
	out := logs.String()
	for _, event := range []string{"index_revision_unavailable", "profile_cache_get_failed", "embedding_cache_get_failed"} {
		if !strings.Contains(out, event) {
			t.Fatalf("missing %s in logs:\n%s", event, out)
		}
	}
	if strings.Contains(out, "recommendation_cache_set_failed") {
		t.Fatalf("recommendation written without a known revision:\n%s", out)
	}
}

type blockingRetriever struct {
	seen chan error
}

func (r *blockingRetriever) Retrieve(ctx context.Context, _ domain.TasteProfile, _ int) (domain.CandidateSet, error) {
	<-ctx.Done()
	r.seen <- ctx.Err()
	return domain.CandidateSet{}, ctx.Err()
}

type blockingExplainer struct {
	seen chan error
}

func (e *blockingExplainer) Explain(ctx context.Context, _ domain.TasteProfile, set domain.CandidateSet) ([]domain.Recommendation, error) {
	<-ctx.Done()
	e.seen <- ctx.Err()
	recs := make([]domain.Recommendation, len(set.Candidates))
	for i, c := range set.Candidates {
		recs[i] = domain.Recommendation{BookID: c.BookID, Rank: i + 1, Score: c.Score}
	}
	return recs, ctx.Err()
}

func TestRequestTimeoutCancelsMandatoryStage(t *testing.T) {
	ret := &blockingRetriever{seen: make(chan error, 1)}
	h := newHarness(t, true, func(cfg *Config) {
		cfg.Retriever = ret
		cfg.RequestTimeout = 50 * time.Millisecond
	})
	start := time.Now()
	_, err := h.app.Recommend(context.Background(), []string{"a", "b", "c"}, 3)
	if domain.KindOf(err) != domain.KindUpstreamUnavailable {
		t.Fatalf("err = %v (kind %s), want upstream_unavailable", err, domain.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	select {
	case cerr := <-ret.seen:
		if !errors.Is(cerr, context.DeadlineExceeded) {
			t.Fatalf("retriever ctx err = %v, want deadline exceeded", cerr)
		}
	default:
		t.Fatalf("retriever never observed cancellation")
	}
	if h.reasoning.Calls() != 0 {
		t.Fatalf("explain ran after a failed retrieve")
	}
}

func TestRequestTimeoutDegradesExplanations(t *testing.T) {
	exp := &blockingExplainer{seen: make(chan error, 1)}
	h := newHarness(t, true, func(cfg *Config) {
		cfg.Explainer = exp
		cfg.RequestTimeout = 50 * time.Millisecond
	})
	res, err := h.app.Recommend(context.Background(), []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if len(res.Recommendations) != 3 || len(res.Degraded) != 1 || res.Degraded[0] != DegradedExplanations {
		t.Fatalf("unexpected result %+v", res)
	}
	if cerr := <-exp.seen; !errors.Is(cerr, context.DeadlineExceeded) {
		t.Fatalf("explainer ctx err = %v, want deadline exceeded", cerr)
	}
	// A timed-out request is degraded and therefore never cached.
	if _, ok := h.app.cachedResult(context.Background(), []string{"a", "b", "c"}, 3); ok {
		t.Fatalf("degraded result was cached")
	}
}

func TestRecommendReportsProfileAndMetrics(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	res, err := h.app.Recommend(ctx, []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if res.Profile.Summary != "Likes axis one." || len(res.Profile.Genres) != 1 || res.Profile.Genres[0] != "sf" {
		t.Fatalf("profile = %+v", res.Profile)
	}
	if res.Metrics.PromptTokens != 200 || res.Metrics.Total <= 0 {
		t.Fatalf("metrics not recorded: %+v", res.Metrics)
	}
	cached, err := h.app.Recommend(ctx, []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if !cached.Cached || cached.Profile.Summary != res.Profile.Summary {
		t.Fatalf("cached profile = %+v", cached.Profile)
	}
	if cached.Metrics.PromptTokens != 0 || cached.Metrics.CacheHits["rec"] != 1 {
		t.Fatalf("cached call metrics should describe only that call: %+v", cached.Metrics)
	}
}

func TestListBooksValidatesPaging(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	books, err := h.app.ListBooks(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(books) != 8 || books[0].ID != "t" {
		t.Fatalf("want all 8 books newest first, got %d starting %q", len(books), books[0].ID)
	}
	page, err := h.app.ListBooks(ctx, 2, 7)
	if err != nil || len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("last page = %v err=%v", page, err)
	}
	for _, tc := range [][2]int{{-1, 0}, {MaxListLimit + 1, 0}, {10, -1}} {
		if _, err := h.app.ListBooks(ctx, tc[0], tc[1]); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("limit=%d offset=%d: err = %v, want invalid input", tc[0], tc[1], err)
		}
	}
}

func TestEmbedBookEnsuresVector(t *testing.T) {
	h := newHarness(t, false, func(cfg *Config) {
		cfg.Catalog = fakeCatalog{books: map[string]domain.Book{
			"isbn:9780000000003": {Title: "Theta", Available: true},
		}}
	})
	ctx := context.Background()
	res, err := h.app.EmbedBook(ctx, "a")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if res.BookID != "a" || res.Dimensions != 3 || res.ModelVersion != "title@3" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := h.app.EmbedBook(ctx, "a"); err != nil || h.embedder.calls != 1 {
		t.Fatalf("re-embedding a current book: err=%v calls=%d", err, h.embedder.calls)
	}

	// Unknown books are ingested first.
	if _, err := h.app.EmbedBook(ctx, "isbn:9780000000003"); err != nil {
		t.Fatalf("embed ingested: %v", err)
	}
	if _, ok, _ := h.store.GetEmbedding(ctx, domain.Owner{Type: domain.OwnerBook, ID: "isbn:9780000000003"}, "title@3"); !ok {
		t.Fatalf("ingested book has no vector")
	}
	if _, err := h.app.EmbedBook(ctx, "isbn:9780000000099"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
