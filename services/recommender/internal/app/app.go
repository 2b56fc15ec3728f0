// Package app is the recommendation orchestrator. It validates favorites,
// short-circuits on cached results, and otherwise runs profile, retrieve and
// explain in sequence, degrading instead of failing when optional stages do.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/catalog"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/pkg/telemetry"
)

// Degraded reasons reported with a result.
const (
	DegradedInsufficientCandidates = "insufficient_candidates"
	DegradedExplanations           = "explanations_unavailable"
	DegradedExplanationsIncomplete = "explanations_incomplete"
)

type Profiler interface {
	Profile(ctx context.Context, ids []string) (domain.TasteProfile, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, profile domain.TasteProfile, n int) (domain.CandidateSet, error)
}

type Explainer interface {
	Explain(ctx context.Context, profile domain.TasteProfile, set domain.CandidateSet) ([]domain.Recommendation, error)
}

// BookEmbedder keeps a book's metadata vector current.
type BookEmbedder interface {
	EnsureBook(ctx context.Context, b domain.Book) ([]float32, error)
}

// RevisionSource reports the index revision, bumped on every vector write.
type RevisionSource interface {
	Revision(ctx context.Context) (int64, error)
}

type Config struct {
	Books     store.MetadataStore
	Cache     cache.Cache
	Revisions RevisionSource
	// Catalog is optional; when set, unknown favorites are fetched and saved.
	Catalog catalog.Fetcher
	// Scraper is optional; favorites lacking a review summary are enqueued.
	Scraper ScrapeEnqueuer
	// Embeddings is optional; without it EmbedBook reports unavailable.
	Embeddings BookEmbedder
	Profiler   Profiler
	Retriever  Retriever
	Explainer  Explainer
	Sink       telemetry.Sink

	ModelVersion      string
	MinFavorites      int
	MaxFavorites      int
	DefaultN          int
	MaxN              int
	RecommendationTTL time.Duration
	RequestTimeout    time.Duration
	EnqueueTimeout    time.Duration
}

type App struct {
	cfg Config
}

// Result is the response of one recommend call.
type Result struct {
	Recommendations []domain.Recommendation `json:"recommendations"`
	Profile         domain.ProfileSummary   `json:"profile"`
	Degraded        []string                `json:"degraded"`
	Cached          bool                    `json:"cached"`
	// Metrics describes this call only; it is never cached.
	Metrics telemetry.Summary `json:"-"`
}

func New(cfg Config) (*App, error) {
	if cfg.Books == nil {
		return nil, errors.New("metadata store required")
	}
	if cfg.Profiler == nil || cfg.Retriever == nil || cfg.Explainer == nil {
		return nil, errors.New("profiler, retriever and explainer required")
	}
	if strings.TrimSpace(cfg.ModelVersion) == "" {
		return nil, errors.New("model version required")
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}
	if cfg.MinFavorites <= 0 {
		cfg.MinFavorites = 3
	}
	if cfg.MaxFavorites < cfg.MinFavorites {
		cfg.MaxFavorites = 5
	}
	if cfg.MaxN <= 0 {
		cfg.MaxN = 20
	}
	if cfg.DefaultN <= 0 || cfg.DefaultN > cfg.MaxN {
		cfg.DefaultN = min(5, cfg.MaxN)
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = time.Hour
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 3 * time.Second
	}
	return &App{cfg: cfg}, nil
}

// Recommend returns n ranked recommendations for the favorite set.
// n of zero selects the configured default.
func (a *App) Recommend(ctx context.Context, favoriteIDs []string, n int) (Result, error) {
	rec := telemetry.NewRecorder()
	ctx = telemetry.WithRecorder(ctx, rec)
	logger := util.LoggerFromContext(ctx)

	res, err := a.recommend(ctx, favoriteIDs, n)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Cached:
		outcome = "cached"
	case len(res.Degraded) > 0:
		outcome = "degraded"
	}
	summary := rec.Summary()
	res.Metrics = summary
	a.cfg.Sink.Merge(outcome, summary)
	attrs := append([]any{"outcome", outcome}, summary.LogAttrs()...)
	if err != nil {
		logger.Warn("recommendation_failed", append(attrs, "kind", string(domain.KindOf(err)), "err", err)...)
	} else {
		logger.Info("recommendation_completed", attrs...)
	}
	return res, err
}

func (a *App) recommend(ctx context.Context, favoriteIDs []string, n int) (Result, error) {
	ids, n, err := a.validate(favoriteIDs, n)
	if err != nil {
		return Result{}, err
	}
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	rec := telemetry.FromContext(ctx)
	logger := util.LoggerFromContext(ctx)

	done := rec.Stage("resolve")
	favorites, err := a.resolve(ctx, ids)
	done()
	if err != nil {
		return Result{}, err
	}

	if cached, ok := a.cachedResult(ctx, ids, n); ok {
		logger.Info("recommendation_cache_hit", "favorites", len(ids), "n", n)
		return cached, nil
	}

	done = rec.Stage("profile")
	profile, err := a.cfg.Profiler.Profile(ctx, ids)
	done()
	if err != nil {
		return Result{}, mandatory(ctx, "profile", err)
	}
	// Profiling may embed favorites just in time, which advances the revision.
	revision, revOK := a.revision(ctx)

	done = rec.Stage("retrieve")
	set, err := a.cfg.Retriever.Retrieve(ctx, profile, n)
	done()
	var degraded []string
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInsufficientCandidates) && len(set.Candidates) > 0:
		degraded = append(degraded, DegradedInsufficientCandidates)
		rec.Degrade(DegradedInsufficientCandidates)
	case errors.Is(err, domain.ErrInsufficientCandidates):
		return Result{}, domain.NoCandidates("no candidates survived filtering")
	default:
		return Result{}, mandatory(ctx, "retrieve", err)
	}

	done = rec.Stage("explain")
	recs, err := a.cfg.Explainer.Explain(ctx, profile, set)
	done()
	if err != nil {
		degraded = append(degraded, DegradedExplanations)
		rec.Degrade(DegradedExplanations)
		logger.Warn("explanations_degraded", "err", err)
		for i := range recs {
			recs[i].Explanation = ""
		}
	} else if missing := countUnexplained(recs); missing > 0 {
		degraded = append(degraded, DegradedExplanationsIncomplete)
		rec.Degrade(DegradedExplanationsIncomplete)
	}

	res := Result{Recommendations: recs, Profile: profile.PublicSummary(), Degraded: degraded}
	if res.Degraded == nil {
		res.Degraded = []string{}
	}
	if len(degraded) == 0 && revOK && a.cfg.Cache != nil {
		key := cache.RecommendationKey(a.cfg.ModelVersion, revision, n, ids)
		entry := domain.RecommendationSet{Recommendations: recs, Profile: res.Profile, GeneratedAt: time.Now().UTC()}
		if err := a.cfg.Cache.Set(ctx, key, entry, a.cfg.RecommendationTTL); err != nil {
			logger.Warn("recommendation_cache_set_failed", "key", key, "err", err)
		}
	}
	a.enqueueMissingReviews(ctx, favorites)
	return res, nil
}

func (a *App) validate(favoriteIDs []string, n int) ([]string, int, error) {
	if len(favoriteIDs) < a.cfg.MinFavorites || len(favoriteIDs) > a.cfg.MaxFavorites {
		return nil, 0, domain.InvalidInput("favoriteBookIds must contain between %d and %d ids, got %d",
			a.cfg.MinFavorites, a.cfg.MaxFavorites, len(favoriteIDs))
	}
	seen := make(map[string]struct{}, len(favoriteIDs))
	ids := make([]string, 0, len(favoriteIDs))
	for _, id := range favoriteIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, 0, domain.InvalidInput("favoriteBookIds must not contain empty ids")
		}
		if _, dup := seen[id]; dup {
			return nil, 0, domain.InvalidInput("duplicate favorite id %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if n == 0 {
		n = a.cfg.DefaultN
	}
	if n < 1 || n > a.cfg.MaxN {
		return nil, 0, domain.InvalidInput("n must be between 1 and %d", a.cfg.MaxN)
	}
	return ids, n, nil
}

// resolve loads every favorite, fetching unknown ones from the catalog.
func (a *App) resolve(ctx context.Context, ids []string) ([]domain.Book, error) {
	found, err := a.cfg.Books.GetBooks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load favorites: %w", err)
	}
	out := make([]domain.Book, 0, len(ids))
	for _, id := range ids {
		if b, ok := found[id]; ok {
			out = append(out, b)
			continue
		}
		b, err := a.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (a *App) fetch(ctx context.Context, id string) (domain.Book, error) {
	if a.cfg.Catalog == nil {
		return domain.Book{}, domain.InvalidInput("unknown book id %s", id)
	}
	b, err := a.cfg.Catalog.FetchMetadata(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
		return domain.Book{}, domain.InvalidInput("unknown book id %s", id)
	}
	if err != nil {
		return domain.Book{}, err
	}
	b.ID = id
	if err := a.cfg.Books.SaveBook(ctx, b); err != nil {
		return domain.Book{}, fmt.Errorf("save book %s: %w", id, err)
	}
	util.LoggerFromContext(ctx).Info("book_ingested", "book_id", id, "title", b.Title)
	return b, nil
}

// Book returns a stored book, ingesting it from the catalog when unknown.
func (a *App) Book(ctx context.Context, id string) (domain.Book, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Book{}, domain.InvalidInput("book id required")
	}
	b, ok, err := a.cfg.Books.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("load book: %w", err)
	}
	if ok {
		return b, nil
	}
	if a.cfg.Catalog == nil {
		return domain.Book{}, domain.NotFound("book %s not found", id)
	}
	b, err = a.fetch(ctx, id)
	if errors.Is(err, domain.ErrInvalidInput) {
		return domain.Book{}, domain.NotFound("book %s not found", id)
	}
	return b, err
}

// Listing bounds for ListBooks.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListBooks pages through stored books newest first. A limit of zero selects
// the default.
func (a *App) ListBooks(ctx context.Context, limit, offset int) ([]domain.Book, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, domain.InvalidInput("limit must be between 1 and %d", MaxListLimit)
	}
	if offset < 0 {
		return nil, domain.InvalidInput("offset must not be negative")
	}
	books, err := a.cfg.Books.ListBooks(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	if books == nil {
		books = []domain.Book{}
	}
	return books, nil
}

// EmbedResult reports the vector written or reused for one book.
type EmbedResult struct {
	BookID       string `json:"bookId"`
	ModelVersion string `json:"modelVersion"`
	Dimensions   int    `json:"dimensions"`
}

// EmbedBook makes sure the book's metadata vector is current, ingesting the
// book from the catalog first when it is unknown.
func (a *App) EmbedBook(ctx context.Context, id string) (EmbedResult, error) {
	if a.cfg.Embeddings == nil {
		return EmbedResult{}, domain.UpstreamUnavailable(nil, "embeddings not configured")
	}
	b, err := a.Book(ctx, id)
	if err != nil {
		return EmbedResult{}, err
	}
	vec, err := a.cfg.Embeddings.EnsureBook(ctx, b)
	if err != nil {
		return EmbedResult{}, mandatory(ctx, "embed", err)
	}
	util.LoggerFromContext(ctx).Info("book_embedded", "book_id", b.ID, "dimensions", len(vec))
	return EmbedResult{BookID: b.ID, ModelVersion: a.cfg.ModelVersion, Dimensions: len(vec)}, nil
}

func (a *App) revision(ctx context.Context) (int64, bool) {
	if a.cfg.Revisions == nil {
		return 0, true
	}
	rev, err := a.cfg.Revisions.Revision(ctx)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("index_revision_unavailable", "err", err)
		return 0, false
	}
	return rev, true
}

func (a *App) cachedResult(ctx context.Context, ids []string, n int) (Result, bool) {
	if a.cfg.Cache == nil {
		return Result{}, false
	}
	rec := telemetry.FromContext(ctx)
	revision, ok := a.revision(ctx)
	if !ok {
		rec.CacheMiss("rec")
		return Result{}, false
	}
	var entry domain.RecommendationSet
	key := cache.RecommendationKey(a.cfg.ModelVersion, revision, n, ids)
	hit, err := a.cfg.Cache.Get(ctx, key, &entry)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("recommendation_cache_get_failed", "key", key, "err", err)
	}
	if !hit {
		rec.CacheMiss("rec")
		return Result{}, false
	}
	rec.CacheHit("rec")
	return Result{Recommendations: entry.Recommendations, Profile: entry.Profile, Degraded: []string{}, Cached: true}, true
}

// enqueueMissingReviews asks the scraper for reviews of favorites that have no
// summary yet. It never blocks the request.
func (a *App) enqueueMissingReviews(ctx context.Context, favorites []domain.Book) {
	if a.cfg.Scraper == nil {
		return
	}
	var ids []string
	for _, b := range favorites {
		if strings.TrimSpace(b.ReviewSummary) == "" {
			ids = append(ids, b.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	logger := util.LoggerFromContext(ctx)
	requestID := util.RequestIDFromContext(ctx)
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), a.cfg.EnqueueTimeout)
		defer cancel()
		if requestID != "" {
			bg = util.ContextWithRequestID(bg, requestID)
		}
		bg = util.ContextWithLogger(bg, logger)
		for _, id := range ids {
			if err := a.cfg.Scraper.Enqueue(bg, id); err != nil {
				logger.Warn("scrape_enqueue_failed", "book_id", id, "err", err)
			}
		}
	}()
}

// mandatory maps a failure of a required stage to a client-facing error.
func mandatory(ctx context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.UpstreamUnavailable(err, "%s timed out", stage)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, domain.ErrCapability) {
		return domain.UpstreamUnavailable(err, "%s: model unavailable", stage)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func countUnexplained(recs []domain.Recommendation) int {
	n := 0
	for _, r := range recs {
		if strings.TrimSpace(r.Explanation) == "" {
			n++
		}
	}
	return n
}
