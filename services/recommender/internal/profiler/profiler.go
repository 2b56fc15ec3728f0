// Package profiler turns a favorite set into a taste profile: a normalised
// centroid of the favorites' metadata vectors plus a best-effort textual summary.
package profiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/pkg/telemetry"
)

const (
	summaryMaxTokens     = 500
	promptSubjects       = 10
	promptDescriptionLen = 300
	maxProfileAuthors    = 10
	defaultParallelism   = 4
)

const systemPrompt = "You are a book taste analyst. Return only valid JSON."

const userPrompt = `Analyze these favorite books and create a concise taste profile.

Books:
%s

Return a JSON object with exactly these fields:
- summary: 2-3 sentence summary of overall taste
- genres: list of 3-5 genres
- themes: list of 3-5 themes

Return ONLY valid JSON, no other text.`

// BookEmbedder is the part of the embedding service the profiler needs.
type BookEmbedder interface {
	EnsureBook(ctx context.Context, b domain.Book) ([]float32, error)
	ModelVersion() string
}

type Config struct {
	Books      store.MetadataStore
	Embeddings BookEmbedder
	// Summarizer is optional; without it profiles carry no summary.
	Summarizer ai.TextGenerator
	Cache      cache.Cache
	TTL        time.Duration
	// Parallelism bounds concurrent just-in-time embeddings.
	Parallelism int
}

type Profiler struct {
	books       store.MetadataStore
	embeddings  BookEmbedder
	summarizer  ai.TextGenerator
	cache       cache.Cache
	ttl         time.Duration
	parallelism int
	now         func() time.Time
}

func New(cfg Config) (*Profiler, error) {
	if cfg.Books == nil {
		return nil, errors.New("metadata store required")
	}
	if cfg.Embeddings == nil {
		return nil, errors.New("embedding service required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	par := cfg.Parallelism
	if par <= 0 {
		par = defaultParallelism
	}
	return &Profiler{
		books:       cfg.Books,
		embeddings:  cfg.Embeddings,
		summarizer:  cfg.Summarizer,
		cache:       cfg.Cache,
		ttl:         ttl,
		parallelism: par,
		now:         time.Now,
	}, nil
}

// Key is the cache key of the profile for ids under the current model version.
func (p *Profiler) Key(ids []string) string {
	return cache.ProfileKey(p.embeddings.ModelVersion(), ids)
}

// Profile returns the taste profile for ids. A cached profile is returned as
// stored; otherwise every favorite is embedded (blocking until all vectors
// exist) and the result is cached before returning.
func (p *Profiler) Profile(ctx context.Context, ids []string) (domain.TasteProfile, error) {
	logger := util.LoggerFromContext(ctx)
	rec := telemetry.FromContext(ctx)
	key := p.Key(ids)

	if p.cache != nil {
		var cached domain.TasteProfile
		ok, err := p.cache.Get(ctx, key, &cached)
		if err != nil {
			logger.Warn("profile_cache_get_failed", "key", key, "err", err)
		}
		if ok && len(cached.Vector) > 0 {
			rec.CacheHit("profile")
			logger.Debug("taste_profile_cache_hit", "key", key)
			return cached, nil
		}
		rec.CacheMiss("profile")
	}

	books, err := p.books.GetBooks(ctx, ids)
	if err != nil {
		return domain.TasteProfile{}, fmt.Errorf("load favorites: %w", err)
	}
	sorted := domain.SortedCopy(ids)
	ordered := make([]domain.Book, len(sorted))
	for i, id := range sorted {
		b, ok := books[id]
		if !ok {
			return domain.TasteProfile{}, domain.NotFound("book %s not found", id)
		}
		ordered[i] = b
	}

	vectors := make([][]float32, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i, b := range ordered {
		g.Go(func() error {
			vec, err := p.embeddings.EnsureBook(gctx, b)
			if err != nil {
				return fmt.Errorf("embed favorite %s: %w", b.ID, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.TasteProfile{}, err
	}

	centroid, err := Centroid(vectors)
	if err != nil {
		return domain.TasteProfile{}, err
	}

	profile := domain.TasteProfile{
		Key:          key,
		BookIDs:      append([]string(nil), ids...),
		Vector:       centroid,
		Authors:      collectAuthors(ordered),
		ModelVersion: p.embeddings.ModelVersion(),
		CreatedAt:    p.now().UTC(),
	}
	p.summarize(ctx, ordered, &profile)

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, profile, p.ttl); err != nil {
			logger.Warn("profile_cache_set_failed", "key", key, "err", err)
		}
	}
	logger.Info("taste_profile_generated", "key", key, "favorites", len(ids), "summarized", profile.Summary != "")
	return profile, nil
}

type summaryOutput struct {
	Summary string   `json:"summary"`
	Genres  []string `json:"genres"`
	Themes  []string `json:"themes"`
}

type promptBook struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Subjects    []string `json:"subjects"`
	Description string   `json:"description,omitempty"`
}

// summarize fills the textual fields. Failure only leaves them empty.
func (p *Profiler) summarize(ctx context.Context, books []domain.Book, profile *domain.TasteProfile) {
	if p.summarizer == nil {
		return
	}
	rec := telemetry.FromContext(ctx)
	logger := util.LoggerFromContext(ctx)

	items := make([]promptBook, 0, len(books))
	for _, b := range books {
		items = append(items, promptBook{
			Title:       b.Title,
			Authors:     b.Authors,
			Subjects:    head(b.Subjects, promptSubjects),
			Description: truncate(b.Description, promptDescriptionLen),
		})
	}
	payload, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return
	}
	out, err := p.summarizer.GenerateText(ctx, ai.Prompt{
		System:    systemPrompt,
		User:      fmt.Sprintf(userPrompt, payload),
		JSON:      true,
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		rec.Degrade("profile_summary")
		logger.Warn("taste_summary_failed", "err", err)
		return
	}
	rec.RecordUsage(out.Model, out.PromptTokens, out.CompletionTokens)
	parsed := ai.ParseJSON[summaryOutput](out.Text)
	if !parsed.Valid {
		rec.Degrade("profile_summary")
		logger.Warn("taste_summary_malformed", "err", parsed.Err)
		return
	}
	profile.Summary = strings.TrimSpace(parsed.Value.Summary)
	profile.Genres = cleanList(parsed.Value.Genres)
	profile.Themes = cleanList(parsed.Value.Themes)
}

// Centroid averages equal-weight vectors in the given order and L2-normalises
// the result. Accumulation is in float64 so the same ordered input always
// produces the same bits.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.New("no vectors to aggregate")
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, errors.New("empty vector")
	}
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}
	var norm float64
	for j := range sum {
		sum[j] /= float64(len(vectors))
		norm += sum[j] * sum[j]
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for j, x := range sum {
		if norm > 0 {
			x /= norm
		}
		out[j] = float32(x)
	}
	return out, nil
}

func collectAuthors(books []domain.Book) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, b := range books {
		for _, a := range b.Authors {
			a = strings.TrimSpace(a)
			k := strings.ToLower(a)
			if a == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, a)
			if len(out) == maxProfileAuthors {
				return out
			}
		}
	}
	return out
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
