// Package embedding keeps book and review-summary vectors current for one
// model version. A stored vector is reused only while its fingerprint matches
// the owner's current fingerprint; otherwise it is regenerated.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/pkg/telemetry"
)

const (
	maxSubjects       = 10
	maxDescriptionLen = 500

	taskDocument = "RETRIEVAL_DOCUMENT"
)

// RevisionBumper advances the index revision after vector writes.
type RevisionBumper interface {
	BumpRevision(ctx context.Context) (int64, error)
}

type Config struct {
	Embedder     ai.Embedder
	Vectors      store.VectorStore
	Cache        cache.Cache
	Revisions    RevisionBumper
	ModelVersion string
	CacheTTL     time.Duration
}

type Service struct {
	embedder     ai.Embedder
	vectors      store.VectorStore
	cache        cache.Cache
	revisions    RevisionBumper
	modelVersion string
	cacheTTL     time.Duration
	group        singleflight.Group
}

func New(cfg Config) (*Service, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	if cfg.Vectors == nil {
		return nil, errors.New("vector store required")
	}
	if strings.TrimSpace(cfg.ModelVersion) == "" {
		return nil, errors.New("model version required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		embedder:     cfg.Embedder,
		vectors:      cfg.Vectors,
		cache:        cfg.Cache,
		revisions:    cfg.Revisions,
		modelVersion: cfg.ModelVersion,
		cacheTTL:     ttl,
	}, nil
}

func (s *Service) ModelVersion() string { return s.modelVersion }

type cachedVector struct {
	Vector      []float32 `json:"vector"`
	Fingerprint string    `json:"fingerprint"`
}

// EnsureBook returns a current vector for the book's metadata, embedding it
// just in time when it is missing or stale. Concurrent calls for the same book
// share one model call.
func (s *Service) EnsureBook(ctx context.Context, b domain.Book) ([]float32, error) {
	fp := b.Fingerprint
	if fp == "" {
		fp = domain.Fingerprint(b)
	}
	owner := domain.Owner{Type: domain.OwnerBook, ID: b.ID}
	return s.ensure(ctx, owner, fp, func() string { return BookText(b) })
}

// EnsureBooks brings every book's metadata vector current with one batched
// model call for the missing or stale ones. It returns how many were embedded.
// The index revision is bumped once for the whole batch.
func (s *Service) EnsureBooks(ctx context.Context, books []domain.Book) (int, error) {
	rec := telemetry.FromContext(ctx)
	var (
		stale []domain.Book
		fps   []string
		texts []string
	)
	for _, b := range books {
		fp := b.Fingerprint
		if fp == "" {
			fp = domain.Fingerprint(b)
		}
		owner := domain.Owner{Type: domain.OwnerBook, ID: b.ID}
		existing, ok, err := s.vectors.GetEmbedding(ctx, owner, s.modelVersion)
		if err != nil {
			return 0, fmt.Errorf("load embedding %s: %w", owner, err)
		}
		if ok && existing.Fingerprint == fp {
			rec.EmbeddingHit()
			continue
		}
		rec.EmbeddingMiss()
		stale = append(stale, b)
		fps = append(fps, fp)
		texts = append(texts, BookText(b))
	}
	if len(stale) == 0 {
		return 0, nil
	}
	vectors, err := ai.EmbedBatch(ctx, s.embedder, texts, taskDocument)
	if err != nil {
		return 0, fmt.Errorf("embed batch of %d: %w", len(texts), err)
	}
	if len(vectors) != len(stale) {
		return 0, fmt.Errorf("embed batch returned %d vectors for %d texts", len(vectors), len(stale))
	}
	now := time.Now().UTC()
	written := 0
	for i, b := range stale {
		owner := domain.Owner{Type: domain.OwnerBook, ID: b.ID}
		if err := s.vectors.UpsertEmbedding(ctx, domain.Embedding{
			Owner:        owner,
			Vector:       vectors[i],
			ModelVersion: s.modelVersion,
			Fingerprint:  fps[i],
			UpdatedAt:    now,
		}); err != nil {
			if written > 0 {
				s.bumpRevision(ctx)
			}
			return written, fmt.Errorf("upsert embedding %s: %w", owner, err)
		}
		s.writeCache(ctx, cache.EmbeddingKey(owner, s.modelVersion), vectors[i], fps[i])
		written++
	}
	s.bumpRevision(ctx)
	return written, nil
}

// EmbedReviewSummary writes the versioned vector for a book's review summary.
func (s *Service) EmbedReviewSummary(ctx context.Context, bookID, summary string) ([]float32, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("review summary for %s is empty", bookID)
	}
	owner := domain.Owner{Type: domain.OwnerReviewSummary, ID: bookID}
	return s.ensure(ctx, owner, domain.TextFingerprint(summary), func() string { return summary })
}

func (s *Service) ensure(ctx context.Context, owner domain.Owner, fp string, text func() string) ([]float32, error) {
	rec := telemetry.FromContext(ctx)
	key := cache.EmbeddingKey(owner, s.modelVersion)

	if s.cache != nil {
		var cv cachedVector
		ok, err := s.cache.Get(ctx, key, &cv)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("embedding_cache_get_failed", "owner", owner.String(), "err", err)
		}
		if ok && cv.Fingerprint == fp && len(cv.Vector) > 0 {
			rec.CacheHit("emb")
			rec.EmbeddingHit()
			return cv.Vector, nil
		}
		rec.CacheMiss("emb")
	}

	v, err, _ := s.group.Do(key+":"+fp, func() (any, error) {
		existing, ok, err := s.vectors.GetEmbedding(ctx, owner, s.modelVersion)
		if err != nil {
			return nil, fmt.Errorf("load embedding %s: %w", owner, err)
		}
		if ok && existing.Fingerprint == fp {
			rec.EmbeddingHit()
			s.writeCache(ctx, key, existing.Vector, fp)
			return existing.Vector, nil
		}
		rec.EmbeddingMiss()
		vec, err := s.embedder.EmbedText(ctx, text(), taskDocument)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", owner, err)
		}
		if err := s.vectors.UpsertEmbedding(ctx, domain.Embedding{
			Owner:        owner,
			Vector:       vec,
			ModelVersion: s.modelVersion,
			Fingerprint:  fp,
			UpdatedAt:    time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("upsert embedding %s: %w", owner, err)
		}
		s.writeCache(ctx, key, vec, fp)
		s.bumpRevision(ctx)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *Service) writeCache(ctx context.Context, key string, vec []float32, fp string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, cachedVector{Vector: vec, Fingerprint: fp}, s.cacheTTL); err != nil {
		util.LoggerFromContext(ctx).Warn("embedding_cache_set_failed", "key", key, "err", err)
	}
}

func (s *Service) bumpRevision(ctx context.Context) {
	if s.revisions == nil {
		return
	}
	if _, err := s.revisions.BumpRevision(ctx); err != nil {
		util.LoggerFromContext(ctx).Warn("index_revision_bump_failed", "err", err)
	}
}

// BookText is the text embedded for a book's metadata.
func BookText(b domain.Book) string {
	parts := []string{"Title: " + strings.TrimSpace(b.Title)}
	if len(b.Authors) > 0 {
		parts = append(parts, "Authors: "+strings.Join(b.Authors, ", "))
	}
	if len(b.Subjects) > 0 {
		subjects := b.Subjects
		if len(subjects) > maxSubjects {
			subjects = subjects[:maxSubjects]
		}
		parts = append(parts, "Subjects: "+strings.Join(subjects, ", "))
	}
	if d := strings.TrimSpace(b.Description); d != "" {
		parts = append(parts, "Description: "+truncateRunes(d, maxDescriptionLen))
	}
	return strings.Join(parts, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
