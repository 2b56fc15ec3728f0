// Package retriever turns a taste profile into a bounded, de-duplicated
// candidate set ordered by similarity.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/store"
)

const defaultOverFetch = 3

type Config struct {
	Books   store.MetadataStore
	Vectors store.VectorStore
	// OverFetch multiplies n to leave room for post-filtering.
	OverFetch int
}

type Retriever struct {
	books     store.MetadataStore
	vectors   store.VectorStore
	overFetch int
	now       func() time.Time
}

func New(cfg Config) (*Retriever, error) {
	if cfg.Books == nil || cfg.Vectors == nil {
		return nil, errors.New("metadata and vector stores required")
	}
	of := cfg.OverFetch
	if of < 1 {
		of = defaultOverFetch
	}
	return &Retriever{books: cfg.Books, vectors: cfg.Vectors, overFetch: of, now: time.Now}, nil
}

// Retrieve returns at most n candidates by score desc, then book id asc.
// When fewer than n survive filtering the set is still returned together with
// a domain.ErrInsufficientCandidates error.
func (r *Retriever) Retrieve(ctx context.Context, profile domain.TasteProfile, n int) (domain.CandidateSet, error) {
	set := domain.CandidateSet{ProfileKey: profile.Key, N: n, Candidates: []domain.Candidate{}}
	if n <= 0 {
		return set, domain.InvalidInput("n must be positive")
	}
	hits, err := r.vectors.Query(ctx, profile.Vector, n*r.overFetch, store.QueryFilter{
		ModelVersion:    profile.ModelVersion,
		OwnerTypes:      []domain.OwnerType{domain.OwnerBook, domain.OwnerReviewSummary},
		ExcludeOwnerIDs: profile.BookIDs,
		AvailableOnly:   true,
	})
	if err != nil {
		return set, fmt.Errorf("vector query: %w", err)
	}

	// A book can match through its metadata and its review summary.
	best := make(map[string]float64, len(hits))
	for _, h := range hits {
		if s, ok := best[h.Owner.ID]; !ok || h.Score > s {
			best[h.Owner.ID] = h.Score
		}
	}
	ids := make([]string, 0, len(best)+len(profile.BookIDs))
	for id := range best {
		ids = append(ids, id)
	}
	ids = append(ids, profile.BookIDs...)
	books, err := r.books.GetBooks(ctx, ids)
	if err != nil {
		return set, fmt.Errorf("load candidates: %w", err)
	}

	favorites := make(map[string]bool, len(profile.BookIDs))
	favoriteWorks := make(map[string]bool, len(profile.BookIDs))
	for _, id := range profile.BookIDs {
		favorites[id] = true
		if b, ok := books[id]; ok {
			favoriteWorks[b.DedupKey()] = true
		}
	}

	byWork := make(map[string]domain.Candidate, len(best))
	for id, score := range best {
		b, ok := books[id]
		if !ok || !b.Available || favorites[id] || favoriteWorks[b.DedupKey()] {
			continue
		}
		c := domain.Candidate{BookID: id, Score: score}
		work := b.DedupKey()
		if cur, ok := byWork[work]; !ok || better(c, cur) {
			byWork[work] = c
		}
	}

	for _, c := range byWork {
		set.Candidates = append(set.Candidates, c)
	}
	sort.Slice(set.Candidates, func(i, j int) bool {
		return better(set.Candidates[i], set.Candidates[j])
	})
	if len(set.Candidates) > n {
		set.Candidates = set.Candidates[:n]
	}
	set.GeneratedAt = r.now().UTC()

	util.LoggerFromContext(ctx).Debug("candidates_retrieved",
		"profile", profile.Key, "hits", len(hits), "kept", len(set.Candidates), "n", n)
	if len(set.Candidates) < n {
		return set, domain.InsufficientCandidates(len(set.Candidates), n)
	}
	return set, nil
}

func better(a, b domain.Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.BookID < b.BookID
}
