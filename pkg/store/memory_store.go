package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shahmir-m/liber/pkg/domain"
)

// MemoryStore keeps books, reviews and embeddings in-process. Similarity
// queries are brute-force cosine, which is fine for tests and small catalogs.
type MemoryStore struct {
	mu         sync.RWMutex
	books      map[string]domain.Book
	order      []string
	reviews    map[string][]domain.Review
	embeddings map[embeddingKey]domain.Embedding
}

type embeddingKey struct {
	ownerType    domain.OwnerType
	ownerID      string
	modelVersion string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:      make(map[string]domain.Book),
		reviews:    make(map[string][]domain.Review),
		embeddings: make(map[embeddingKey]domain.Embedding),
	}
}

func (m *MemoryStore) SaveBook(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.books[b.ID]
	if !exists {
		m.order = append(m.order, b.ID)
	} else {
		b.ReviewSummary = existing.ReviewSummary
		b.CreatedAt = existing.CreatedAt
	}
	m.books[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) GetBooks(_ context.Context, ids []string) (map[string]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Book, len(ids))
	for _, id := range ids {
		if b, ok := m.books[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

// ListBooks returns books newest first.
func (m *MemoryStore) ListBooks(_ context.Context, limit, offset int) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	res := make([]domain.Book, 0, min(limit, len(m.order)))
	for i := len(m.order) - 1 - offset; i >= 0 && len(res) < limit; i-- {
		res = append(res, m.books[m.order[i]])
	}
	return res, nil
}

func (m *MemoryStore) SetReviewSummary(_ context.Context, bookID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return fmt.Errorf("book %s not found", bookID)
	}
	b.ReviewSummary = summary
	b.UpdatedAt = time.Now().UTC()
	m.books[bookID] = b
	return nil
}

func (m *MemoryStore) CountReviews(_ context.Context, bookID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reviews[bookID]), nil
}

func (m *MemoryStore) SaveReviews(_ context.Context, bookID string, reviews []domain.Review, max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("review cap must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.reviews[bookID]
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.ID] = true
	}
	for _, r := range reviews {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		r.BookID = bookID
		existing = append(existing, r)
	}
	sortNewestFirst(existing)
	if len(existing) > max {
		existing = existing[:max]
	}
	m.reviews[bookID] = existing
	return len(existing), nil
}

func (m *MemoryStore) ListReviews(_ context.Context, bookID string) ([]domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Review(nil), m.reviews[bookID]...), nil
}

func (m *MemoryStore) SetReviewStatus(_ context.Context, bookID string, status domain.ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reviews[bookID] {
		m.reviews[bookID][i].Status = status
	}
	return nil
}

func (m *MemoryStore) UpsertEmbedding(_ context.Context, e domain.Embedding) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	e.Vector = append([]float32(nil), e.Vector...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[embeddingKey{e.Owner.Type, e.Owner.ID, e.ModelVersion}] = e
	return nil
}

func (m *MemoryStore) GetEmbedding(_ context.Context, owner domain.Owner, modelVersion string) (domain.Embedding, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.embeddings[embeddingKey{owner.Type, owner.ID, modelVersion}]
	return e, ok, nil
}

func (m *MemoryStore) Query(ctx context.Context, vector []float32, k int, filter QueryFilter) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	types := make(map[domain.OwnerType]bool, len(filter.OwnerTypes))
	for _, t := range filter.OwnerTypes {
		types[t] = true
	}
	excluded := make(map[string]bool, len(filter.ExcludeOwnerIDs))
	for _, id := range filter.ExcludeOwnerIDs {
		excluded[id] = true
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.embeddings))
	for key, e := range m.embeddings {
		if key.modelVersion != filter.ModelVersion || excluded[key.ownerID] {
			continue
		}
		if len(types) > 0 && !types[key.ownerType] {
			continue
		}
		if filter.AvailableOnly {
			if b, ok := m.books[key.ownerID]; !ok || !b.Available {
				continue
			}
		}
		if len(e.Vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{Owner: e.Owner, Score: cosine(vector, e.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Owner.ID != hits[j].Owner.ID {
			return hits[i].Owner.ID < hits[j].Owner.ID
		}
		return hits[i].Owner.Type < hits[j].Owner.Type
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortNewestFirst(reviews []domain.Review) {
	sort.SliceStable(reviews, func(i, j int) bool {
		if !reviews[i].ScrapedAt.Equal(reviews[j].ScrapedAt) {
			return reviews[i].ScrapedAt.After(reviews[j].ScrapedAt)
		}
		return reviews[i].ID > reviews[j].ID
	})
}
