package store

import (
	"context"

	"github.com/shahmir-m/liber/pkg/domain"
)

// MetadataStore is the durable record of books and their scraped reviews.
type MetadataStore interface {
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	// GetBooks returns the books that exist; unknown ids are absent from the map.
	GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error)
	ListBooks(ctx context.Context, limit, offset int) ([]domain.Book, error)
	SetReviewSummary(ctx context.Context, bookID, summary string) error

	CountReviews(ctx context.Context, bookID string) (int, error)
	// SaveReviews inserts reviews and trims the book to its newest max entries.
	// It returns the number of reviews kept.
	SaveReviews(ctx context.Context, bookID string, reviews []domain.Review, max int) (int, error)
	ListReviews(ctx context.Context, bookID string) ([]domain.Review, error)
	SetReviewStatus(ctx context.Context, bookID string, status domain.ReviewStatus) error
}

// QueryFilter narrows a similarity query.
type QueryFilter struct {
	ModelVersion    string
	OwnerTypes      []domain.OwnerType
	ExcludeOwnerIDs []string
	// AvailableOnly drops owners whose book is unavailable or missing.
	AvailableOnly bool
}

// Hit is one similarity result. Score is cosine similarity in [-1, 1].
type Hit struct {
	Owner domain.Owner
	Score float64
}

// VectorStore is a nearest-neighbour index over embeddings keyed by
// (owner, model version).
type VectorStore interface {
	UpsertEmbedding(ctx context.Context, e domain.Embedding) error
	GetEmbedding(ctx context.Context, owner domain.Owner, modelVersion string) (domain.Embedding, bool, error)
	// Query returns up to k hits ordered by score desc, then owner asc.
	Query(ctx context.Context, vector []float32, k int, filter QueryFilter) ([]Hit, error)
}

// Store is the combined persistence used by both services.
type Store interface {
	MetadataStore
	VectorStore
}
