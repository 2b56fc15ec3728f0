package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID            string         `gorm:"primaryKey"`
	Title         string         `gorm:"not null"`
	Authors       datatypes.JSON `gorm:"type:jsonb"`
	Subjects      datatypes.JSON `gorm:"type:jsonb"`
	Description   string         `gorm:"type:text"`
	WorkKey       string         `gorm:"index"`
	Available     bool           `gorm:"not null;default:true"`
	ReviewSummary string         `gorm:"type:text"`
	Fingerprint   string         `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

type ReviewModel struct {
	ID        string    `gorm:"primaryKey"`
	BookID    string    `gorm:"not null;index:idx_review_book_scraped,priority:1"`
	Source    string    `gorm:"not null"`
	Text      string    `gorm:"type:text;not null"`
	RawKey    string
	Status    string    `gorm:"not null"`
	ScrapedAt time.Time `gorm:"not null;index:idx_review_book_scraped,priority:2"`
}

// EmbeddingModel rows are unique per (owner, model version). The vector column
// is dimensionless so embeddings from different models can coexist.
type EmbeddingModel struct {
	OwnerType    string          `gorm:"primaryKey"`
	OwnerID      string          `gorm:"primaryKey"`
	ModelVersion string          `gorm:"primaryKey"`
	Vector       pgvector.Vector `gorm:"type:vector;not null"`
	Fingerprint  string          `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`
}
