package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/shahmir-m/liber/pkg/domain"
)

const migrateLockID int64 = 51423001

// GormStore implements Store using GORM + Postgres + pgvector.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&BookModel{}, &ReviewModel{}, &EmbeddingModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'review_models'
					AND constraint_name = 'review_models_book_id_fkey'
				) THEN
					DELETE FROM review_models r
					WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = r.book_id);
					ALTER TABLE review_models
					ADD CONSTRAINT review_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure review foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveBook inserts or updates catalog fields. The review summary is owned by
// the scrape worker and is left untouched on update.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "authors", "subjects", "description", "work_key", "available", "fingerprint", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (s *GormStore) GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error) {
	out := make(map[string]domain.Book, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []BookModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.ID] = bookFromModel(m)
	}
	return out, nil
}

// ListBooks pages through books newest first.
func (s *GormStore) ListBooks(ctx context.Context, limit, offset int) ([]domain.Book, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []BookModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SetReviewSummary(ctx context.Context, bookID, summary string) error {
	return s.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ?", bookID).
		Updates(map[string]any{
			"review_summary": summary,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (s *GormStore) CountReviews(ctx context.Context, bookID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ReviewModel{}).Where("book_id = ?", bookID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveReviews inserts reviews (ignoring ids already stored) and deletes
// everything beyond the newest max for the book in the same transaction.
func (s *GormStore) SaveReviews(ctx context.Context, bookID string, reviews []domain.Review, max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("review cap must be positive")
	}
	var kept int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(reviews) > 0 {
			models := make([]ReviewModel, 0, len(reviews))
			for _, r := range reviews {
				m := reviewToModel(r)
				m.BookID = bookID
				models = append(models, m)
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&models, 100).Error; err != nil {
				return err
			}
		}
		if err := tx.Exec(`
			DELETE FROM review_models
			WHERE book_id = ? AND id NOT IN (
				SELECT id FROM review_models
				WHERE book_id = ?
				ORDER BY scraped_at DESC, id DESC
				LIMIT ?
			)`, bookID, bookID, max).Error; err != nil {
			return err
		}
		return tx.Model(&ReviewModel{}).Where("book_id = ?", bookID).Count(&kept).Error
	})
	if err != nil {
		return 0, err
	}
	return int(kept), nil
}

// ListReviews returns reviews newest first.
func (s *GormStore) ListReviews(ctx context.Context, bookID string) ([]domain.Review, error) {
	var models []ReviewModel
	if err := s.db.WithContext(ctx).Where("book_id = ?", bookID).
		Order("scraped_at DESC").Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Review, 0, len(models))
	for _, m := range models {
		res = append(res, reviewFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SetReviewStatus(ctx context.Context, bookID string, status domain.ReviewStatus) error {
	return s.db.WithContext(ctx).Model(&ReviewModel{}).
		Where("book_id = ?", bookID).
		Update("status", string(status)).Error
}

// UpsertEmbedding writes the vector for (owner, model version). Concurrent
// writers converge because the value is a pure function of the inputs.
func (s *GormStore) UpsertEmbedding(ctx context.Context, e domain.Embedding) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	model := EmbeddingModel{
		OwnerType:    string(e.Owner.Type),
		OwnerID:      e.Owner.ID,
		ModelVersion: e.ModelVersion,
		Vector:       pgvector.NewVector(e.Vector),
		Fingerprint:  e.Fingerprint,
		UpdatedAt:    e.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_type"}, {Name: "owner_id"}, {Name: "model_version"}},
		DoUpdates: clause.AssignmentColumns([]string{"vector", "fingerprint", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetEmbedding(ctx context.Context, owner domain.Owner, modelVersion string) (domain.Embedding, bool, error) {
	var model EmbeddingModel
	err := s.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ? AND model_version = ?", string(owner.Type), owner.ID, modelVersion).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Embedding{}, false, nil
		}
		return domain.Embedding{}, false, err
	}
	return domain.Embedding{
		Owner:        owner,
		Vector:       model.Vector.Slice(),
		ModelVersion: model.ModelVersion,
		Fingerprint:  model.Fingerprint,
		UpdatedAt:    model.UpdatedAt,
	}, true, nil
}

// Query finds the nearest embeddings by cosine distance.
func (s *GormStore) Query(ctx context.Context, vector []float32, k int, filter QueryFilter) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if strings.TrimSpace(filter.ModelVersion) == "" {
		return nil, fmt.Errorf("query model version is required")
	}
	vec := pgvector.NewVector(vector)
	q := s.db.WithContext(ctx).Table("embedding_models AS e").
		Select("e.owner_type, e.owner_id, e.vector <=> ? AS distance", vec).
		Where("e.model_version = ?", filter.ModelVersion)
	if len(filter.OwnerTypes) > 0 {
		types := make([]string, 0, len(filter.OwnerTypes))
		for _, t := range filter.OwnerTypes {
			types = append(types, string(t))
		}
		q = q.Where("e.owner_type IN ?", types)
	}
	if len(filter.ExcludeOwnerIDs) > 0 {
		q = q.Where("e.owner_id NOT IN ?", filter.ExcludeOwnerIDs)
	}
	if filter.AvailableOnly {
		q = q.Joins("JOIN book_models b ON b.id = e.owner_id AND b.available")
	}
	var rows []struct {
		OwnerType string
		OwnerID   string
		Distance  float64
	}
	if err := q.Order("distance ASC").Order("e.owner_id ASC").Order("e.owner_type ASC").
		Limit(k).Scan(&rows).Error; err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, Hit{
			Owner: domain.Owner{Type: domain.OwnerType(r.OwnerType), ID: r.OwnerID},
			Score: 1 - r.Distance,
		})
	}
	return hits, nil
}

func bookToModel(b domain.Book) BookModel {
	authors, _ := json.Marshal(nonNil(b.Authors))
	subjects, _ := json.Marshal(nonNil(b.Subjects))
	return BookModel{
		ID:            b.ID,
		Title:         b.Title,
		Authors:       authors,
		Subjects:      subjects,
		Description:   b.Description,
		WorkKey:       b.WorkKey,
		Available:     b.Available,
		ReviewSummary: b.ReviewSummary,
		Fingerprint:   b.Fingerprint,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	var authors, subjects []string
	if len(m.Authors) > 0 {
		_ = json.Unmarshal(m.Authors, &authors)
	}
	if len(m.Subjects) > 0 {
		_ = json.Unmarshal(m.Subjects, &subjects)
	}
	return domain.Book{
		ID:            m.ID,
		Title:         m.Title,
		Authors:       authors,
		Subjects:      subjects,
		Description:   m.Description,
		WorkKey:       m.WorkKey,
		Available:     m.Available,
		ReviewSummary: m.ReviewSummary,
		Fingerprint:   m.Fingerprint,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func reviewToModel(r domain.Review) ReviewModel {
	return ReviewModel{
		ID:        r.ID,
		BookID:    r.BookID,
		Source:    r.Source,
		Text:      r.Text,
		RawKey:    r.RawKey,
		Status:    string(r.Status),
		ScrapedAt: r.ScrapedAt,
	}
}

func reviewFromModel(m ReviewModel) domain.Review {
	return domain.Review{
		ID:        m.ID,
		BookID:    m.BookID,
		Source:    m.Source,
		Text:      m.Text,
		RawKey:    m.RawKey,
		Status:    domain.ReviewStatus(m.Status),
		ScrapedAt: m.ScrapedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
