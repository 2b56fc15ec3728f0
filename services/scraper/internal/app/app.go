package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/catalog"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/queue"
	"github.com/shahmir-m/liber/pkg/storage"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/services/scraper/internal/extract"
	"github.com/shahmir-m/liber/services/scraper/internal/fetcher"
)

const (
	defaultMaxReviews    = 10
	summaryMaxTokens     = 400
	summaryReviewChars   = 600
	summaryReviewsBudget = 6000
)

// Source is one review site. URLTemplate may contain {query} (title and first
// author) and {isbn} (13 digits, empty for work ids).
type Source struct {
	Name        string
	URLTemplate string
}

// PageFetcher downloads one page.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// SummaryEmbedder writes the versioned review-summary vector and advances the
// index revision.
type SummaryEmbedder interface {
	EmbedReviewSummary(ctx context.Context, bookID, summary string) ([]float32, error)
}

// Jobs is the scrape queue surface the service needs.
type Jobs interface {
	Enqueue(ctx context.Context, bookID string) (queue.ScrapeJob, bool, error)
	Requeue(ctx context.Context, bookID string) (queue.ScrapeJob, bool, error)
	GetJob(ctx context.Context, jobID string) (queue.ScrapeJob, bool, error)
	JobForBook(ctx context.Context, bookID string) (queue.ScrapeJob, bool, error)
	Start(ctx context.Context, concurrency int, handler queue.Handler)
}

// FetchObserver counts page fetch outcomes.
type FetchObserver interface {
	ScrapeFetch(kind string)
}

type Config struct {
	Books      store.MetadataStore
	Objects    storage.ObjectStore
	Fetcher    PageFetcher
	Summarizer ai.TextGenerator
	Embeddings SummaryEmbedder
	Jobs       Jobs
	Observer   FetchObserver
	Sources    []Source
	MaxReviews int
}

// App runs scrape jobs: fetch, extract, store, summarize, embed.
type App struct {
	books      store.MetadataStore
	objects    storage.ObjectStore
	fetcher    PageFetcher
	summarizer ai.TextGenerator
	embeddings SummaryEmbedder
	jobs       Jobs
	observer   FetchObserver
	sources    []Source
	maxReviews int
	now        func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Books == nil {
		return nil, errors.New("metadata store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if cfg.Summarizer == nil {
		return nil, errors.New("summarizer required")
	}
	if cfg.Embeddings == nil {
		return nil, errors.New("embedding service required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job queue required")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one review source required")
	}
	for _, src := range cfg.Sources {
		if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(src.URLTemplate) == "" {
			return nil, errors.New("review source requires name and urlTemplate")
		}
	}
	maxReviews := cfg.MaxReviews
	if maxReviews <= 0 {
		maxReviews = defaultMaxReviews
	}
	return &App{
		books:      cfg.Books,
		objects:    cfg.Objects,
		fetcher:    cfg.Fetcher,
		summarizer: cfg.Summarizer,
		embeddings: cfg.Embeddings,
		jobs:       cfg.Jobs,
		observer:   cfg.Observer,
		sources:    cfg.Sources,
		maxReviews: maxReviews,
		now:        time.Now,
	}, nil
}

// Enqueue schedules a scrape for a known book. It is idempotent per book while
// a job is live, and a recently dead-lettered job is returned instead of being
// retried.
func (a *App) Enqueue(ctx context.Context, bookID string) (queue.ScrapeJob, error) {
	return a.enqueue(ctx, bookID, false)
}

// Requeue is the operator path: a dead-lettered book is scheduled again at once.
func (a *App) Requeue(ctx context.Context, bookID string) (queue.ScrapeJob, error) {
	return a.enqueue(ctx, bookID, true)
}

func (a *App) enqueue(ctx context.Context, bookID string, force bool) (queue.ScrapeJob, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return queue.ScrapeJob{}, domain.InvalidInput("bookId required")
	}
	if _, ok, err := a.books.GetBook(ctx, bookID); err != nil {
		return queue.ScrapeJob{}, fmt.Errorf("lookup book: %w", err)
	} else if !ok {
		return queue.ScrapeJob{}, domain.NotFound("book %s not found", bookID)
	}
	enqueue := a.jobs.Enqueue
	if force {
		enqueue = a.jobs.Requeue
	}
	job, created, err := enqueue(ctx, bookID)
	if err != nil {
		return queue.ScrapeJob{}, err
	}
	util.LoggerFromContext(ctx).Info("scrape_job_enqueue", "job_id", job.ID, "book_id", bookID,
		"created", created, "requeue", force, "status", job.Status)
	return job, nil
}

// JobForBook returns the job currently indexed for a book.
func (a *App) JobForBook(ctx context.Context, bookID string) (queue.ScrapeJob, error) {
	job, ok, err := a.jobs.JobForBook(ctx, strings.TrimSpace(bookID))
	if err != nil {
		return queue.ScrapeJob{}, err
	}
	if !ok {
		return queue.ScrapeJob{}, domain.NotFound("no scrape job for book %s", bookID)
	}
	return job, nil
}

// GetJob returns a job by id.
func (a *App) GetJob(ctx context.Context, jobID string) (queue.ScrapeJob, error) {
	job, ok, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return queue.ScrapeJob{}, err
	}
	if !ok {
		return queue.ScrapeJob{}, domain.NotFound("job %s not found", jobID)
	}
	return job, nil
}

// Start runs the worker pool until ctx is cancelled.
func (a *App) Start(ctx context.Context, concurrency int) {
	a.jobs.Start(ctx, concurrency, a.HandleJob)
}

// jobError marks failures that are not fetch errors but should not be retried.
type jobError struct {
	kind string
	err  error
}

func (e *jobError) Error() string     { return e.kind + ": " + e.err.Error() }
func (e *jobError) Unwrap() error     { return e.err }
func (e *jobError) ErrorKind() string { return e.kind }
func (e *jobError) Permanent() bool   { return true }

// HandleJob runs one attempt for a book. Reviews already stored survive a
// failed attempt, so a retry only repeats the missing steps.
func (a *App) HandleJob(ctx context.Context, job queue.ScrapeJob) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "book_id", job.BookID, "attempt", job.Attempts)
	ctx = util.ContextWithLogger(ctx, logger)

	book, ok, err := a.books.GetBook(ctx, job.BookID)
	if err != nil {
		return fmt.Errorf("lookup book: %w", err)
	}
	if !ok {
		return &jobError{kind: "book_not_found", err: fmt.Errorf("book %s not found", job.BookID)}
	}

	count, err := a.books.CountReviews(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("count reviews: %w", err)
	}
	if count >= a.maxReviews {
		logger.Info("scrape_cap_reached", "reviews", count)
	} else if err := a.collect(ctx, book); err != nil {
		return err
	}

	if strings.TrimSpace(book.ReviewSummary) != "" && count >= a.maxReviews {
		return nil
	}
	return a.summarize(ctx, book)
}

// collect fetches every source and stores what it finds. It fails only when
// no source produced a review.
func (a *App) collect(ctx context.Context, book domain.Book) error {
	logger := util.LoggerFromContext(ctx)
	var (
		found     []domain.Review
		transient error
		permanent error
	)
	for _, src := range a.sources {
		pageURL := expandTemplate(src.URLTemplate, book)
		page, err := a.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.observe(queue.ErrorKind(err))
			logger.Warn("scrape_fetch_failed", "source", src.Name, "error_kind", queue.ErrorKind(err), "err", err)
			if queue.IsPermanent(err) {
				permanent = err
			} else {
				transient = err
			}
			continue
		}
		a.observe("ok")

		scrapedAt := a.now().UTC()
		rawKey := storage.RawReviewKey(book.ID, src.Name, scrapedAt)
		if err := a.objects.Put(ctx, rawKey, bytes.NewReader(page), int64(len(page)), "text/html"); err != nil {
			transient = fmt.Errorf("store raw page: %w", err)
			logger.Warn("scrape_raw_store_failed", "source", src.Name, "err", err)
			continue
		}
		texts, err := extract.Reviews(page, a.maxReviews)
		if err != nil || len(texts) == 0 {
			permanent = fetcher.NewEmptyError(pageURL)
			logger.Info("scrape_no_reviews", "source", src.Name, "raw_key", rawKey)
			continue
		}
		for _, text := range texts {
			found = append(found, domain.Review{
				ID:        extract.ReviewID(book.ID, src.Name, text),
				BookID:    book.ID,
				Source:    src.Name,
				Text:      text,
				RawKey:    rawKey,
				Status:    domain.ReviewPreprocessed,
				ScrapedAt: scrapedAt,
			})
		}
	}

	if len(found) == 0 {
		existing, err := a.books.CountReviews(ctx, book.ID)
		if err == nil && existing > 0 && transient == nil {
			// Older reviews can still be summarized.
			return nil
		}
		if transient != nil {
			return transient
		}
		if permanent != nil {
			return permanent
		}
		return fetcher.NewEmptyError(book.ID)
	}
	kept, err := a.books.SaveReviews(ctx, book.ID, found, a.maxReviews)
	if err != nil {
		return fmt.Errorf("save reviews: %w", err)
	}
	logger.Info("scrape_reviews_saved", "found", len(found), "kept", kept)
	return nil
}

func (a *App) summarize(ctx context.Context, book domain.Book) error {
	logger := util.LoggerFromContext(ctx)
	reviews, err := a.books.ListReviews(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	if len(reviews) == 0 {
		return fetcher.NewEmptyError(book.ID)
	}

	completion, err := a.summarizer.GenerateText(ctx, summaryPrompt(book, reviews))
	if err != nil {
		return fmt.Errorf("summarize reviews: %w", err)
	}
	summary := strings.TrimSpace(completion.Text)
	if summary == "" {
		return fmt.Errorf("summarize reviews: %w", &ai.CapabilityError{Provider: completion.Model, Reason: ai.ReasonMalformedOutput, Err: errors.New("empty summary")})
	}
	if err := a.books.SetReviewStatus(ctx, book.ID, domain.ReviewSummarized); err != nil {
		return fmt.Errorf("mark reviews summarized: %w", err)
	}
	if err := a.books.SetReviewSummary(ctx, book.ID, summary); err != nil {
		return fmt.Errorf("save review summary: %w", err)
	}
	if _, err := a.embeddings.EmbedReviewSummary(ctx, book.ID, summary); err != nil {
		return fmt.Errorf("embed review summary: %w", err)
	}
	if err := a.books.SetReviewStatus(ctx, book.ID, domain.ReviewEmbedded); err != nil {
		return fmt.Errorf("mark reviews embedded: %w", err)
	}
	logger.Info("review_summary_embedded", "reviews", len(reviews), "summary_len", len(summary))
	return nil
}

func summaryPrompt(book domain.Book, reviews []domain.Review) ai.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Book: %s", book.Title)
	if len(book.Authors) > 0 {
		fmt.Fprintf(&b, " by %s", strings.Join(book.Authors, ", "))
	}
	b.WriteString("\n\nReader reviews:\n")
	used := 0
	for i, r := range reviews {
		text := clipRunes(r.Text, summaryReviewChars)
		if used+len(text) > summaryReviewsBudget {
			break
		}
		used += len(text)
		fmt.Fprintf(&b, "%d. %s\n", i+1, text)
	}
	b.WriteString("\nSummarize what readers say about this book in 3-4 sentences: tone, themes, what they liked and disliked. Do not quote reviewers or name them.")
	return ai.Prompt{
		System:    "You summarize reader reviews of books. Return plain text only.",
		User:      b.String(),
		MaxTokens: summaryMaxTokens,
	}
}

func expandTemplate(tmpl string, book domain.Book) string {
	query := book.Title
	if len(book.Authors) > 0 {
		query += " " + book.Authors[0]
	}
	isbn := ""
	if scheme, value, err := catalog.ParseID(book.ID); err == nil && scheme == "isbn" {
		isbn = value
	}
	return strings.NewReplacer(
		"{query}", url.QueryEscape(strings.TrimSpace(query)),
		"{isbn}", isbn,
	).Replace(tmpl)
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (a *App) observe(kind string) {
	if a.observer != nil {
		a.observer.ScrapeFetch(kind)
	}
}
