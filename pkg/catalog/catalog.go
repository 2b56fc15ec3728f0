// Package catalog fetches clean book metadata from Open Library, falling back
// to Google Books. Each source is paced by its own rate limiter and transient
// failures are retried with backoff.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/shahmir-m/liber/internal/backoff"
	"github.com/shahmir-m/liber/pkg/domain"
)

// Fetcher resolves a book id to a metadata record.
type Fetcher interface {
	FetchMetadata(ctx context.Context, id string) (domain.Book, error)
}

// Searcher finds books by free text; used by the seeder only.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Book, error)
}

// Source is one upstream catalog.
type Source interface {
	Fetcher
	Searcher
	Name() string
}

// Chain tries sources in order. A source answering not-found passes to the
// next one; the first record found wins.
type Chain struct {
	sources []Source
	logger  *slog.Logger
}

func NewChain(logger *slog.Logger, sources ...Source) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{sources: sources, logger: logger}
}

// FetchMetadata fails with domain.ErrNotFound when no source knows the id and
// with domain.ErrUpstreamUnavailable when a source failed and none found it.
func (c *Chain) FetchMetadata(ctx context.Context, id string) (domain.Book, error) {
	if _, _, err := ParseID(id); err != nil {
		return domain.Book{}, domain.InvalidInput("%v", err)
	}
	var lastErr error
	for _, src := range c.sources {
		b, err := src.FetchMetadata(ctx, id)
		if err == nil {
			return finalize(b), nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return domain.Book{}, ctx.Err()
		}
		c.logger.Warn("catalog_source_failed", "source", src.Name(), "book_id", id, "err", err)
		lastErr = err
	}
	if lastErr != nil {
		return domain.Book{}, domain.UpstreamUnavailable(lastErr, "catalog unavailable for %s", id)
	}
	return domain.Book{}, domain.NotFound("book %s not found in any catalog", id)
}

// Search returns results from the first source that has any.
func (c *Chain) Search(ctx context.Context, query string, limit int) ([]domain.Book, error) {
	var lastErr error
	for _, src := range c.sources {
		books, err := src.Search(ctx, query, limit)
		if err != nil {
			c.logger.Warn("catalog_search_failed", "source", src.Name(), "query", query, "err", err)
			lastErr = err
			continue
		}
		if len(books) > 0 {
			for i := range books {
				books[i] = finalize(books[i])
			}
			return books, nil
		}
	}
	if lastErr != nil {
		return nil, domain.UpstreamUnavailable(lastErr, "catalog search failed")
	}
	return nil, nil
}

func finalize(b domain.Book) domain.Book {
	b.Available = true
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	b.Fingerprint = domain.Fingerprint(b)
	return b
}

// httpSource holds what every upstream client shares.
type httpSource struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retry       backoff.Policy
	attempts    int
}

func newHTTPSource(interval time.Duration, burst int) httpSource {
	return httpSource{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(interval), burst),
		retry:       backoff.Policy{Base: time.Second, Cap: 10 * time.Second},
		attempts:    3,
	}
}

type statusError struct {
	status int
	url    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.url, e.status)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// getJSON waits for the limiter, fetches url and decodes into out, retrying
// transient failures. A 404 yields domain.ErrNotFound.
func (s *httpSource) getJSON(ctx context.Context, url string, out any) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		err = s.getOnce(ctx, url, out)
		if err == nil || errors.Is(err, domain.ErrNotFound) || !retryable(err) || attempt == s.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retry.Delay(attempt)):
		}
	}
	return err
}

func (s *httpSource) getOnce(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "liber/1.0 (book recommendations)")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.NotFound("not found upstream")
	}
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{status: resp.StatusCode, url: req.URL.Redacted()}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
