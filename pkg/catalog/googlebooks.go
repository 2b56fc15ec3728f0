package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shahmir-m/liber/pkg/domain"
)

const DefaultGoogleBooksURL = "https://www.googleapis.com/books/v1"

// GoogleBooks is the fallback source. It only resolves ISBN ids; work ids are
// Open Library specific.
type GoogleBooks struct {
	httpSource
	baseURL string
	apiKey  string
}

func NewGoogleBooks(baseURL, apiKey string) *GoogleBooks {
	if baseURL == "" {
		baseURL = DefaultGoogleBooksURL
	}
	return &GoogleBooks{
		httpSource: newHTTPSource(500*time.Millisecond, 5),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
	}
}

func (c *GoogleBooks) Name() string { return "googlebooks" }

type gbResponse struct {
	TotalItems int      `json:"totalItems"`
	Items      []gbItem `json:"items"`
}

type gbItem struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Authors             []string `json:"authors"`
		Categories          []string `json:"categories"`
		Description         string   `json:"description"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
	} `json:"volumeInfo"`
}

func (c *GoogleBooks) FetchMetadata(ctx context.Context, id string) (domain.Book, error) {
	scheme, value, err := ParseID(id)
	if err != nil {
		return domain.Book{}, domain.InvalidInput("%v", err)
	}
	if scheme != "isbn" {
		return domain.Book{}, domain.NotFound("googlebooks cannot resolve %s", id)
	}
	items, err := c.volumes(ctx, "isbn:"+value, 1)
	if err != nil {
		return domain.Book{}, err
	}
	if len(items) == 0 {
		return domain.Book{}, domain.NotFound("googlebooks has no record for %s", id)
	}
	b := toBookFromVolume(items[0])
	b.ID = id
	return b, nil
}

func (c *GoogleBooks) Search(ctx context.Context, query string, limit int) ([]domain.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.InvalidInput("query is required")
	}
	if limit <= 0 || limit > 40 {
		limit = 10
	}
	items, err := c.volumes(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(items))
	for _, it := range items {
		b := toBookFromVolume(it)
		if b.ID == "" {
			continue
		}
		books = append(books, b)
	}
	return books, nil
}

func (c *GoogleBooks) volumes(ctx context.Context, query string, limit int) ([]gbItem, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(limit))
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	var resp gbResponse
	if err := c.getJSON(ctx, c.baseURL+"/volumes?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("googlebooks volumes: %w", err)
	}
	return resp.Items, nil
}

func toBookFromVolume(it gbItem) domain.Book {
	info := it.VolumeInfo
	var isbns []string
	for _, ident := range info.IndustryIdentifiers {
		if ident.Type == "ISBN_13" {
			isbns = append(isbns, ident.Identifier)
		}
	}
	subjects := info.Categories
	if len(subjects) > maxSubjects {
		subjects = subjects[:maxSubjects]
	}
	desc := strings.TrimSpace(info.Description)
	if len(desc) > maxDescription {
		desc = desc[:maxDescription]
	}
	return domain.Book{
		ID:          BookID(firstISBN13(isbns), ""),
		Title:       strings.TrimSpace(info.Title),
		Authors:     nonNil(info.Authors),
		Subjects:    nonNil(subjects),
		Description: desc,
	}
}
