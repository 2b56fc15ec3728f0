package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shahmir-m/liber/pkg/domain"
)

const (
	DefaultOpenLibraryURL = "https://openlibrary.org"

	searchFields   = "key,title,author_name,subject,isbn,first_publish_year"
	maxSubjects    = 20
	maxDescription = 4000
)

// OpenLibrary is the primary catalog source.
type OpenLibrary struct {
	httpSource
	baseURL string
}

func NewOpenLibrary(baseURL string) *OpenLibrary {
	if baseURL == "" {
		baseURL = DefaultOpenLibraryURL
	}
	return &OpenLibrary{
		httpSource: newHTTPSource(time.Second, 3),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *OpenLibrary) Name() string { return "openlibrary" }

type olSearchResponse struct {
	NumFound int     `json:"numFound"`
	Docs     []olDoc `json:"docs"`
}

type olDoc struct {
	Key        string   `json:"key"`
	Title      string   `json:"title"`
	AuthorName []string `json:"author_name"`
	Subject    []string `json:"subject"`
	ISBN       []string `json:"isbn"`
}

// The works endpoint returns description either as a string or as
// {"type": ..., "value": ...}.
type olText string

func (t *olText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = olText(s)
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = olText(obj.Value)
	return nil
}

type olWork struct {
	Description olText `json:"description"`
}

func (c *OpenLibrary) FetchMetadata(ctx context.Context, id string) (domain.Book, error) {
	scheme, value, err := ParseID(id)
	if err != nil {
		return domain.Book{}, domain.InvalidInput("%v", err)
	}
	q := url.Values{}
	switch scheme {
	case "isbn":
		q.Set("isbn", value)
	case "work":
		q.Set("q", "key:/works/"+value)
	}
	docs, err := c.search(ctx, q, 1)
	if err != nil {
		return domain.Book{}, err
	}
	if len(docs) == 0 {
		return domain.Book{}, domain.NotFound("openlibrary has no record for %s", id)
	}
	b := c.toBook(ctx, docs[0])
	// The caller asked for this id; keep it even when the doc lists other ISBNs.
	b.ID = id
	return b, nil
}

func (c *OpenLibrary) Search(ctx context.Context, query string, limit int) ([]domain.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.InvalidInput("query is required")
	}
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("q", query)
	docs, err := c.search(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(docs))
	for _, d := range docs {
		b := c.toBook(ctx, d)
		if b.ID == "" {
			continue
		}
		books = append(books, b)
	}
	return books, nil
}

func (c *OpenLibrary) search(ctx context.Context, q url.Values, limit int) ([]olDoc, error) {
	q.Set("fields", searchFields)
	q.Set("limit", strconv.Itoa(limit))
	var resp olSearchResponse
	if err := c.getJSON(ctx, c.baseURL+"/search.json?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("openlibrary search: %w", err)
	}
	return resp.Docs, nil
}

func (c *OpenLibrary) toBook(ctx context.Context, d olDoc) domain.Book {
	subjects := d.Subject
	if len(subjects) > maxSubjects {
		subjects = subjects[:maxSubjects]
	}
	return domain.Book{
		ID:          BookID(firstISBN13(d.ISBN), d.Key),
		Title:       strings.TrimSpace(d.Title),
		Authors:     nonNil(d.AuthorName),
		Subjects:    nonNil(subjects),
		Description: c.workDescription(ctx, d.Key),
		WorkKey:     d.Key,
	}
}

// workDescription is best effort: a missing description does not fail the record.
func (c *OpenLibrary) workDescription(ctx context.Context, workKey string) string {
	if !strings.HasPrefix(workKey, "/works/") {
		return ""
	}
	var w olWork
	if err := c.getJSON(ctx, c.baseURL+workKey+".json", &w); err != nil {
		return ""
	}
	desc := strings.TrimSpace(string(w.Description))
	if len(desc) > maxDescription {
		desc = desc[:maxDescription]
	}
	return desc
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
