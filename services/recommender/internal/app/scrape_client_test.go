package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shahmir-m/liber/internal/servicetoken"
	"github.com/shahmir-m/liber/internal/util"
)

func TestScrapeClientSignsRequest(t *testing.T) {
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Secret:         "shared-internal-token",
		Audience:       "scraper",
		AllowedIssuers: []string{"recommender"},
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	var gotBook, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if _, err := verifier.Verify(token); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/internal/scrape" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			BookID string `json:"bookId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBook = body.BookID
		gotRequestID = r.Header.Get(util.RequestIDHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewScrapeClient(srv.URL+"/", "shared-internal-token")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := util.ContextWithRequestID(context.Background(), "req-1")
	if err := client.Enqueue(ctx, "isbn:9780441172719"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if gotBook != "isbn:9780441172719" || gotRequestID != "req-1" {
		t.Fatalf("server saw book=%q request_id=%q", gotBook, gotRequestID)
	}
}

func TestScrapeClientSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"kind":"not_found","message":"book x not found"}}`))
	}))
	defer srv.Close()

	client, err := NewScrapeClient(srv.URL, "shared-internal-token")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Enqueue(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "book x not found") {
		t.Fatalf("expected scraper error, got %v", err)
	}
}

func TestNewScrapeClientRequiresConfig(t *testing.T) {
	if _, err := NewScrapeClient("", "shared-internal-token"); err == nil {
		t.Fatalf("expected missing url error")
	}
	if _, err := NewScrapeClient("http://scraper", ""); err == nil {
		t.Fatalf("expected missing token error")
	}
}
