package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shahmir-m/liber/internal/servicetoken"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/queue"
)

const internalToken = "shared-internal-token"

func signFor(t *testing.T, secret, audience string) string {
	t.Helper()
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{Secret: secret, Issuer: "recommender"})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	token, err := signer.Sign(audience)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

type fakeScraper struct {
	jobs     map[string]queue.ScrapeJob
	enqueued []string
	requeued []string
}

func (f *fakeScraper) Enqueue(_ context.Context, bookID string) (queue.ScrapeJob, error) {
	if bookID == "isbn:0000000000000" {
		return queue.ScrapeJob{}, domain.NotFound("book %s not found", bookID)
	}
	f.enqueued = append(f.enqueued, bookID)
	job := queue.ScrapeJob{ID: "job-1", BookID: bookID, Status: queue.StatusEnqueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeScraper) Requeue(_ context.Context, bookID string) (queue.ScrapeJob, error) {
	f.requeued = append(f.requeued, bookID)
	job := queue.ScrapeJob{ID: "job-2", BookID: bookID, Status: queue.StatusEnqueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeScraper) JobForBook(_ context.Context, bookID string) (queue.ScrapeJob, error) {
	for _, job := range f.jobs {
		if job.BookID == bookID {
			return job, nil
		}
	}
	return queue.ScrapeJob{}, domain.NotFound("no scrape job for book %s", bookID)
}

func (f *fakeScraper) GetJob(_ context.Context, id string) (queue.ScrapeJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return queue.ScrapeJob{}, domain.NotFound("job %s not found", id)
	}
	return job, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeScraper) {
	t.Helper()
	fs := &fakeScraper{jobs: map[string]queue.ScrapeJob{}}
	s, err := New(Config{App: fs, InternalToken: internalToken})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, fs
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestScrapeRequiresToken(t *testing.T) {
	srv, fs := newTestServer(t)
	tokens := []string{"", "not-a-jwt", signFor(t, "another-shared-secret", "scraper"), signFor(t, internalToken, "indexer")}
	for _, token := range tokens {
		resp := do(t, http.MethodPost, srv.URL+"/internal/scrape", token, `{"bookId":"isbn:9780441172719"}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}
	if len(fs.enqueued) != 0 {
		t.Fatalf("unauthorized request reached the app")
	}
}

func TestScrapeEnqueuesAndReturnsJob(t *testing.T) {
	srv, fs := newTestServer(t)
	valid := signFor(t, internalToken, "scraper")
	resp := do(t, http.MethodPost, srv.URL+"/internal/scrape", valid, `{"bookId":"isbn:9780441172719"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var job queue.ScrapeJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != "job-1" || job.Status != queue.StatusEnqueued || len(fs.enqueued) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	resp = do(t, http.MethodGet, srv.URL+"/internal/jobs/job-1", valid, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/internal/jobs/nope", valid, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", resp.StatusCode)
	}
}

func TestScrapeRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	valid := signFor(t, internalToken, "scraper")
	cases := []struct {
		body   string
		status int
	}{
		{`{`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"bookId":"isbn:0000000000000"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := do(t, http.MethodPost, srv.URL+"/internal/scrape", valid, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("body %s: status = %d, want %d", tc.body, resp.StatusCode, tc.status)
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestScrapeRequeueUsesOperatorPath(t *testing.T) {
	srv, fs := newTestServer(t)
	token := signFor(t, internalToken, "scraper")

	resp := do(t, http.MethodPost, srv.URL+"/internal/scrape", token, `{"bookId":"isbn:9780441172719","requeue":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(fs.requeued) != 1 || len(fs.enqueued) != 0 {
		t.Fatalf("requeue should bypass Enqueue: requeued=%v enqueued=%v", fs.requeued, fs.enqueued)
	}
}

func TestBookJobStatus(t *testing.T) {
	srv, fs := newTestServer(t)
	token := signFor(t, internalToken, "scraper")
	fs.jobs["job-9"] = queue.ScrapeJob{ID: "job-9", BookID: "isbn:9780441172719", Status: queue.StatusDeadLettered}

	resp := do(t, http.MethodGet, srv.URL+"/internal/books/isbn:9780441172719/job", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var job queue.ScrapeJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != "job-9" || job.Status != queue.StatusDeadLettered {
		t.Fatalf("unexpected job %+v", job)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/internal/books/isbn:9780451524935/job", token, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/internal/books/isbn:9780441172719/job", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
}
