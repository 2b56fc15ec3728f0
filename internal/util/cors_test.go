package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func preflight(h http.Handler, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/recommend", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSAllowList(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := NewCORS([]string{"https://liber.example/"}).Wrap(next)

	rec := preflight(h, "https://liber.example")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://liber.example" {
		t.Fatalf("allowed preflight: code=%d origin=%q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
	rec = preflight(h, "https://evil.example")
	if rec.Code != http.StatusForbidden || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed preflight: code=%d", rec.Code)
	}

	// Same-origin and non-browser requests pass through untouched.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("plain request code = %d", rec.Code)
	}
}

func TestCORSAnyOrigin(t *testing.T) {
	h := NewCORS(nil).Wrap(http.NotFoundHandler())
	rec := preflight(h, "http://localhost:5173")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("code=%d origin=%q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
