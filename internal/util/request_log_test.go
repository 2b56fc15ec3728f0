package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogServerError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := WithRequestLog("recommender", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req = req.WithContext(ContextWithLogger(req.Context(), logger))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v (%q)", err, buf.String())
	}
	if entry["level"] != "WARN" || entry["msg"] != "http_request" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["status"] != float64(503) || entry["bytes"] != float64(4) || entry["service"] != "recommender" {
		t.Fatalf("unexpected fields: %v", entry)
	}
}
