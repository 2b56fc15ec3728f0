package telemetry

import (
	"context"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderAccumulatesConcurrently(t *testing.T) {
	rec := NewRecorder()
	ctx := WithRecorder(context.Background(), rec)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := FromContext(ctx)
			r.EmbeddingMiss()
			r.CacheMiss("emb")
			r.RecordUsage("gpt-3.5-turbo", 100, 10)
		}()
	}
	wg.Wait()

	s := rec.Summary()
	if s.EmbeddingMisses != 20 || s.CacheMisses["emb"] != 20 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.PromptTokens != 2000 || s.CompletionTokens != 200 || s.Usage["gpt-3.5-turbo"].Calls != 20 {
		t.Fatalf("unexpected usage %+v", s.Usage)
	}
	want := 20 * (0.1*0.0005 + 0.01*0.0015)
	if math.Abs(s.CostUSD-want) > 1e-12 {
		t.Fatalf("cost = %v, want %v", s.CostUSD, want)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	r := FromContext(context.Background())
	r.Stage("x")()
	r.Degrade("x")
	r.CacheHit("x")
	if s := r.Summary(); s.PromptTokens != 0 {
		t.Fatalf("nil recorder should be empty")
	}
}

func TestStageAccumulates(t *testing.T) {
	rec := NewRecorder()
	now := time.Unix(0, 0)
	rec.now = func() time.Time { return now }
	stop := rec.Stage("explain")
	now = now.Add(30 * time.Millisecond)
	stop()
	stop = rec.Stage("explain")
	now = now.Add(20 * time.Millisecond)
	stop()
	if got := rec.Summary().Stages["explain"]; got != 50*time.Millisecond {
		t.Fatalf("stage = %v", got)
	}
}

func TestEstimateCostMatchesVersionedNames(t *testing.T) {
	if EstimateCost("gpt-4-turbo-2024-04-09", 1000, 1000) != EstimateCost("gpt-4-turbo", 1000, 1000) {
		t.Fatalf("versioned model should use base price")
	}
	if EstimateCost("llama3", 1000, 1000) != 0 {
		t.Fatalf("unknown models are free")
	}
}

func TestPrometheusSinkMerge(t *testing.T) {
	sink := NewPrometheusSink("test")
	rec := NewRecorder()
	rec.CacheHit("rec")
	rec.Degrade("explanation_failed")
	rec.RecordUsage("gpt-4-turbo", 10, 5)
	sink.Merge("ok", rec.Summary())
	sink.ScrapeTransition("succeeded")

	if got := testutil.ToFloat64(sink.cacheLookups.WithLabelValues("rec", "hit")); got != 1 {
		t.Fatalf("cache hits = %v", got)
	}
	if got := testutil.ToFloat64(sink.degraded.WithLabelValues("explanation_failed")); got != 1 {
		t.Fatalf("degraded = %v", got)
	}
	rr := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "test_scrape_job_transitions_total") {
		t.Fatalf("metrics output missing scrape transitions")
	}
}
