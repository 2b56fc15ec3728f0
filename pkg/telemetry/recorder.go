// Package telemetry accumulates per-request cost and latency and merges it
// into a process-wide sink when the request completes.
//
// A Recorder travels in the request context so concurrent requests never
// share mutable counters:
//
//	rec := telemetry.NewRecorder()
//	ctx = telemetry.WithRecorder(ctx, rec)
//	done := telemetry.FromContext(ctx).Stage("profile")
//	...
//	done()
//	sink.Merge(rec.Summary())
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recorderKey struct{}

// Recorder is safe for concurrent use by the goroutines of one request.
// A nil *Recorder discards everything.
type Recorder struct {
	mu          sync.Mutex
	started     time.Time
	stages      map[string]time.Duration
	usage       map[string]Usage
	cacheHits   map[string]int
	cacheMisses map[string]int
	embedHits   int
	embedMisses int
	degraded    []string
	now         func() time.Time
}

// Usage is token usage for one model.
type Usage struct {
	Calls            int
	PromptTokens     int
	CompletionTokens int
}

func NewRecorder() *Recorder {
	return &Recorder{
		started:     time.Now(),
		stages:      make(map[string]time.Duration),
		usage:       make(map[string]Usage),
		cacheHits:   make(map[string]int),
		cacheMisses: make(map[string]int),
		now:         time.Now,
	}
}

func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// FromContext returns the request recorder, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// Stage starts timing name and returns the function that stops it.
// Repeated stages accumulate.
func (r *Recorder) Stage(name string) func() {
	if r == nil {
		return func() {}
	}
	start := r.now()
	return func() {
		d := r.now().Sub(start)
		r.mu.Lock()
		r.stages[name] += d
		r.mu.Unlock()
	}
}

func (r *Recorder) RecordUsage(model string, promptTokens, completionTokens int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	u := r.usage[model]
	u.Calls++
	u.PromptTokens += promptTokens
	u.CompletionTokens += completionTokens
	r.usage[model] = u
	r.mu.Unlock()
}

// CacheHit records a hit in a cache namespace such as "profile" or "rec".
func (r *Recorder) CacheHit(namespace string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.cacheHits[namespace]++
	r.mu.Unlock()
}

func (r *Recorder) CacheMiss(namespace string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.cacheMisses[namespace]++
	r.mu.Unlock()
}

// EmbeddingHit records an embedding reused without calling the model.
func (r *Recorder) EmbeddingHit() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.embedHits++
	r.mu.Unlock()
}

func (r *Recorder) EmbeddingMiss() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.embedMisses++
	r.mu.Unlock()
}

// Degrade notes that an optional stage failed and output quality is reduced.
func (r *Recorder) Degrade(reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.degraded = append(r.degraded, reason)
	r.mu.Unlock()
}

// Summary is an immutable snapshot of a Recorder.
type Summary struct {
	Total            time.Duration
	Stages           map[string]time.Duration
	Usage            map[string]Usage
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CacheHits        map[string]int
	CacheMisses      map[string]int
	EmbeddingHits    int
	EmbeddingMisses  int
	Degraded         []string
}

func (r *Recorder) Summary() Summary {
	if r == nil {
		return Summary{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Total:           r.now().Sub(r.started),
		Stages:          make(map[string]time.Duration, len(r.stages)),
		Usage:           make(map[string]Usage, len(r.usage)),
		CacheHits:       make(map[string]int, len(r.cacheHits)),
		CacheMisses:     make(map[string]int, len(r.cacheMisses)),
		EmbeddingHits:   r.embedHits,
		EmbeddingMisses: r.embedMisses,
		Degraded:        append([]string(nil), r.degraded...),
	}
	for k, v := range r.stages {
		s.Stages[k] = v
	}
	for k, v := range r.cacheHits {
		s.CacheHits[k] = v
	}
	for k, v := range r.cacheMisses {
		s.CacheMisses[k] = v
	}
	for model, u := range r.usage {
		s.Usage[model] = u
		s.PromptTokens += u.PromptTokens
		s.CompletionTokens += u.CompletionTokens
		s.CostUSD += EstimateCost(model, u.PromptTokens, u.CompletionTokens)
	}
	sort.Strings(s.Degraded)
	return s
}

// LogAttrs flattens the summary for a single structured log line.
func (s Summary) LogAttrs() []any {
	attrs := []any{
		"total_ms", s.Total.Milliseconds(),
		"prompt_tokens", s.PromptTokens,
		"completion_tokens", s.CompletionTokens,
		"cost_usd", s.CostUSD,
		"embedding_hits", s.EmbeddingHits,
		"embedding_misses", s.EmbeddingMisses,
	}
	names := make([]string, 0, len(s.Stages))
	for name := range s.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attrs = append(attrs, "stage_"+name+"_ms", s.Stages[name].Milliseconds())
	}
	if len(s.Degraded) > 0 {
		attrs = append(attrs, "degraded", s.Degraded)
	}
	return attrs
}
