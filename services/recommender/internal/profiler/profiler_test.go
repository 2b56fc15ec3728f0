package profiler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/store"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	vectors map[string][]float32
}

func (f *fakeEmbedder) EnsureBook(_ context.Context, b domain.Book) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.vectors[b.ID]
	if !ok {
		return nil, errors.New("no vector")
	}
	return v, nil
}

func (f *fakeEmbedder) ModelVersion() string { return "fake@3" }

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (g *fakeGenerator) GenerateText(context.Context, ai.Prompt) (ai.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return ai.Completion{}, g.err
	}
	return ai.Completion{Text: g.text, Model: "fake-model", PromptTokens: 10, CompletionTokens: 5}, nil
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	for _, b := range []domain.Book{
		{ID: "a", Title: "Dune", Authors: []string{"Frank Herbert"}, Available: true},
		{ID: "b", Title: "Hyperion", Authors: []string{"Dan Simmons"}, Available: true},
		{ID: "c", Title: "Children of Dune", Authors: []string{"Frank Herbert"}, Available: true},
	} {
		if err := st.SaveBook(context.Background(), b); err != nil {
			t.Fatalf("save book: %v", err)
		}
	}
	return st
}

func newEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
		"c": {0, 0, 1},
	}}
}

func TestProfileIsOrderIndependentAndCached(t *testing.T) {
	emb := newEmbedder()
	gen := &fakeGenerator{text: "```json\n{\"summary\":\"Epic science fiction.\",\"genres\":[\"sci-fi\",\" \"],\"themes\":[\"power\"]}\n```"}
	c := cache.NewMemoryCache()
	p, err := New(Config{Books: seed(t), Embeddings: emb, Summarizer: gen, Cache: c})
	if err != nil {
		t.Fatalf("new profiler: %v", err)
	}

	first, err := p.Profile(context.Background(), []string{"c", "a", "b"})
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if first.Summary != "Epic science fiction." {
		t.Fatalf("summary = %q", first.Summary)
	}
	if len(first.Genres) != 1 || first.Genres[0] != "sci-fi" {
		t.Fatalf("genres = %v", first.Genres)
	}
	if len(first.Authors) != 2 || first.Authors[0] != "Frank Herbert" {
		t.Fatalf("authors = %v", first.Authors)
	}
	want := float32(1 / math.Sqrt(3))
	for i, x := range first.Vector {
		if math.Abs(float64(x-want)) > 1e-6 {
			t.Fatalf("vector[%d] = %v, want %v", i, x, want)
		}
	}

	second, err := p.Profile(context.Background(), []string{"b", "c", "a"})
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if second.Key != first.Key || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected cached profile, got %+v", second)
	}
	for i := range first.Vector {
		if math.Float32bits(first.Vector[i]) != math.Float32bits(second.Vector[i]) {
			t.Fatalf("vector differs at %d", i)
		}
	}
	if emb.calls != 3 || gen.calls != 1 {
		t.Fatalf("embed calls = %d, generator calls = %d; cache hit must not call either", emb.calls, gen.calls)
	}
}

func TestProfileSummaryIsBestEffort(t *testing.T) {
	for name, gen := range map[string]*fakeGenerator{
		"capability": {err: &ai.CapabilityError{Provider: "fake", Reason: ai.ReasonTimeout}},
		"malformed":  {text: "not json at all"},
	} {
		t.Run(name, func(t *testing.T) {
			p, err := New(Config{Books: seed(t), Embeddings: newEmbedder(), Summarizer: gen})
			if err != nil {
				t.Fatalf("new profiler: %v", err)
			}
			prof, err := p.Profile(context.Background(), []string{"a", "b", "c"})
			if err != nil {
				t.Fatalf("profile: %v", err)
			}
			if prof.Summary != "" || len(prof.Genres) != 0 {
				t.Fatalf("expected empty summary, got %+v", prof)
			}
			if len(prof.Vector) != 3 {
				t.Fatalf("vector missing")
			}
		})
	}
}

func TestProfileFailsWhenEmbeddingFails(t *testing.T) {
	emb := newEmbedder()
	delete(emb.vectors, "b")
	p, err := New(Config{Books: seed(t), Embeddings: emb})
	if err != nil {
		t.Fatalf("new profiler: %v", err)
	}
	if _, err := p.Profile(context.Background(), []string{"a", "b", "c"}); err == nil {
		t.Fatalf("expected error when a favorite cannot be embedded")
	}
}

func TestProfileUnknownBook(t *testing.T) {
	p, err := New(Config{Books: seed(t), Embeddings: newEmbedder()})
	if err != nil {
		t.Fatalf("new profiler: %v", err)
	}
	_, err = p.Profile(context.Background(), []string{"a", "b", "zzz"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCentroidRejectsMixedDimensions(t *testing.T) {
	if _, err := Centroid([][]float32{{1, 2}, {1}}); err == nil {
		t.Fatalf("expected dimension error")
	}
	v, err := Centroid([][]float32{{3, 4}})
	if err != nil {
		t.Fatalf("centroid: %v", err)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("centroid = %v", v)
	}
}
