package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corpushq/corpus/internal/embedding"
	"github.com/corpushq/corpus/internal/log"
	"github.com/corpushq/corpus/internal/store"
	"github.com/corpushq/corpus/internal/testutil"
)

const testDim = 32

func newEngine(t *testing.T) (*Engine, *store.Memory, *testutil.WordHashEmbedder) {
	t.Helper()

	mem, err := store.NewMemory(testDim)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	embedder := testutil.NewWordHashEmbedder(testDim)
	gen, err := embedding.New(embedder, embedding.Config{
		Dimension: testDim,
		BatchSize: 16,
		Retry:     embedding.RetryConfig{MaxAttempts: 1, Multiplier: 1},
	}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}

	eng, err := New(mem, gen, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, mem, embedder
}

func insertDoc(t *testing.T, mem *store.Memory, embedder *testutil.WordHashEmbedder, externalID string, md store.Metadata, texts ...string) {
	t.Helper()

	chunks := make([]store.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = store.Chunk{
			Ordinal:   i,
			Content:   text,
			Kind:      store.KindText,
			WordCount: 3,
			CharCount: len(text),
			Embedding: embedder.Vector(text),
		}
	}
	doc := store.Document{ExternalID: externalID, Metadata: md}
	if err := mem.Insert(context.Background(), doc, chunks); err != nil {
		t.Fatalf("Insert(%s): %v", externalID, err)
	}
}

func TestNew_DimensionAgreement(t *testing.T) {
	t.Parallel()

	mem, _ := store.NewMemory(8)
	gen, err := embedding.New(testutil.NewWordHashEmbedder(16), embedding.Config{
		Dimension: 16,
		BatchSize: 4,
		Retry:     embedding.RetryConfig{MaxAttempts: 1, Multiplier: 1},
	}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}

	if _, err := New(mem, gen, log.NewNop()); err == nil {
		t.Error("expected error when store and generator dimensions differ")
	}
}

func TestSearch_RanksExactMatchFirst(t *testing.T) {
	t.Parallel()

	eng, mem, embedder := newEngine(t)
	insertDoc(t, mem, embedder, "doc-1", store.Metadata{},
		"goroutines and channels",
		"postgres index tuning",
		"http middleware patterns",
	)

	results, err := eng.Search(context.Background(), Query{Text: "goroutines and channels"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Chunk.Content != "goroutines and channels" {
		t.Errorf("top hit = %q", results[0].Chunk.Content)
	}
	if s := results[0].Similarity; s < 0.999 {
		t.Errorf("identical text similarity = %v, want ~1", s)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Error("results not sorted by similarity")
		}
	}
}

func TestSearch_MinScoreYieldsEmptyNotError(t *testing.T) {
	t.Parallel()

	eng, mem, embedder := newEngine(t)
	insertDoc(t, mem, embedder, "doc-1", store.Metadata{}, "kubernetes cluster networking")

	results, err := eng.Search(context.Background(), Query{
		Text:     "baking sourdough bread",
		MinScore: 0.99,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results above 0.99, want 0", len(results))
	}
}

func TestSearch_MinScoreRange(t *testing.T) {
	t.Parallel()

	eng, _, _ := newEngine(t)

	for _, bad := range []float32{-1.5, 1.5} {
		if _, err := eng.Search(context.Background(), Query{Text: "x", MinScore: bad}); err == nil {
			t.Errorf("MinScore %v accepted", bad)
		}
	}
}

func TestSearch_FilterRestrictsResults(t *testing.T) {
	t.Parallel()

	eng, mem, embedder := newEngine(t)
	insertDoc(t, mem, embedder, "go-doc", store.Metadata{Category: "go"}, "error handling idioms")
	insertDoc(t, mem, embedder, "py-doc", store.Metadata{Category: "python"}, "error handling idioms")

	results, err := eng.Search(context.Background(), Query{
		Text:   "error handling idioms",
		Filter: store.Filter{Category: "go"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Document.ExternalID != "go-doc" {
		t.Errorf("filtered search returned %q", results[0].Document.ExternalID)
	}
}

func TestSearch_LimitDefaultsAndCaps(t *testing.T) {
	t.Parallel()

	eng, mem, embedder := newEngine(t)
	texts := make([]string, DefaultLimit+5)
	for i := range texts {
		texts[i] = "filler text number " + string(rune('a'+i))
	}
	insertDoc(t, mem, embedder, "doc-1", store.Metadata{}, texts...)

	results, err := eng.Search(context.Background(), Query{Text: "filler text"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != DefaultLimit {
		t.Errorf("default limit returned %d results, want %d", len(results), DefaultLimit)
	}

	results, err = eng.Search(context.Background(), Query{Text: "filler text", Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("limit 2 returned %d results", len(results))
	}
}

func TestSearch_VectorBypassesEmbedding(t *testing.T) {
	t.Parallel()

	eng, mem, embedder := newEngine(t)
	insertDoc(t, mem, embedder, "doc-1", store.Metadata{}, "vector queries here")
	before := embedder.Calls()

	results, err := eng.Search(context.Background(), Query{
		Vector: embedder.Vector("vector queries here"),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if embedder.Calls() != before {
		t.Error("supplying a vector must not invoke the embedder")
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	eng, _, _ := newEngine(t)
	if _, err := eng.Search(context.Background(), Query{}); err == nil {
		t.Error("expected error for query with neither text nor vector")
	}
}

// failingClient always errors, standing in for an unreachable service.
type failingClient struct{}

func (failingClient) Embed(context.Context, []string) ([][]float32, embedding.Usage, error) {
	return nil, embedding.Usage{}, &embedding.ServiceError{StatusCode: 503, Message: "down"}
}

func TestSearch_EmbedFailureIsError(t *testing.T) {
	t.Parallel()

	mem, _ := store.NewMemory(testDim)
	gen, err := embedding.New(failingClient{}, embedding.Config{
		Dimension: testDim,
		BatchSize: 4,
		Retry:     embedding.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}
	eng, err := New(mem, gen, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = eng.Search(context.Background(), Query{Text: "anything"})
	if err == nil {
		t.Fatal("unreachable embedding service must surface as an error, not empty results")
	}
	var se *embedding.ServiceError
	if !errors.As(err, &se) {
		t.Errorf("error %v does not wrap the service failure", err)
	}
}
