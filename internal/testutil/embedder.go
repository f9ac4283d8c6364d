package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"

	"github.com/corpushq/corpus/internal/embedding"
)

// WordHashEmbedder is a deterministic embedding.Client for tests. Each word
// hashes into a bucket of the vector, which is then L2-normalized, so
// identical texts embed to identical unit vectors (cosine similarity 1.0)
// and unrelated texts land far apart. No network, no model.
type WordHashEmbedder struct {
	Dim   int
	calls atomic.Int64
}

// NewWordHashEmbedder creates an embedder producing vectors of dim length.
func NewWordHashEmbedder(dim int) *WordHashEmbedder {
	return &WordHashEmbedder{Dim: dim}
}

// Embed implements embedding.Client.
func (e *WordHashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, embedding.Usage, error) {
	e.calls.Add(1)

	var usage embedding.Usage
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = e.vectorize(t)
		usage.InputTokens += embedding.EstimateTokens(t)
	}
	return vectors, usage, nil
}

// Calls reports how many Embed invocations the embedder served.
func (e *WordHashEmbedder) Calls() int64 { return e.calls.Load() }

// Vector returns the deterministic embedding for a single text, for use as
// a query vector in tests.
func (e *WordHashEmbedder) Vector(text string) []float32 {
	return e.vectorize(text)
}

func (e *WordHashEmbedder) vectorize(text string) []float32 {
	v := make([]float32, e.Dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		v[int(h.Sum32())%e.Dim]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1 // whitespace-only text still gets a unit vector
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
