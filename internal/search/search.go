// Package search executes similarity queries against the vector store:
// embed the query text (unless a vector is supplied), rank stored chunks by
// cosine similarity, apply the metadata filter and score threshold, and
// truncate to the requested limit.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/corpushq/corpus/internal/embedding"
	"github.com/corpushq/corpus/internal/store"
)

// DefaultLimit applies when a query does not specify a result limit.
const DefaultLimit = 10

// Query describes one similarity search. Either Text or Vector must be set;
// Vector wins when both are present.
type Query struct {
	Text   string
	Vector []float32

	// Limit caps the number of results; DefaultLimit when zero.
	Limit int

	// Filter restricts results to chunks whose owning document matches.
	Filter store.Filter

	// MinScore discards results scoring below it. Zero keeps everything.
	MinScore float32
}

// Engine runs queries. It depends on the embedding Generator for query
// vectors and on the Store for the similarity index; it never touches the
// chunker.
type Engine struct {
	store     store.Store
	generator *embedding.Generator
	logger    *slog.Logger
}

// New creates an Engine. logger may be nil.
func New(st store.Store, generator *embedding.Generator, logger *slog.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if generator == nil {
		return nil, errors.New("generator must not be nil")
	}
	if st.Dimension() != generator.Dimension() {
		return nil, fmt.Errorf("store expects %d dimensions but generator produces %d",
			st.Dimension(), generator.Dimension())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, generator: generator, logger: logger}, nil
}

// Search executes the query. An empty result list is a valid outcome when
// nothing meets the threshold; an unreachable embedding service is an error,
// so "no matches" and "could not search" stay distinguishable.
func (e *Engine) Search(ctx context.Context, q Query) ([]store.Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if q.MinScore < -1 || q.MinScore > 1 {
		return nil, fmt.Errorf("min_score must be in [-1, 1], got %g", q.MinScore)
	}

	vector := q.Vector
	if vector == nil {
		if q.Text == "" {
			return nil, errors.New("query needs text or a vector")
		}
		var err error
		vector, err = e.embedQuery(ctx, q.Text)
		if err != nil {
			return nil, err
		}
	}

	results, err := e.store.Search(ctx, vector, q.Filter, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	if q.MinScore > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Similarity >= q.MinScore {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	e.logger.Debug("search complete", "results", len(results), "limit", limit)
	return results, nil
}

// embedQuery obtains the query vector as a single-item batch.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	res, err := e.generator.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if !res.Complete() {
		return nil, fmt.Errorf("failed to embed query: %w", res.Failed[0])
	}
	return res.Vectors[0], nil
}
