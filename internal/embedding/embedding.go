// Package embedding turns batches of text into fixed-dimension vectors via an
// external embedding service, with batching, retry, and cost accounting.
//
// The Generator owns batching and the retry policy; Client implementations
// are thin transports to a concrete service (OpenAI-compatible HTTP, or any
// Genkit ai.Embedder through the adapter in genkit.go).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// ErrDimensionMismatch indicates the service returned a vector whose length
// differs from the configured dimensionality. Fatal and non-retryable: the
// model and the store disagree about geometry.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Usage accounts for tokens consumed and their estimated monetary cost.
type Usage struct {
	InputTokens int
	Cost        float64 // USD
}

// Client is the boundary to the external embedding service.
// Embed returns one vector per input text, in input order, plus token usage
// reported by (or estimated for) the service.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, Usage, error)
}

// BatchError records a batch that failed after exhausting retries, tagged
// with its half-open input index range so callers can re-attempt exactly the
// failed subset.
type BatchError struct {
	Start, End int
	Err        error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("batch [%d,%d): %v", e.Start, e.End, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// Result is the outcome of one Embed call. Vectors is index-aligned with the
// input; entries covered by a Failed range are nil. Vectors obtained for
// successful batches are never discarded because a later batch failed.
type Result struct {
	Vectors [][]float32
	Usage   Usage
	Failed  []BatchError
}

// Complete reports whether every input text received a vector.
func (r *Result) Complete() bool { return len(r.Failed) == 0 }

// Config configures a Generator. All ranges are checked once at construction.
type Config struct {
	// Dimension is the vector length every returned embedding must have.
	Dimension int

	// BatchSize is the maximum number of texts sent per service call.
	BatchSize int

	// Retry is the policy applied per batch for transient failures.
	Retry RetryConfig

	// CostPerMillionTokens prices input tokens for cost accounting.
	// Zero disables cost estimation (tokens are still counted).
	CostPerMillionTokens float64
}

// Generator batches texts to a Client, retries transient failures, verifies
// dimensionality, and accounts tokens and cost.
//
// Generator is safe for concurrent use.
type Generator struct {
	client  Client
	cfg     Config
	limiter *rate.Limiter // optional, rate-limits each attempt
	logger  *slog.Logger
}

// New creates a Generator. limiter may be nil to disable client-side rate
// limiting; logger nil falls back to slog.Default().
func New(client Client, cfg Config, limiter *rate.Limiter, logger *slog.Logger) (*Generator, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, cfg: cfg, limiter: limiter, logger: logger}, nil
}

// Dimension returns the configured vector length.
func (g *Generator) Dimension() int { return g.cfg.Dimension }

// Embed embeds texts in configured-size batches. Transient batch failures are
// retried per the policy; a batch that still fails is recorded in
// Result.Failed while earlier successes are kept. Only two things abort the
// whole call: a dimension mismatch (fatal configuration error) and context
// cancellation.
func (g *Generator) Embed(ctx context.Context, texts []string) (*Result, error) {
	res := &Result{Vectors: make([][]float32, len(texts))}
	if len(texts) == 0 {
		return res, nil
	}

	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(texts))

		vectors, usage, err := g.embedBatch(ctx, texts[start:end])
		res.Usage.InputTokens += usage.InputTokens
		if err != nil {
			if errors.Is(err, ErrDimensionMismatch) {
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			g.logger.Warn("embedding batch failed",
				"start", start, "end", end, "error", err)
			res.Failed = append(res.Failed, BatchError{Start: start, End: end, Err: err})
			continue
		}
		copy(res.Vectors[start:end], vectors)
	}

	res.Usage.Cost = float64(res.Usage.InputTokens) / 1_000_000 * g.cfg.CostPerMillionTokens
	return res, nil
}

// embedBatch performs one batch call with the retry policy, verifying every
// returned vector's length.
func (g *Generator) embedBatch(ctx context.Context, batch []string) ([][]float32, Usage, error) {
	var (
		vectors [][]float32
		usage   Usage
	)
	err := g.cfg.Retry.do(ctx, g.limiter, func() error {
		v, u, err := g.client.Embed(ctx, batch)
		if err != nil {
			return err
		}
		if len(v) != len(batch) {
			return fmt.Errorf("service returned %d vectors for %d texts", len(v), len(batch))
		}
		for i, vec := range v {
			if len(vec) != g.cfg.Dimension {
				return fmt.Errorf("vector %d has %d dimensions, expected %d: %w",
					i, len(vec), g.cfg.Dimension, ErrDimensionMismatch)
			}
		}
		vectors, usage = v, u
		return nil
	})
	if err != nil {
		return nil, usage, err
	}

	if usage.InputTokens == 0 {
		for _, t := range batch {
			usage.InputTokens += EstimateTokens(t)
		}
	}
	return vectors, usage, nil
}

// EstimateTokens approximates the token count of text when the service does
// not report usage. Four characters per token is the usual rule of thumb for
// English prose.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
