// Package ingest sequences Chunker, Embedding Generator and Vector Store for
// source documents: all-or-nothing commits, idempotent re-ingestion, token
// and cost budgets, and a bounded worker pool for independent documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corpushq/corpus/internal/chunker"
	"github.com/corpushq/corpus/internal/embedding"
	"github.com/corpushq/corpus/internal/store"
)

var (
	// ErrMissingExternalID indicates a request without a stable identifier.
	ErrMissingExternalID = errors.New("external id must not be empty")

	// ErrEmptyDocument indicates a request whose text is empty or whitespace.
	ErrEmptyDocument = errors.New("document text must not be empty")

	// ErrBudgetExceeded indicates the configured token or cost budget is
	// spent. New documents are refused; documents already committed stay.
	ErrBudgetExceeded = errors.New("embedding budget exceeded")
)

// Budget caps cumulative embedding spend across the orchestrator's lifetime.
// Zero values mean unlimited.
type Budget struct {
	MaxTokens int
	MaxCost   float64 // USD
}

// Config tunes orchestration behavior.
type Config struct {
	// EmbedReattempts bounds orchestrator-level re-embedding of failed
	// subsets, on top of the generator's own per-batch retries.
	EmbedReattempts int

	// CommitRetries bounds re-running the store commit. Replace is
	// idempotent given document-level atomicity, so retrying is safe.
	CommitRetries int

	Budget Budget
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		EmbedReattempts: 2,
		CommitRetries:   1,
	}
}

// Request is one source document to ingest.
type Request struct {
	ExternalID string
	Text       string
	Metadata   store.Metadata
}

// Stats aggregates one successful ingestion.
type Stats struct {
	RunID      string
	ExternalID string
	Chunks     int
	Tokens     int
	Cost       float64
	Elapsed    time.Duration
}

// Outcome pairs a request with its result in a batch run. Failed documents
// never discard the successes committed alongside them.
type Outcome struct {
	ExternalID string
	Stats      *Stats
	Err        error
}

// Orchestrator is the only component touching all pipeline stages.
// It is safe for concurrent use; the store serializes same-document writes.
type Orchestrator struct {
	chunker   *chunker.Chunker
	generator *embedding.Generator
	store     store.Store
	cfg       Config
	logger    *slog.Logger

	mu          sync.Mutex
	spentTokens int
	spentCost   float64
}

// New creates an Orchestrator. logger may be nil.
func New(ch *chunker.Chunker, gen *embedding.Generator, st store.Store, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if ch == nil {
		return nil, errors.New("chunker must not be nil")
	}
	if gen == nil {
		return nil, errors.New("generator must not be nil")
	}
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.EmbedReattempts < 0 || cfg.CommitRetries < 0 {
		return nil, errors.New("retry counts must not be negative")
	}
	if st.Dimension() != gen.Dimension() {
		return nil, fmt.Errorf("store expects %d dimensions but generator produces %d",
			st.Dimension(), gen.Dimension())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		chunker:   ch,
		generator: gen,
		store:     st,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Ingest runs the pipeline for one document. Re-ingesting an external ID
// replaces its previous chunk set; nothing is persisted on failure.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Stats, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ExternalID == "" {
		return nil, ErrMissingExternalID
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("document %q: %w", req.ExternalID, ErrEmptyDocument)
	}

	// Chunker errors are deterministic; retrying cannot help.
	segments, err := o.chunker.Chunk(req.Text)
	if err != nil {
		return nil, fmt.Errorf("chunking %q: %w", req.ExternalID, err)
	}

	if err := o.checkBudget(); err != nil {
		return nil, fmt.Errorf("document %q: %w", req.ExternalID, err)
	}

	vectors, usage, err := o.embedSegments(ctx, segments)
	if err != nil {
		return nil, fmt.Errorf("embedding %q: %w", req.ExternalID, err)
	}

	chunks := make([]store.Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = store.Chunk{
			Ordinal:   seg.Ordinal,
			Content:   seg.Text,
			Kind:      seg.Kind,
			WordCount: seg.WordCount,
			CharCount: len(seg.Text),
			Embedding: vectors[i],
			Metadata: map[string]string{
				"start_word": strconv.Itoa(seg.StartWord),
				"end_word":   strconv.Itoa(seg.EndWord),
			},
		}
	}

	doc := store.Document{
		ExternalID: req.ExternalID,
		Content:    req.Text,
		Metadata:   req.Metadata,
	}
	if err := o.commit(ctx, req.ExternalID, doc, chunks); err != nil {
		return nil, fmt.Errorf("committing %q: %w", req.ExternalID, err)
	}

	stats := &Stats{
		RunID:      uuid.NewString(),
		ExternalID: req.ExternalID,
		Chunks:     len(chunks),
		Tokens:     usage.InputTokens,
		Cost:       usage.Cost,
		Elapsed:    time.Since(start),
	}
	o.logger.Info("document ingested",
		"external_id", req.ExternalID,
		"chunks", stats.Chunks,
		"tokens", stats.Tokens,
		"elapsed", stats.Elapsed)
	return stats, nil
}

// embedSegments embeds all segment texts, re-attempting only the failed
// subset a bounded number of times. Spend is recorded even when the
// ingestion later aborts: the tokens were consumed either way.
func (o *Orchestrator) embedSegments(ctx context.Context, segments []chunker.Segment) ([][]float32, embedding.Usage, error) {
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}

	res, err := o.generator.Embed(ctx, texts)
	if err != nil {
		return nil, embedding.Usage{}, err
	}
	total := res.Usage
	o.recordSpend(res.Usage)

	failed := failedIndices(res.Failed)
	var lastErr error
	if len(res.Failed) > 0 {
		lastErr = res.Failed[0].Err
	}

	for attempt := 1; attempt <= o.cfg.EmbedReattempts && len(failed) > 0; attempt++ {
		o.logger.Warn("re-attempting failed embeddings",
			"attempt", attempt, "remaining", len(failed))

		subset := make([]string, len(failed))
		for i, idx := range failed {
			subset[i] = texts[idx]
		}

		sub, err := o.generator.Embed(ctx, subset)
		if err != nil {
			return nil, total, err
		}
		total.InputTokens += sub.Usage.InputTokens
		total.Cost += sub.Usage.Cost
		o.recordSpend(sub.Usage)
		if len(sub.Failed) > 0 {
			lastErr = sub.Failed[0].Err
		}

		var still []int
		for i, idx := range failed {
			if sub.Vectors[i] != nil {
				res.Vectors[idx] = sub.Vectors[i]
			} else {
				still = append(still, idx)
			}
		}
		failed = still
	}

	if len(failed) > 0 {
		return nil, total, fmt.Errorf("%d of %d chunks failed after re-attempts: %w",
			len(failed), len(texts), lastErr)
	}
	return res.Vectors, total, nil
}

// commit replaces the document's chunk set, retrying transient store
// failures. Dimension and chunk-set faults are configuration errors and
// never retried.
func (o *Orchestrator) commit(ctx context.Context, externalID string, doc store.Document, chunks []store.Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.CommitRetries; attempt++ {
		err := o.store.Replace(ctx, externalID, doc, chunks)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, store.ErrDimensionMismatch) ||
			errors.Is(err, store.ErrInvalidChunkSet) ||
			ctx.Err() != nil {
			return err
		}
		o.logger.Warn("store commit failed, retrying",
			"external_id", externalID, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// IngestAll ingests independent documents in parallel on a bounded worker
// pool. Outcomes are index-aligned with reqs. Once the budget is exhausted,
// remaining documents fail with ErrBudgetExceeded while finished commits
// stand.
func (o *Orchestrator) IngestAll(ctx context.Context, reqs []Request, workers int) []Outcome {
	if workers <= 0 {
		workers = 4
	}

	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, req := range reqs {
		g.Go(func() error {
			stats, err := o.Ingest(ctx, req)
			outcomes[i] = Outcome{ExternalID: req.ExternalID, Stats: stats, Err: err}
			return nil
		})
	}
	// Workers never return errors; failures land in their outcome slot.
	_ = g.Wait()
	return outcomes
}

// Spent reports cumulative embedding spend.
func (o *Orchestrator) Spent() (tokens int, cost float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spentTokens, o.spentCost
}

func (o *Orchestrator) recordSpend(u embedding.Usage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spentTokens += u.InputTokens
	o.spentCost += u.Cost
}

func (o *Orchestrator) checkBudget() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	b := o.cfg.Budget
	if b.MaxTokens > 0 && o.spentTokens >= b.MaxTokens {
		return fmt.Errorf("%w: %d tokens spent of %d", ErrBudgetExceeded, o.spentTokens, b.MaxTokens)
	}
	if b.MaxCost > 0 && o.spentCost >= b.MaxCost {
		return fmt.Errorf("%w: $%.4f spent of $%.4f", ErrBudgetExceeded, o.spentCost, b.MaxCost)
	}
	return nil
}

func failedIndices(failed []embedding.BatchError) []int {
	var out []int
	for _, be := range failed {
		for i := be.Start; i < be.End; i++ {
			out = append(out, i)
		}
	}
	return out
}
