package cmd

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/corpushq/corpus/internal/config"
	"github.com/corpushq/corpus/internal/embedding"
	"github.com/corpushq/corpus/internal/log"
	"github.com/corpushq/corpus/internal/store"
)

// runtime bundles the wired components a command needs.
type runtime struct {
	cfg       *config.Config
	logger    log.Logger
	store     store.Store
	generator *embedding.Generator
}

// newRuntime loads configuration and wires the store and embedding
// generator. Callers must Close it.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})

	st, err := store.NewPostgres(ctx, store.PostgresConfig{
		ConnString: cfg.PostgresConnectionString(),
		Dimension:  cfg.EmbeddingDimension,
	}, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	client, err := newEmbeddingClient(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	retry := embedding.DefaultRetryConfig()
	retry.MaxAttempts = cfg.EmbedMaxRetries

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	generator, err := embedding.New(client, embedding.Config{
		Dimension:            cfg.EmbeddingDimension,
		BatchSize:            cfg.EmbedBatchSize,
		Retry:                retry,
		CostPerMillionTokens: cfg.CostPerMillionTokens,
	}, limiter, logger.With("component", "embedding"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create embedding generator: %w", err)
	}

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		generator: generator,
	}, nil
}

func newEmbeddingClient(cfg *config.Config) (embedding.Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return embedding.NewOpenAI(embedding.OpenAIConfig{
			BaseURL: cfg.EmbeddingBaseURL,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbedderModel,
		})
	case config.ProviderGenkit:
		// Genkit providers need plugin initialization owned by the host
		// process; embed the library and pass embedding.NewGenkitClient.
		return nil, fmt.Errorf("provider %q is only available through the library API", cfg.Provider)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close store", "error", err)
	}
}
