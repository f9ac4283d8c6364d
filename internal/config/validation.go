package config

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidChunkSize indicates chunk word bounds are out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidOverlap indicates the overlap is negative or not smaller
	// than the maximum chunk size.
	ErrInvalidOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidProvider indicates the embedding provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidEmbedderModel indicates the embedder model is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidDimension indicates the embedding dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidBatchSize indicates the embed batch size is out of range.
	ErrInvalidBatchSize = errors.New("invalid embed batch size")

	// ErrInvalidRetries indicates the retry count is out of range.
	ErrInvalidRetries = errors.New("invalid retry count")

	// ErrInvalidBudget indicates a negative budget value.
	ErrInvalidBudget = errors.New("invalid budget")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresSSLMode indicates an unknown SSL mode.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidLogLevel indicates an unknown log level.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// MaxDimension bounds the embedding dimension; pgvector indexes support up
// to 2000 dimensions for HNSW.
const MaxDimension = 2000

var validSSLModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Validate checks all ranges once. Call sites can rely on a validated
// Config without re-checking.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ChunkMaxWords <= 0 {
		return fmt.Errorf("%w: chunk_max_words must be positive, got %d", ErrInvalidChunkSize, c.ChunkMaxWords)
	}
	if c.ChunkMinWords < 1 || c.ChunkMinWords > c.ChunkMaxWords {
		return fmt.Errorf("%w: chunk_min_words %d must be in [1, %d]", ErrInvalidChunkSize, c.ChunkMinWords, c.ChunkMaxWords)
	}
	if c.ChunkOverlapWords < 0 || c.ChunkOverlapWords >= c.ChunkMaxWords {
		return fmt.Errorf("%w: chunk_overlap_words %d must be in [0, %d)", ErrInvalidOverlap, c.ChunkOverlapWords, c.ChunkMaxWords)
	}

	if c.Provider != ProviderOpenAI && c.Provider != ProviderGenkit {
		return fmt.Errorf("%w: %q (expected %q or %q)", ErrInvalidProvider, c.Provider, ProviderOpenAI, ProviderGenkit)
	}
	if c.EmbedderModel == "" {
		return ErrInvalidEmbedderModel
	}
	if c.EmbeddingDimension < 1 || c.EmbeddingDimension > MaxDimension {
		return fmt.Errorf("%w: %d must be in [1, %d]", ErrInvalidDimension, c.EmbeddingDimension, MaxDimension)
	}
	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > 2048 {
		return fmt.Errorf("%w: %d must be in [1, 2048]", ErrInvalidBatchSize, c.EmbedBatchSize)
	}
	if c.EmbedMaxRetries < 1 || c.EmbedMaxRetries > 10 {
		return fmt.Errorf("%w: %d must be in [1, 10]", ErrInvalidRetries, c.EmbedMaxRetries)
	}

	if c.BudgetTokens < 0 || c.BudgetUSD < 0 {
		return fmt.Errorf("%w: budget values must not be negative", ErrInvalidBudget)
	}

	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
}
