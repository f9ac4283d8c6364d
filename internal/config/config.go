// Package config provides application configuration with multi-source
// priority: environment variables override the config file, which overrides
// defaults. All range checks run once at load time, not at call sites.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Embedding provider identifiers used in Config.Provider.
const (
	ProviderOpenAI = "openai"
	ProviderGenkit = "genkit"
)

// DefaultDimension matches the vector(768) column declared by the schema
// migrations. Changing one without the other is a fatal configuration error
// caught when the store connects.
const DefaultDimension = 768

// Config stores application configuration.
// SENSITIVE fields (API key, database password) must never be logged.
type Config struct {
	// Chunking (sizes in words)
	ChunkMinWords     int `mapstructure:"chunk_min_words"`
	ChunkMaxWords     int `mapstructure:"chunk_max_words"`
	ChunkOverlapWords int `mapstructure:"chunk_overlap_words"`

	// Embedding service
	Provider           string  `mapstructure:"provider"`
	EmbedderModel      string  `mapstructure:"embedder_model"`
	EmbeddingBaseURL   string  `mapstructure:"embedding_base_url"`
	EmbeddingAPIKey    string  `mapstructure:"embedding_api_key"` // SENSITIVE
	EmbeddingDimension int     `mapstructure:"embedding_dimension"`
	EmbedBatchSize     int     `mapstructure:"embed_batch_size"`
	EmbedMaxRetries    int     `mapstructure:"embed_max_retries"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`

	// Cost accounting and budget
	CostPerMillionTokens float64 `mapstructure:"cost_per_million_tokens"`
	BudgetTokens         int     `mapstructure:"budget_tokens"` // 0 = unlimited
	BudgetUSD            float64 `mapstructure:"budget_usd"`    // 0 = unlimited

	// Ingestion
	IngestWorkers int `mapstructure:"ingest_workers"`

	// Storage
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Logging
	LogLevel string `mapstructure:"log_level"` // debug, info, warn, error
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, an optional config file
// (./corpus.yaml or ~/.corpus/corpus.yaml), and CORPUS_* environment
// variables, then validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("corpus")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".corpus"))
	}

	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk_min_words", 32)
	v.SetDefault("chunk_max_words", 256)
	v.SetDefault("chunk_overlap_words", 32)

	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("embedder_model", "text-embedding-3-small")
	v.SetDefault("embedding_base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding_api_key", "")
	v.SetDefault("embedding_dimension", DefaultDimension)
	v.SetDefault("embed_batch_size", 64)
	v.SetDefault("embed_max_retries", 4)
	v.SetDefault("requests_per_second", 5.0)

	v.SetDefault("cost_per_million_tokens", 0.02)
	v.SetDefault("budget_tokens", 0)
	v.SetDefault("budget_usd", 0.0)

	v.SetDefault("ingest_workers", 4)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "corpus")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "corpus")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// quoteDSNValue quotes a value for PostgreSQL key=value DSN format so values
// containing spaces or quotes survive parsing.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// PostgresConnectionString returns the PostgreSQL DSN for the pgx driver.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresUser,
		quoteDSNValue(c.PostgresPassword),
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// PostgresURL returns the PostgreSQL URL for golang-migrate.
func (c *Config) PostgresURL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     "/" + c.PostgresDBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.PostgresSSLMode),
	}
	return u.String()
}

// parseDatabaseURL lets DATABASE_URL override the individual postgres_*
// settings, the convention for cloud deployments.
func (c *Config) parseDatabaseURL() error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil
	}

	parsed, err := url.Parse(dbURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL format: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", parsed.Scheme)
	}

	if host := parsed.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if portStr := parsed.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid port in DATABASE_URL: %w", err)
		}
		c.PostgresPort = port
	}
	if user := parsed.User.Username(); user != "" {
		c.PostgresUser = user
	}
	if pass, ok := parsed.User.Password(); ok {
		c.PostgresPassword = pass
	}
	if db := strings.TrimPrefix(parsed.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if ssl := parsed.Query().Get("sslmode"); ssl != "" {
		c.PostgresSSLMode = ssl
	}
	return nil
}
