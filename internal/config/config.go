package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for RAMPART
type Config struct {
	Listen    string          `yaml:"listen"` // HTTP API listen address
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Patterns  string          `yaml:"patterns"` // path to pattern config file ("" = built-in defaults)
	Policies  string          `yaml:"policies"` // path to policy config file ("" = built-in defaults)
}

// StoreConfig holds shared key-value store configuration
type StoreConfig struct {
	Backend string       `yaml:"backend"` // "memory", "redis", or "sqlite"
	Redis   RedisConfig  `yaml:"redis"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SQLiteConfig holds embedded SQLite store configuration
type SQLiteConfig struct {
	Path            string        `yaml:"path"`             // database file path
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // expired-key sweep interval (default 1m)
}

// CacheConfig holds validation result cache configuration
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	LocalSize int           `yaml:"local_size"` // max entries in the in-process tier (default 1000)
	LocalTTL  time.Duration `yaml:"local_ttl"`  // in-process tier TTL (default 5m)
	RemoteTTL time.Duration `yaml:"remote_ttl"` // shared store TTL (default 1h)
}

// VectorConfig holds vector index configuration
type VectorConfig struct {
	Backend   string      `yaml:"backend"`    // "memory" or "redis"
	IndexName string      `yaml:"index_name"` // Redis search index name
	KeyPrefix string      `yaml:"key_prefix"` // hash key prefix for corpus entries
	Redis     RedisConfig `yaml:"redis"`
}

// EmbeddingConfig holds embedder configuration
type EmbeddingConfig struct {
	Provider  string                `yaml:"provider"`  // "local" or "remote"
	Dimension int                   `yaml:"dimension"` // embedding vector dimension (default 384)
	Remote    RemoteEmbeddingConfig `yaml:"remote"`
}

// RemoteEmbeddingConfig holds OpenAI-compatible embedding service configuration
type RemoteEmbeddingConfig struct {
	URL        string        `yaml:"url"`   // base URL of the embeddings endpoint
	Model      string        `yaml:"model"` // model name sent with each request
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`     // per-request timeout (default 10s)
	MaxRetries int           `yaml:"max_retries"` // transient failure retries (default 3)
}

// SemanticConfig holds semantic detector configuration
type SemanticConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"` // similarity cutoff, inclusive (default 0.85)
	TopK      int     `yaml:"top_k"`     // nearest neighbours fetched per check (default 10)
}

// PipelineConfig holds orchestrator configuration
type PipelineConfig struct {
	RecentDetections int           `yaml:"recent_detections"` // flagged results kept in memory (default 1000)
	Breaker          BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker tuning for external dependencies
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening (default 5)
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`  // open duration before a probe (default 60s)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		// Return defaults if config file doesn't exist
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "rampart",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
			SQLite: SQLiteConfig{
				Path:            "data/rampart.db",
				CleanupInterval: time.Minute,
			},
		},
		Cache: CacheConfig{
			Enabled:   true,
			LocalSize: 1000,
			LocalTTL:  5 * time.Minute,
			RemoteTTL: time.Hour,
		},
		Vector: VectorConfig{
			Backend:   "memory",
			IndexName: "prompt_embeddings",
			KeyPrefix: "embedding:",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			Dimension: 384,
			Remote: RemoteEmbeddingConfig{
				URL:        "http://localhost:8081",
				Model:      "all-MiniLM-L6-v2",
				Timeout:    10 * time.Second,
				MaxRetries: 3,
			},
		},
		Semantic: SemanticConfig{
			Enabled:   true,
			Threshold: 0.85,
			TopK:      10,
		},
		Pipeline: PipelineConfig{
			RecentDetections: 1000,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAMPART_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("RAMPART_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RAMPART_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("RAMPART_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
		c.Vector.Redis.Addr = v
	}
	if v := os.Getenv("RAMPART_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
		c.Vector.Redis.Password = v
	}
	if v := os.Getenv("RAMPART_SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	if os.Getenv("RAMPART_CACHE_ENABLED") == "false" {
		c.Cache.Enabled = false
	}
	if v := os.Getenv("RAMPART_VECTOR_BACKEND"); v != "" {
		c.Vector.Backend = v
	}
	if v := os.Getenv("RAMPART_SEMANTIC_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			c.Semantic.Threshold = t
		}
	}
	if os.Getenv("RAMPART_SEMANTIC_ENABLED") == "false" {
		c.Semantic.Enabled = false
	}
	if v := os.Getenv("RAMPART_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("RAMPART_EMBEDDING_URL"); v != "" {
		c.Embedding.Remote.URL = v
	}
	if v := os.Getenv("RAMPART_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.Remote.APIKey = v
	}
	if v := os.Getenv("RAMPART_PATTERNS_FILE"); v != "" {
		c.Patterns = v
	}
	if v := os.Getenv("RAMPART_POLICIES_FILE"); v != "" {
		c.Policies = v
	}

	// Telemetry overrides
	if os.Getenv("RAMPART_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("RAMPART_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("RAMPART_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("RAMPART_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

// validate checks that the configuration is valid
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("store backend must be \"memory\", \"redis\", or \"sqlite\", got %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("sqlite store requires a path")
	}
	switch c.Vector.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("vector backend must be \"memory\" or \"redis\", got %q", c.Vector.Backend)
	}
	if c.Cache.LocalSize <= 0 {
		return fmt.Errorf("cache local_size must be positive")
	}
	if c.Cache.LocalTTL <= 0 || c.Cache.RemoteTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	switch c.Embedding.Provider {
	case "local", "remote":
	default:
		return fmt.Errorf("embedding provider must be \"local\" or \"remote\", got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Semantic.Threshold < 0 || c.Semantic.Threshold > 1 {
		return fmt.Errorf("semantic threshold must be between 0 and 1, got %v", c.Semantic.Threshold)
	}
	if c.Semantic.TopK <= 0 {
		return fmt.Errorf("semantic top_k must be positive")
	}
	if c.Pipeline.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive")
	}
	return nil
}
