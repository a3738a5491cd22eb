// Package config loads the subsystem configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDataDir is the default directory name for index data
	DefaultDataDir = ".semindex"
	// DefaultConfigFile is the default config filename
	DefaultConfigFile = "config.yaml"
	// envPrefix namespaces environment overrides (SEMINDEX_*)
	envPrefix = "SEMINDEX"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the directory where indexes and the docstores live
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
	// RecordsDir is the directory-backed record source for watch/reindex
	RecordsDir string `mapstructure:"records_dir" yaml:"records_dir,omitempty"`

	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding,omitempty"`
	Index     IndexConfig     `mapstructure:"index" yaml:"index,omitempty"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache,omitempty"`
	Indexer   IndexerConfig   `mapstructure:"indexer" yaml:"indexer,omitempty"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search,omitempty"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server,omitempty"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	// Provider is the embedding provider: "ollama" or "openai"
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
	// Model is the embedding model name
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// OllamaURL is the Ollama API URL
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url,omitempty"`
	// Dimensions is the embedding vector dimensions
	Dimensions int `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
	// OpenAIAPIKey is the OpenAI API key (also via SEMINDEX_OPENAI_API_KEY)
	OpenAIAPIKey string `mapstructure:"openai_api_key" yaml:"openai_api_key,omitempty"`
	// OpenAIBaseURL overrides the OpenAI API base URL
	OpenAIBaseURL string `mapstructure:"openai_base_url" yaml:"openai_base_url,omitempty"`
	// RequestsPerSecond rate-limits provider calls; 0 disables the limit
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second,omitempty"`
	// CacheSize is the embedding LRU entry cap; 0 disables the cache
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size,omitempty"`
	// CacheTTL expires cached embeddings
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl,omitempty"`
	// MaxConcurrent bounds in-flight provider calls; 0 disables the pool
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent,omitempty"`
}

// IndexConfig holds vector index settings
type IndexConfig struct {
	// Backend selects the vector store: "veclite", "pgvector" or "memory"
	Backend string `mapstructure:"backend" yaml:"backend,omitempty"`
	// PostgresDSN is required for the pgvector backend
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn,omitempty"`
	// ChunkSize is the maximum chunk size in characters
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size,omitempty"`
}

// CacheConfig holds query result cache settings
type CacheConfig struct {
	// Size is the local entry cap; 0 disables result caching
	Size int `mapstructure:"size" yaml:"size,omitempty"`
	// TTL expires cached results
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
	// SharedDSN enables the Postgres shared tier when set
	SharedDSN string `mapstructure:"shared_dsn" yaml:"shared_dsn,omitempty"`
}

// IndexerConfig holds autoindexer settings
type IndexerConfig struct {
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size,omitempty"`
	Workers        int           `mapstructure:"workers" yaml:"workers,omitempty"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay,omitempty"`
	// SweepSchedule is a cron expression; empty disables the sweep
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule,omitempty"`
	// SweepBatchSize caps chunks per embedding call during a sweep
	SweepBatchSize int `mapstructure:"sweep_batch_size" yaml:"sweep_batch_size,omitempty"`
}

// SearchConfig holds search settings
type SearchConfig struct {
	// Timeout bounds each query; 0 disables it
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	// DefaultLimit is the top-k used when a caller passes none
	DefaultLimit int `mapstructure:"default_limit" yaml:"default_limit,omitempty"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:    DefaultDataDir,
		RecordsDir: "records",
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaURL:  "http://localhost:11434",
			Dimensions: 768,
			CacheSize:  2048,
			CacheTTL:   time.Hour,
		},
		Index: IndexConfig{
			Backend:   "veclite",
			ChunkSize: 1200,
		},
		Cache: CacheConfig{
			Size: 512,
			TTL:  5 * time.Minute,
		},
		Indexer: IndexerConfig{
			QueueSize:      256,
			Workers:        4,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
			SweepSchedule:  "@hourly",
			SweepBatchSize: 32,
		},
		Search: SearchConfig{
			Timeout:      30 * time.Second,
			DefaultLimit: 10,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}
}

// Load reads config.yaml from baseDir's data directory, applying
// environment overrides on top of the defaults. A missing config file
// just yields the defaults.
func Load(baseDir string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(baseDir, DefaultDataDir))
	v.AddConfigPath(baseDir)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	_ = v.BindEnv("embedding.provider", "SEMINDEX_EMBEDDING_PROVIDER")
	_ = v.BindEnv("embedding.model", "SEMINDEX_EMBEDDING_MODEL")
	_ = v.BindEnv("embedding.ollama_url", "SEMINDEX_OLLAMA_URL")
	_ = v.BindEnv("embedding.openai_api_key", "SEMINDEX_OPENAI_API_KEY")
	_ = v.BindEnv("embedding.openai_base_url", "SEMINDEX_OPENAI_BASE_URL")
	_ = v.BindEnv("index.backend", "SEMINDEX_INDEX_BACKEND")
	_ = v.BindEnv("index.postgres_dsn", "SEMINDEX_POSTGRES_DSN")
	_ = v.BindEnv("cache.shared_dsn", "SEMINDEX_CACHE_SHARED_DSN")
	_ = v.BindEnv("server.host", "SEMINDEX_HOST")
	_ = v.BindEnv("server.port", "SEMINDEX_PORT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(baseDir, cfg.DataDir)
	}
	if !filepath.IsAbs(cfg.RecordsDir) {
		cfg.RecordsDir = filepath.Join(baseDir, cfg.RecordsDir)
	}

	return cfg, nil
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// WriteDefaultConfig writes the current config to the data directory
// unless a config file already exists.
func (c *Config) WriteDefaultConfig() error {
	configPath := filepath.Join(c.DataDir, DefaultConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(configPath, data, 0o644)
}
