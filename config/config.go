package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends understood by db.Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds application configuration
type Config struct {
	Storage struct {
		Backend       string `yaml:"backend"`
		SQLitePath    string `yaml:"sqlite_path"`
		PostgresURL   string `yaml:"postgres_url"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		KeyPrefix     string `yaml:"key_prefix"`
		// MaxValueBytes caps a single stored value; 0 means unlimited.
		MaxValueBytes int `yaml:"max_value_bytes"`
	} `yaml:"storage"`
	Ollama struct {
		BaseURL   string        `yaml:"base_url"`
		ChatModel string        `yaml:"chat_model"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"ollama"`
	Embeddings struct {
		Model      string        `yaml:"model"`
		Timeout    time.Duration `yaml:"timeout"`
		BatchDelay time.Duration `yaml:"batch_delay"`
	} `yaml:"embeddings"`
	Cache struct {
		MaxEntries           int           `yaml:"max_entries"`
		MaxMemoryMB          int           `yaml:"max_memory_mb"`
		CompressionThreshold int           `yaml:"compression_threshold"`
		CompressionDecimals  int           `yaml:"compression_decimals"`
		OptimizeInterval     time.Duration `yaml:"optimize_interval"`
		Persist              bool          `yaml:"persist"`
	} `yaml:"cache"`
	Chunking struct {
		MaxChunkLength int `yaml:"max_chunk_length"`
		// MinPageLength below zero keeps every page.
		MinPageLength int `yaml:"min_page_length"`
	} `yaml:"chunking"`
	Search struct {
		DefaultLimit         int `yaml:"default_limit"`
		ContextLimit         int `yaml:"context_limit"`
		VectorDecimals       int `yaml:"vector_decimals"`
		FallbackDecimals     int `yaml:"fallback_decimals"`
		MaxChunkPayloadBytes int `yaml:"max_chunk_payload_bytes"`
	} `yaml:"search"`
	Dedup struct {
		PrefixLength     int     `yaml:"prefix_length"`
		SimilarThreshold float64 `yaml:"similar_threshold"`
		OverlapThreshold float64 `yaml:"overlap_threshold"`
		PointCountWeight float64 `yaml:"point_count_weight"`
		ProtocolWeight   float64 `yaml:"protocol_weight"`
		FileNameWeight   float64 `yaml:"file_name_weight"`
		SkipDuplicates   bool    `yaml:"skip_duplicates"`
	} `yaml:"dedup"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Paths struct {
		DataDir  string `yaml:"data_dir"`
		InboxDir string `yaml:"inbox_dir"`
	} `yaml:"paths"`
}

// DefaultPath returns ~/.manualrag/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".manualrag", "config.yaml")
}

// Load loads configuration from path (DefaultPath when empty) or returns defaults.
// A .env file in the working directory and MANUALRAG_* variables override the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	// Left empty so they follow the final data dir unless set explicitly.
	cfg.Storage.SQLitePath = ""
	cfg.Paths.InboxDir = ""
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults
	case err != nil:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save saves configuration to path (DefaultPath when empty)
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("invalid config: storage.postgres_url is required for the postgres backend")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("invalid config: storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Chunking.MinPageLength > c.Chunking.MaxChunkLength {
		return fmt.Errorf("invalid config: chunking.min_page_length (%d) exceeds max_chunk_length (%d)",
			c.Chunking.MinPageLength, c.Chunking.MaxChunkLength)
	}
	if c.Dedup.SimilarThreshold < 0 || c.Dedup.SimilarThreshold > 100 {
		return errors.New("invalid config: dedup.similar_threshold must be within 0..100")
	}
	if c.Dedup.OverlapThreshold < 0 || c.Dedup.OverlapThreshold > 100 {
		return errors.New("invalid config: dedup.overlap_threshold must be within 0..100")
	}
	return nil
}

// CachePath is where the embedding cache snapshot is kept between runs.
func (c *Config) CachePath() string {
	return filepath.Join(c.Paths.DataDir, "embedding-cache.json")
}

// Default returns default configuration
func Default() *Config {
	cfg := &Config{}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
	}
	cfg.Paths.DataDir = filepath.Join(homeDir, ".manualrag")
	cfg.Paths.InboxDir = filepath.Join(homeDir, ".manualrag", "inbox")

	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(cfg.Paths.DataDir, "manualrag.db")
	cfg.Storage.KeyPrefix = "manualrag:"

	cfg.Ollama.BaseURL = "http://localhost:11434"
	cfg.Ollama.Timeout = 5 * time.Minute

	cfg.Embeddings.Model = "nomic-embed-text"
	cfg.Embeddings.Timeout = 30 * time.Second
	cfg.Embeddings.BatchDelay = 100 * time.Millisecond

	cfg.Cache.MaxEntries = 1000
	cfg.Cache.MaxMemoryMB = 50
	cfg.Cache.CompressionThreshold = 512
	cfg.Cache.CompressionDecimals = 4
	cfg.Cache.OptimizeInterval = 5 * time.Minute
	cfg.Cache.Persist = true

	cfg.Chunking.MaxChunkLength = 500
	cfg.Chunking.MinPageLength = 50

	cfg.Search.DefaultLimit = 5
	cfg.Search.ContextLimit = 3
	cfg.Search.VectorDecimals = 6
	cfg.Search.FallbackDecimals = 2
	cfg.Search.MaxChunkPayloadBytes = 4 << 20

	cfg.Dedup.PrefixLength = 1000
	cfg.Dedup.SimilarThreshold = 80
	cfg.Dedup.OverlapThreshold = 50
	cfg.Dedup.PointCountWeight = 50
	cfg.Dedup.ProtocolWeight = 30
	cfg.Dedup.FileNameWeight = 20

	cfg.Server.Addr = "127.0.0.1:8080"

	return cfg
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"MANUALRAG_OLLAMA_URL":      &c.Ollama.BaseURL,
		"MANUALRAG_EMBED_MODEL":     &c.Embeddings.Model,
		"MANUALRAG_CHAT_MODEL":      &c.Ollama.ChatModel,
		"MANUALRAG_STORAGE_BACKEND": &c.Storage.Backend,
		"MANUALRAG_SQLITE_PATH":     &c.Storage.SQLitePath,
		"MANUALRAG_POSTGRES_URL":    &c.Storage.PostgresURL,
		"MANUALRAG_REDIS_ADDR":      &c.Storage.RedisAddr,
		"MANUALRAG_DATA_DIR":        &c.Paths.DataDir,
	}
	for key, target := range overrides {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = d.Paths.DataDir
	}
	if c.Paths.InboxDir == "" {
		c.Paths.InboxDir = filepath.Join(c.Paths.DataDir, "inbox")
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Paths.DataDir, "manualrag.db")
	}
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = d.Ollama.BaseURL
	}
	if c.Ollama.Timeout <= 0 {
		c.Ollama.Timeout = d.Ollama.Timeout
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = d.Embeddings.Model
	}
	if c.Embeddings.Timeout <= 0 {
		c.Embeddings.Timeout = d.Embeddings.Timeout
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = d.Cache.MaxEntries
	}
	if c.Cache.MaxMemoryMB <= 0 {
		c.Cache.MaxMemoryMB = d.Cache.MaxMemoryMB
	}
	if c.Cache.OptimizeInterval <= 0 {
		c.Cache.OptimizeInterval = d.Cache.OptimizeInterval
	}
	if c.Chunking.MaxChunkLength <= 0 {
		c.Chunking.MaxChunkLength = d.Chunking.MaxChunkLength
	}
	if c.Chunking.MinPageLength == 0 {
		c.Chunking.MinPageLength = d.Chunking.MinPageLength
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = d.Search.DefaultLimit
	}
	if c.Search.ContextLimit <= 0 {
		c.Search.ContextLimit = d.Search.ContextLimit
	}
	if c.Dedup.PrefixLength <= 0 {
		c.Dedup.PrefixLength = d.Dedup.PrefixLength
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
}
