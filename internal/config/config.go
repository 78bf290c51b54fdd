package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/store/postgres"
)

// Store backends
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config represents the complete configuration of the registry service
type Config struct {
	// Listeners
	APIAddr     string `yaml:"api_addr" json:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel    string `yaml:"log_level" json:"log_level"`

	Store StoreConfig `yaml:"store" json:"store"`
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Target lookup cache
	LookupCache CacheConfig `yaml:"lookup_cache" json:"lookup_cache"`

	// API rate limiting per client address
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Ingestion
	EventsFile    string `yaml:"events_file" json:"events_file"`
	IngestWorkers int    `yaml:"ingest_workers" json:"ingest_workers"`
	DedupTTLSec   int    `yaml:"dedup_ttl_sec" json:"dedup_ttl_sec"`

	// Observability
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// StoreConfig selects and configures the node store backend
type StoreConfig struct {
	Backend        string           `yaml:"backend" json:"backend"`
	BadgerPath     string           `yaml:"badger_path" json:"badger_path"`
	BadgerInMemory bool             `yaml:"badger_in_memory" json:"badger_in_memory"`
	Postgres       *postgres.Config `yaml:"postgres" json:"postgres"`
}

// RetryConfig bounds retries of conflicting write units
type RetryConfig struct {
	MaxElapsedMs int `yaml:"max_elapsed_ms" json:"max_elapsed_ms"`
}

// CacheConfig sizes the target lookup cache
type CacheConfig struct {
	Size   int `yaml:"size" json:"size"`
	TTLSec int `yaml:"ttl_sec" json:"ttl_sec"`
}

// RateLimitConfig holds the per-client API token bucket settings
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.APIAddr == "" {
		c.APIAddr = ":8181"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendBadger
	}
	if c.Store.BadgerPath == "" {
		c.Store.BadgerPath = "data/registry"
	}
	if c.Store.Backend == BackendPostgres && c.Store.Postgres == nil {
		c.Store.Postgres = postgres.DefaultConfig()
	}
	if c.Retry.MaxElapsedMs == 0 {
		c.Retry.MaxElapsedMs = 5000
	}
	if c.LookupCache.Size == 0 {
		c.LookupCache.Size = 4096
	}
	if c.LookupCache.TTLSec == 0 {
		c.LookupCache.TTLSec = 600
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.IngestWorkers == 0 {
		c.IngestWorkers = 4
	}
	if c.DedupTTLSec == 0 {
		c.DedupTTLSec = 86400
	}
	if c.OTELService == "" {
		c.OTELService = "discovery-registry"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "registry:events"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("api_addr is required")
	}
	switch c.Store.Backend {
	case BackendBadger:
		if !c.Store.BadgerInMemory && c.Store.BadgerPath == "" {
			return fmt.Errorf("store.badger_path is required unless store.badger_in_memory is set")
		}
	case BackendPostgres:
		if c.Store.Postgres == nil {
			return fmt.Errorf("store.postgres is required for the postgres backend")
		}
		if err := c.Store.Postgres.Validate(); err != nil {
			return fmt.Errorf("store.postgres: %w", err)
		}
	default:
		return fmt.Errorf("unknown store.backend %q (use %s or %s)", c.Store.Backend, BackendBadger, BackendPostgres)
	}
	if c.Retry.MaxElapsedMs < 1 {
		return fmt.Errorf("retry.max_elapsed_ms must be at least 1")
	}
	if c.LookupCache.Size < 0 {
		return fmt.Errorf("lookup_cache.size must not be negative")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.rps must be positive and rate_limit.burst at least 1")
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("ingest_workers must be at least 1")
	}
	if c.EventsFile != "" && c.RedisQueueAddr != "" {
		return fmt.Errorf("events_file and redis_queue_addr are mutually exclusive")
	}
	return nil
}

// RetryPolicy converts the retry settings for the store helpers
func (c *Config) RetryPolicy() store.RetryPolicy {
	p := store.DefaultRetryPolicy()
	p.MaxElapsed = time.Duration(c.Retry.MaxElapsedMs) * time.Millisecond
	return p
}

// LookupCacheTTL returns the lookup cache TTL as a duration
func (c *Config) LookupCacheTTL() time.Duration {
	return time.Duration(c.LookupCache.TTLSec) * time.Second
}

// DedupTTL returns how long applied event ids are remembered
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["api_addr"].(string); ok && v != "" {
		c.APIAddr = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["store"].(string); ok && v != "" {
		c.Store.Backend = v
	}
	if v, ok := flags["badger_path"].(string); ok && v != "" {
		c.Store.BadgerPath = v
	}
	if v, ok := flags["badger_in_memory"].(bool); ok && v {
		c.Store.BadgerInMemory = v
	}
	if v, ok := flags["events"].(string); ok && v != "" {
		c.EventsFile = v
	}
	if v, ok := flags["ingest_workers"].(int); ok && v > 0 {
		c.IngestWorkers = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	c.loadPostgresEnv()
}

// loadPostgresEnv applies the libpq PG* variables; any of them selects the
// postgres backend settings block.
func (c *Config) loadPostgresEnv() {
	host, port := os.Getenv("PGHOST"), os.Getenv("PGPORT")
	user, password := os.Getenv("PGUSER"), os.Getenv("PGPASSWORD")
	database, sslmode := os.Getenv("PGDATABASE"), os.Getenv("PGSSLMODE")
	if host == "" && port == "" && user == "" && password == "" && database == "" && sslmode == "" {
		return
	}
	if c.Store.Postgres == nil {
		c.Store.Postgres = postgres.DefaultConfig()
	}
	pg := c.Store.Postgres
	if host != "" {
		pg.Host = host
	}
	if p, err := strconv.Atoi(port); err == nil {
		pg.Port = p
	}
	if user != "" {
		pg.User = user
	}
	if password != "" {
		pg.Password = password
	}
	if database != "" {
		pg.Database = database
	}
	if sslmode != "" {
		pg.SSLMode = sslmode
	}
}
