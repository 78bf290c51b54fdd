package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gustycube/discovery-registry/internal/store/postgres"
)

func TestLoadFromFile_YAML(t *testing.T) {
	yamlContent := `
api_addr: ":8080"
log_level: debug
store:
  backend: postgres
  postgres:
    host: db.internal
    port: 5433
    user: cryo
    password: secret
    database: registry
retry:
  max_elapsed_ms: 2500
lookup_cache:
  size: 10
  ttl_sec: 30
redis_queue_addr: redis:6379
`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load YAML config: %v", err)
	}

	if cfg.APIAddr != ":8080" {
		t.Errorf("expected api_addr ':8080', got %s", cfg.APIAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.LogLevel)
	}
	if cfg.Store.Backend != BackendPostgres {
		t.Errorf("expected postgres backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Postgres == nil || cfg.Store.Postgres.Host != "db.internal" || cfg.Store.Postgres.Port != 5433 {
		t.Errorf("unexpected postgres settings: %+v", cfg.Store.Postgres)
	}
	if cfg.Store.Postgres.SSLMode != "disable" {
		t.Errorf("expected sslmode to default to disable, got %q", cfg.Store.Postgres.SSLMode)
	}
	if got := cfg.RetryPolicy().MaxElapsed; got != 2500*time.Millisecond {
		t.Errorf("expected retry max elapsed 2.5s, got %v", got)
	}
	if cfg.LookupCache.Size != 10 || cfg.LookupCacheTTL() != 30*time.Second {
		t.Errorf("unexpected lookup cache: %+v", cfg.LookupCache)
	}
	if cfg.RedisQueueKey != "registry:events" {
		t.Errorf("expected default queue key, got %s", cfg.RedisQueueKey)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	jsonContent := `{
		"store": {"backend": "badger", "badger_in_memory": true},
		"ingest_workers": 8,
		"events_file": "events.jsonl",
		"metrics_addr": ":8080"
	}`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(configFile, []byte(jsonContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}

	if !cfg.Store.BadgerInMemory {
		t.Error("expected badger_in_memory to be set")
	}
	if cfg.IngestWorkers != 8 {
		t.Errorf("expected ingest_workers 8, got %d", cfg.IngestWorkers)
	}
	if cfg.EventsFile != "events.jsonl" {
		t.Errorf("expected events_file, got %s", cfg.EventsFile)
	}
	if cfg.MetricsAddr != ":8080" {
		t.Errorf("expected metrics_addr ':8080', got %s", cfg.MetricsAddr)
	}
}

func TestLoadFromFile_Unsupported(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configFile, []byte("x = 1"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(configFile); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.APIAddr != ":8181" {
		t.Errorf("expected default api_addr ':8181', got %s", cfg.APIAddr)
	}
	if cfg.Store.Backend != BackendBadger {
		t.Errorf("expected default backend badger, got %s", cfg.Store.Backend)
	}
	if cfg.Store.BadgerPath != "data/registry" {
		t.Errorf("unexpected default badger_path: %s", cfg.Store.BadgerPath)
	}
	if cfg.IngestWorkers != 4 {
		t.Errorf("expected default ingest_workers 4, got %d", cfg.IngestWorkers)
	}
	if cfg.DedupTTL() != 24*time.Hour {
		t.Errorf("expected default dedup ttl 24h, got %v", cfg.DedupTTL())
	}
	if cfg.RateLimit.RPS != 50 || cfg.RateLimit.Burst != 100 {
		t.Errorf("unexpected default rate limit: %+v", cfg.RateLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{}
		c.SetDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, wantErr: true},
		{name: "postgres without settings", mutate: func(c *Config) { c.Store.Backend = BackendPostgres }, wantErr: true},
		{
			name: "postgres with settings",
			mutate: func(c *Config) {
				c.Store.Backend = BackendPostgres
				c.Store.Postgres = postgres.DefaultConfig()
			},
			wantErr: false,
		},
		{name: "invalid workers", mutate: func(c *Config) { c.IngestWorkers = 0 }, wantErr: true},
		{name: "invalid retry", mutate: func(c *Config) { c.Retry.MaxElapsedMs = 0 }, wantErr: true},
		{name: "invalid rate limit", mutate: func(c *Config) { c.RateLimit.Burst = 0 }, wantErr: true},
		{
			name: "two event sources",
			mutate: func(c *Config) {
				c.EventsFile = "events.jsonl"
				c.RedisQueueAddr = "localhost:6379"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := &Config{
		APIAddr:       ":8181",
		LogLevel:      "info",
		IngestWorkers: 2,
	}

	flags := map[string]interface{}{
		"api_addr":       ":9999",
		"ingest_workers": 16,
		"store":          BackendPostgres,
		"otel_insecure":  true,
	}

	cfg.MergeWithFlags(flags)

	if cfg.APIAddr != ":9999" {
		t.Errorf("expected api_addr to be overridden, got %s", cfg.APIAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level to remain info, got %s", cfg.LogLevel)
	}
	if cfg.IngestWorkers != 16 {
		t.Errorf("expected ingest_workers 16, got %d", cfg.IngestWorkers)
	}
	if cfg.Store.Backend != BackendPostgres {
		t.Errorf("expected backend override, got %s", cfg.Store.Backend)
	}
	if !cfg.OTELInsecure {
		t.Error("expected otel_insecure to be set")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.test:6379")
	t.Setenv("REDIS_QUEUE_ADDR", "queue.test:6379")
	t.Setenv("REDIS_QUEUE_KEY", "test:queue")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PGHOST", "pg.test")
	t.Setenv("PGPORT", "6543")
	for _, k := range []string{"PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE"} {
		t.Setenv(k, "")
	}

	cfg := &Config{}
	cfg.LoadFromEnv()

	if cfg.RedisAddr != "redis.test:6379" {
		t.Errorf("expected RedisAddr from env, got %s", cfg.RedisAddr)
	}
	if cfg.RedisQueueAddr != "queue.test:6379" {
		t.Errorf("expected RedisQueueAddr from env, got %s", cfg.RedisQueueAddr)
	}
	if cfg.RedisQueueKey != "test:queue" {
		t.Errorf("expected RedisQueueKey from env, got %s", cfg.RedisQueueKey)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel from env, got %s", cfg.LogLevel)
	}
	if cfg.Store.Postgres == nil || cfg.Store.Postgres.Host != "pg.test" || cfg.Store.Postgres.Port != 6543 {
		t.Errorf("expected postgres settings from env, got %+v", cfg.Store.Postgres)
	}
	if cfg.Store.Postgres.User != "registry" {
		t.Errorf("expected unset PG vars to keep defaults, got user %s", cfg.Store.Postgres.User)
	}
}
