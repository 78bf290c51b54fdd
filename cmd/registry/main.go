package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gustycube/discovery-registry/internal/api"
	"github.com/gustycube/discovery-registry/internal/config"
	"github.com/gustycube/discovery-registry/internal/dedup"
	"github.com/gustycube/discovery-registry/internal/health"
	"github.com/gustycube/discovery-registry/internal/ingest"
	"github.com/gustycube/discovery-registry/internal/logging"
	"github.com/gustycube/discovery-registry/internal/metrics"
	"github.com/gustycube/discovery-registry/internal/queue"
	"github.com/gustycube/discovery-registry/internal/rate"
	"github.com/gustycube/discovery-registry/internal/reconcile"
	"github.com/gustycube/discovery-registry/internal/registry"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/store/badgerstore"
	"github.com/gustycube/discovery-registry/internal/store/postgres"
	"github.com/gustycube/discovery-registry/internal/telemetry"
	"github.com/gustycube/discovery-registry/internal/tree"
)

const version = "1.0.0"

// memoryDedupSize bounds the in-process set of seen event ids.
const memoryDedupSize = 1 << 16

func main() {
	var configFile string
	var apiAddr string
	var metricsAddr string
	var logLevel string
	var backend string
	var badgerPath string
	var badgerInMemory bool
	var eventsFile string
	var workers int
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&apiAddr, "api_addr", "", "REST API listen addr")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics and health listen addr (empty to disable)")
	flag.StringVar(&logLevel, "log_level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&backend, "store", "", "store backend (badger, postgres)")
	flag.StringVar(&badgerPath, "badger_path", "", "badger data directory")
	flag.BoolVar(&badgerInMemory, "badger_in_memory", false, "keep the badger store in memory")
	flag.StringVar(&eventsFile, "events", "", "JSONL file of discovery events to ingest at startup")
	flag.IntVar(&workers, "ingest_workers", 0, "concurrent ingest workers")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "discovery-registry keeps the JVM discovery tree and target registry\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis server for event deduplication\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR Redis server holding the discovery event queue\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_KEY  Redis list key of the event queue\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL        Log level (debug, info, warn, error)\n")
		fmt.Fprintf(os.Stderr, "  PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE, PGSSLMODE\n")
		fmt.Fprintf(os.Stderr, "                   PostgreSQL settings for -store=postgres\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Println("discovery-registry v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config file:", err)
			os.Exit(1)
		}
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := map[string]interface{}{
		"api_addr":         apiAddr,
		"metrics_addr":     metricsAddr,
		"log_level":        logLevel,
		"store":            backend,
		"badger_path":      badgerPath,
		"badger_in_memory": badgerInMemory,
		"events":           eventsFile,
		"ingest_workers":   workers,
		"otel_endpoint":    otelEndpoint,
		"otel_service":     otelService,
		"otel_insecure":    otelInsecure,
	}
	cfg.MergeWithFlags(flags)
	cfg.SetDefaults()

	log := logging.New(cfg.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint: cfg.OTELEndpoint,
		Service:  cfg.OTELService,
		Version:  version,
		Insecure: cfg.OTELInsecure,
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)
	healthHandler.SetMetadata("store", cfg.Store.Backend)

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatalw("open store", "backend", cfg.Store.Backend, "err", err)
	}
	defer s.Close()
	healthHandler.RegisterChecker("store", health.NewStoreChecker(s.Ping))

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	retry := cfg.RetryPolicy()
	rec := reconcile.New(s, retry, log)
	nodes := tree.New(s, rec, retry, log)
	targets := registry.New(s, registry.Config{
		Retry:     retry,
		CacheSize: cfg.LookupCache.Size,
		CacheTTL:  cfg.LookupCacheTTL(),
	}, log)

	if _, err := nodes.EnsureUniverse(ctx, nil); err != nil {
		log.Fatalw("create universe", "err", err)
	}

	var d dedup.Interface
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedis(cfg.RedisAddr, cfg.DedupTTL(), log)
		if err != nil {
			log.Fatalw("redis init", "err", err)
		}
		defer rd.Close()
		healthHandler.RegisterChecker("redis", health.NewRedisChecker(rd.Ping))
		log.Infow("redis dedupe enabled", "addr", cfg.RedisAddr)
		d = rd
	} else {
		d = dedup.NewMemory(memoryDedupSize, cfg.DedupTTL())
		log.Infow("memory dedupe enabled")
	}
	proc := ingest.NewProcessor(s, retry, rec, nodes, targets, d, log)

	ingestDone := make(chan struct{})
	src, closeSrc, err := openSource(ctx, cfg, healthHandler, log)
	if err != nil {
		log.Fatalw("open event source", "err", err)
	}
	if src != nil {
		go func() {
			defer close(ingestDone)
			defer closeSrc()
			proc.Run(ctx, src, cfg.IngestWorkers, ingest.DefaultMaxAttempts)
			log.Infow("event ingestion stopped")
		}()
	} else {
		close(ingestDone)
	}

	limiter := rate.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	defer limiter.Stop()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.New(targets, nodes, limiter, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("api server failed", "err", err)
			cancel()
		}
	}()

	log.Infow("starting discovery registry",
		"api_addr", cfg.APIAddr,
		"store", cfg.Store.Backend,
		"ingest_workers", cfg.IngestWorkers,
		"config_file", configFile,
	)
	healthHandler.SetReady(true)

	<-ctx.Done()
	healthHandler.SetReady(false)
	log.Infow("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("api shutdown", "err", err)
	}
	select {
	case <-ingestDone:
	case <-shutdownCtx.Done():
		log.Warnw("ingest workers did not stop in time")
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Store.Postgres)
	default:
		bc := badgerstore.DefaultConfig(cfg.Store.BadgerPath)
		if cfg.Store.BadgerInMemory {
			bc = badgerstore.InMemoryConfig()
		}
		bc.Logger = log
		return badgerstore.Open(bc)
	}
}

// openSource picks the Redis queue when one is configured and the events file
// otherwise. It returns a nil source when neither is set.
func openSource(ctx context.Context, cfg *config.Config, h *health.Handler, log *logging.Logger) (ingest.Source, func(), error) {
	if cfg.RedisQueueAddr != "" {
		q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		n, err := q.Recover(ctx)
		if err != nil {
			log.Warnw("requeue of in-flight events failed", "err", err)
		} else if n > 0 {
			log.Infow("requeued in-flight events", "count", n)
		}
		h.RegisterChecker("queue", health.NewRedisChecker(q.Ping))
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
		return ingest.NewQueueSource(q), func() { _ = q.Close() }, nil
	}
	if cfg.EventsFile != "" {
		f, err := ingest.OpenFile(cfg.EventsFile)
		if err != nil {
			return nil, nil, err
		}
		log.Infow("ingesting events file", "path", cfg.EventsFile)
		return f, func() { _ = f.Close() }, nil
	}
	return nil, nil, nil
}
