package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goldfinch-research/orchestrator/internal/cancellation"
	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
	"github.com/goldfinch-research/orchestrator/internal/config"
	"github.com/goldfinch-research/orchestrator/internal/db"
	"github.com/goldfinch-research/orchestrator/internal/dispatch"
	"github.com/goldfinch-research/orchestrator/internal/domains"
	"github.com/goldfinch-research/orchestrator/internal/health"
	"github.com/goldfinch-research/orchestrator/internal/httpapi"
	"github.com/goldfinch-research/orchestrator/internal/llm"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/session"
	"github.com/goldfinch-research/orchestrator/internal/streaming"
	"github.com/goldfinch-research/orchestrator/internal/tracing"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to goldfinch.yaml (defaults to $GOLDFINCH_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Orchestrator exited with error", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	healthManager := health.NewManager(30*time.Second, logger)
	_ = healthManager.RegisterChecker(health.NewBreakerHealthChecker(circuitbreaker.GlobalMetricsCollector))

	registry := cancellation.NewRegistry(cancellation.Config{
		Shards:       cfg.Orchestrator.RegistryShards,
		ReleaseGrace: cfg.Orchestrator.ReleaseGrace,
	}, logger)
	defer registry.Close()

	// Redis backs the cancel relay, the event mirror and session history.
	var (
		redisClient *redis.Client
		redisCB     *circuitbreaker.RedisWrapper
		relay       *cancellation.RedisRelay
		mirror      *streaming.RedisMirror
		history     *session.Manager
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCB = circuitbreaker.NewRedisWrapper(redisClient, "redis", logger)
		defer func() { _ = redisCB.Close() }()

		if err := redisCB.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		_ = healthManager.RegisterChecker(health.NewRedisHealthChecker(redisCB, false, logger))

		relay = cancellation.NewRedisRelay(redisClient, registry, cfg.Redis.CancelChannel, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Cancel relay stopped", zap.Error(err))
			}
		}()

		if cfg.Streaming.MirrorToRedis {
			mirror = streaming.NewRedisMirror(redisCB, cfg.Redis.EventsPrefix, cfg.Streaming.MirrorMaxLen, cfg.Redis.EventsTTL)
		}
		history = session.NewManager(redisCB, session.Options{
			TTL:      cfg.Redis.SessionTTL,
			MaxItems: cfg.Redis.SessionMaxItems,
		}, logger)
	}

	var streamMirror streaming.Mirror
	if mirror != nil {
		streamMirror = mirror
	}
	streams := streaming.NewManager(streaming.Options{
		Buffer:         cfg.Streaming.Buffer,
		Overflow:       streaming.OverflowPolicy(cfg.Streaming.Overflow),
		PublishTimeout: cfg.Streaming.PublishTimeout,
		RingCapacity:   cfg.Streaming.RingCapacity,
		Retention:      cfg.Streaming.Retention,
	}, streamMirror, logger)
	defer streams.Close()

	var store *db.Client
	if cfg.Database.Enabled {
		store, err = db.Open(ctx, db.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN(),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			WriteWorkers:    cfg.Database.WriteWorkers,
			WriteQueueSize:  cfg.Database.WriteQueueSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		_ = healthManager.RegisterChecker(health.NewDatabaseHealthChecker(store.Wrapper(), logger))
	}

	catalog := domains.NewCatalog(nil, logger)
	watcher, err := config.NewWatcher(cfg.Domains.Dir, logger)
	if err != nil {
		logger.Warn("Domain catalog watcher unavailable, loading once", zap.Error(err))
		if loaded, lerr := domains.LoadFile(filepath.Join(cfg.Domains.Dir, cfg.Domains.File), logger); lerr == nil {
			catalog = loaded
		} else {
			logger.Warn("Domain catalog not loaded, domain searches disabled", zap.Error(lerr))
		}
	} else {
		watcher.RegisterValidator(cfg.Domains.File, domains.ValidateFile)
		watcher.RegisterHandler(cfg.Domains.File, catalog.HandleChange)
		if cfg.Domains.PollInterval > 0 {
			watcher.EnablePolling(cfg.Domains.PollInterval)
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Domain catalog watcher failed to start", zap.Error(err))
		}
		defer func() { _ = watcher.Stop() }()
	}

	llmClient := llm.NewClient(llm.Config{
		Endpoint:      cfg.LLM.Endpoint,
		APIKey:        config.APIKey(cfg.LLM.APIKeyEnv),
		RouterModel:   cfg.LLM.RouterModel,
		PlannerModel:  cfg.LLM.PlannerModel,
		SummaryModel:  cfg.LLM.SummaryModel,
		MaxQueries:    cfg.LLM.MaxQueries,
		HTTPTimeout:   cfg.LLM.HTTPTimeout,
		StreamTimeout: cfg.LLM.SummaryTimeout,
	}, logger)

	provider := search.NewPerplexityProvider(search.PerplexityConfig{
		Endpoint:          cfg.Search.Endpoint,
		APIKey:            config.APIKey(cfg.Search.APIKeyEnv),
		Model:             cfg.Search.Model,
		Temperature:       cfg.Search.Temperature,
		RequestsPerSecond: cfg.Search.RequestsPerSecond,
		Burst:             cfg.Search.Burst,
		HTTPTimeout:       cfg.Search.HTTPTimeout,
	}, nil, logger)
	runner := search.NewRunner(provider, cfg.Orchestrator.SearchTimeout, logger)
	dispatcher := dispatch.New(runner, cfg.Orchestrator.MaxConcurrency, logger)

	deps := workflow.Deps{
		Registry:   registry,
		Streams:    streams,
		Dispatcher: dispatcher,
		Router:     llm.NewRouter(llmClient),
		Planner:    llm.NewPlanner(llmClient),
		Summarizer: llm.NewSummarizer(llmClient),
		Domains:    catalog,
	}
	if store != nil {
		deps.Store = store
		deps.Events = store
	}
	if history != nil {
		deps.History = history
	}
	if relay != nil {
		deps.Relay = relay
	}

	orch, err := workflow.New(workflow.Config{
		RouterTimeout:   cfg.Orchestrator.RouterTimeout,
		SummaryTimeout:  cfg.Orchestrator.SummaryTimeout,
		StoreTimeout:    cfg.Orchestrator.StoreTimeout,
		HistoryLimit:    cfg.Orchestrator.HistoryLimit,
		PlannerFallback: cfg.Orchestrator.PlannerFallback,
		Retention:       cfg.Streaming.Retention,
	}, deps, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	_ = healthManager.RegisterChecker(health.NewCustomHealthChecker("orchestrator", false, time.Second,
		func(context.Context) health.CheckResult {
			return health.CheckResult{
				Status:    health.StatusHealthy,
				Message:   fmt.Sprintf("%d requests in flight", orch.InFlight()),
				Details:   map[string]interface{}{"in_flight": orch.InFlight(), "tokens": registry.Len()},
				Timestamp: time.Now(),
			}
		}))
	healthManager.Start(ctx)
	defer healthManager.Stop()

	var archives []httpapi.EventArchive
	if mirror != nil {
		archives = append(archives, mirror)
	}
	if store != nil {
		archives = append(archives, store)
	}

	apiMux := http.NewServeMux()
	httpapi.NewHandler(orch, httpapi.Options{
		Heartbeat: cfg.HTTP.HeartbeatPeriod,
		Archives:  archives,
	}, logger).RegisterRoutes(apiMux)

	adminMux := http.NewServeMux()
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(adminMux)
	if cfg.Metrics.Enabled {
		adminMux.Handle("GET /metrics", promhttp.Handler())
	}

	apiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:     apiMux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// Streams stay open for the whole request, so writes are not bounded here.
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("HTTP server listening", zap.String("server", name), zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("api", apiServer)
	go serve("admin", adminServer)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error("HTTP server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout)
	defer cancel()

	// Cancel in-flight requests first so their streams end with a terminal event
	// before the API server waits on open SSE and WebSocket handlers.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Orchestrator shutdown incomplete", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown incomplete", zap.Error(err))
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("Database close failed", zap.Error(err))
		}
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Orchestrator stopped")
	return runErr
}
