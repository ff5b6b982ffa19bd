package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/eternisai/seo-research/internal/aggregator"
	"github.com/eternisai/seo-research/internal/auth"
	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/cache"
	"github.com/eternisai/seo-research/internal/config"
	"github.com/eternisai/seo-research/internal/dispatch"
	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/maintenance"
	"github.com/eternisai/seo-research/internal/mcp"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/poller"
	"github.com/eternisai/seo-research/internal/provider"
	"github.com/eternisai/seo-research/internal/query"
	"github.com/eternisai/seo-research/internal/research"
	"github.com/eternisai/seo-research/internal/storage/memory"
	"github.com/eternisai/seo-research/internal/storage/pg"
)

var version = "dev"

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	if cfg.Orchestration == nil {
		fatal(log, "Orchestration config is required", errors.New("no orchestration config loaded from "+cfg.OrchestrationConfigPath))
	}
	orch := cfg.Orchestration

	// Set Gin mode
	log.Info("Setting Gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	// Initialize storage. Without DATABASE_URL state lives in memory.
	var (
		store research.Store
		db    *pg.Database
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = pg.InitDatabase(context.Background(), cfg, log)
		if err != nil {
			fatal(log, "Failed to initialize database", err)
		}
		store = pg.NewStore(log, db.DB)
	} else {
		store = memory.New()
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// Budgets and admission caps
	roles := make([]budget.RoleBudget, 0, len(orch.Roles))
	for _, r := range orch.Roles {
		roles = append(roles, budget.RoleBudget{
			Role:         r.Name,
			Unit:         r.Unit,
			Period:       r.Period,
			Limit:        research.MicrosFromFloat(r.Limit),
			MaxQueryCost: research.MicrosFromFloat(r.MaxQueryCost),
		})
	}
	ledger := budget.NewLedger(store, roles, orch.OverageTolerance, log, budget.WithMetrics(m))

	typeLimits := make(map[research.QueryType]budget.TypeLimits, len(orch.QueryTypes))
	for _, qt := range orch.QueryTypes {
		typeLimits[qt.Type] = budget.TypeLimits{
			MaxItems:           qt.MaxItems,
			MaxConcurrentTasks: qt.MaxConcurrentTasks,
		}
	}
	limits := budget.NewLimits(typeLimits)

	resultCache := cache.New(store, orch.CacheTTL.ByKind(), log, cache.WithMetrics(m))

	// Each provider gets its own outbound rate limit across all queries.
	registry := provider.NewRegistry()
	for _, p := range orch.Providers {
		window, max := p.RateLimit(cfg.ProviderRateLimitWindow, cfg.ProviderRateLimitMax)
		limiter := provider.NewRateLimiter(window, max, cfg.ProviderRateLimitQueueMax)
		registry.Register(provider.Limit(provider.NewHTTPProvider(p, log), limiter))
		log.Info("registered data provider",
			slog.String("provider", p.Name),
			slog.Bool("pollable", p.IsPollable()),
			slog.Duration("rate_limit_window", window),
			slog.Int("rate_limit_max", max))
	}
	for _, qt := range orch.QueryTypes {
		registry.SetRoute(qt.Type, provider.Route{Provider: qt.Provider, Endpoint: qt.Endpoint})
	}

	// Query status events
	var (
		publishers events.Multi
		nc         *nats.Conn
		fsClient   *firestore.Client
	)
	if cfg.NatsURL != "" {
		var err error
		nc, err = events.Connect(cfg.NatsURL, log)
		if err != nil {
			fatal(log, "Failed to connect to NATS", err)
		}
		publishers = append(publishers, events.NewNATSPublisher(nc, log))
		log.Info("publishing query events to NATS", slog.String("subject", events.StatusSubject))
	}
	if cfg.FirestoreProjectID != "" {
		var err error
		fsClient, err = events.NewFirestoreClient(context.Background(), cfg.FirestoreProjectID, cfg.FirebaseCredJSON)
		if err != nil {
			fatal(log, "Failed to initialize Firestore client", err)
		}
		publishers = append(publishers, events.NewFirestoreMirror(fsClient, cfg.FirestoreCollection))
		log.Info("mirroring query status to Firestore", slog.String("collection", cfg.FirestoreCollection))
	}
	var publisher events.Publisher = events.Noop{}
	if len(publishers) > 0 {
		publisher = publishers
	}

	// Initialize services
	dispatcher := dispatch.New(store, resultCache, ledger, limits, registry, log, dispatch.WithMetrics(m))
	agg := aggregator.New(store, publisher, log, aggregator.WithMetrics(m))
	taskPoller := poller.New(store, registry, ledger, resultCache, dispatcher, agg, poller.Config{
		Interval:           cfg.PollInterval,
		BatchSize:          cfg.PollBatchSize,
		MaxConcurrentPolls: cfg.MaxConcurrentPolls,
		MaxRetries:         cfg.MaxRetries,
		TaskTimeout:        cfg.TaskTimeout,
	}, log, poller.WithMetrics(m))
	queryService := query.NewService(store, dispatcher, agg, ledger, publisher, log,
		query.WithMetrics(m),
		query.WithDispatchTimeout(cfg.DispatchTimeout))

	mcpService, err := mcp.NewService(queryService, version)
	if err != nil {
		fatal(log, "Failed to initialize MCP service", err)
	}

	scheduler, err := maintenance.NewScheduler(log, time.Minute,
		maintenance.CacheSweep(resultCache, cfg.CacheSweepSchedule),
		maintenance.BudgetReset(ledger, cfg.BudgetResetSchedule),
	)
	if err != nil {
		fatal(log, "Failed to initialize maintenance scheduler", err)
	}

	// Initialize handlers
	queryHandler := query.NewHandler(queryService, log)
	mcpHandler := mcp.NewHandler(mcpService, "/mcp")

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery(), auth.RequestID())

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-Request-ID, X-User-ID, X-User-Role, Mcp-Session-Id")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Unauthenticated endpoints
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// Everything else needs the gateway user headers.
	router.Any("/mcp", auth.RequireUser(), mcpHandler.HandleMCPAny)

	api := router.Group("/api/v1", auth.RequireUser())
	queryHandler.RegisterRoutes(api)

	// Background workers
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	taskPoller.Start(runCtx)
	scheduler.Start()

	port := ":" + cfg.Port
	log.Info("🔎  seo research engine listening on " + port)
	log.Info("✅  query types routed", slog.Int("count", len(orch.QueryTypes)), slog.Int("roles", len(orch.Roles)))

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, "Failed to start server", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}

	// Stop the workers after HTTP so in-flight submissions settle first.
	if err := taskPoller.Shutdown(); err != nil {
		log.Error("Poller shutdown failed", slog.String("error", err.Error()))
	} else {
		log.Info("✅ Poller shutdown complete")
	}
	if err := scheduler.Stop(ctx); err != nil {
		log.Error("Maintenance scheduler shutdown failed", slog.String("error", err.Error()))
	}
	stopWorkers()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn("NATS drain failed", slog.String("error", err.Error()))
		}
	}
	if fsClient != nil {
		if err := fsClient.Close(); err != nil {
			log.Warn("Firestore close failed", slog.String("error", err.Error()))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn("Database close failed", slog.String("error", err.Error()))
		}
	}

	log.Info("✅ Server exited")
}

func fatal(log *logger.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
