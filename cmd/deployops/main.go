package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agentops/deployops/internal/adapter/dryrun"
	dhttp "github.com/agentops/deployops/internal/adapter/http"
	"github.com/agentops/deployops/internal/adapter/mcp"
	"github.com/agentops/deployops/internal/adapter/modelhost"
	dnats "github.com/agentops/deployops/internal/adapter/nats"
	"github.com/agentops/deployops/internal/adapter/natskv"
	"github.com/agentops/deployops/internal/adapter/nim"
	"github.com/agentops/deployops/internal/adapter/otel"
	"github.com/agentops/deployops/internal/adapter/plancache"
	"github.com/agentops/deployops/internal/adapter/postgres"
	"github.com/agentops/deployops/internal/adapter/redis"
	"github.com/agentops/deployops/internal/adapter/ristretto"
	"github.com/agentops/deployops/internal/adapter/tiered"
	"github.com/agentops/deployops/internal/adapter/ws"
	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/logger"
	"github.com/agentops/deployops/internal/middleware"
	"github.com/agentops/deployops/internal/port/backend"
	"github.com/agentops/deployops/internal/port/cache"
	"github.com/agentops/deployops/internal/resilience"
	"github.com/agentops/deployops/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logClose := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logClose.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"execute_real", cfg.Backend.ExecuteReal,
		"guardrail_profile", cfg.Guardrail.Profile,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	var metrics *otel.Metrics
	if cfg.OTel.Enabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := dnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// --- Caches ---
	// L1 is always in-process; L2 is Redis when configured, otherwise the
	// JetStream KV bucket on the queue connection.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}

	var l2 cache.Cache
	if cfg.Cache.RedisAddr != "" {
		rdb, err := redis.Connect(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		l2 = rdb
	} else {
		kv, err := natskv.New(ctx, queue.JetStream(), cfg.Cache.PlanTTL)
		if err != nil {
			return fmt.Errorf("nats kv cache: %w", err)
		}
		l2 = kv
	}
	planCache := tiered.New(l1, l2, cfg.Cache.PlanTTL)

	// --- Stores ---
	planStore := plancache.New(postgres.NewPlanStore(pool), planCache, cfg.Cache.PlanTTL)
	memStore := postgres.NewMemoryStore(pool)
	auditStore := postgres.NewAuditStore(pool)

	// --- Agent clients ---
	retrClient := nim.NewClient(cfg.Retriever.URL, cfg.Retriever.APIKey, cfg.Retriever.Timeout)
	retrClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	retr := nim.NewRetriever(retrClient, log)

	synthClient := nim.NewClient(cfg.Synthesizer.URL, cfg.Synthesizer.APIKey, cfg.Synthesizer.Timeout)
	synthClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	synth := nim.NewSynthesizer(synthClient, cfg.Synthesizer.Model, cfg.Synthesizer.Temperature, cfg.Synthesizer.MaxTokens, log)

	var be backend.Backend
	if cfg.Backend.ExecuteReal {
		mh := modelhost.New(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.Timeout, log)
		mh.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		be = mh
		slog.Info("deployment backend: model host", "url", cfg.Backend.URL)
	} else {
		be = dryrun.New(log)
		slog.Info("deployment backend: dry run")
	}

	// --- Services ---
	hub := ws.NewHub()

	policySvc, err := service.NewPolicyService(cfg.Guardrail)
	if err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if err := policySvc.Watch(ctx); err != nil {
		return fmt.Errorf("guardrail watcher: %w", err)
	}

	kernel := service.NewKernel(memStore, cfg.Memory)
	auditSvc := service.NewAuditService(auditStore, queue, hub, cfg.Audit)
	planner := service.NewPlannerService(synth, kernel, cfg.Synthesizer)
	executor := service.NewExecutorService(be, policySvc, cfg.Backend)
	monitor := service.NewMonitorService(kernel, cfg.Orchestrator)

	orch := service.NewOrchestratorService(service.OrchestratorDeps{
		Store:     planStore,
		Retriever: retr,
		Planner:   planner,
		Executor:  executor,
		Monitor:   monitor,
		Policy:    policySvc,
		Kernel:    kernel,
		Audit:     auditSvc,
		Queue:     queue,
		Hub:       hub,
		Metrics:   metrics,
	}, cfg.Orchestrator, cfg.Retriever)

	statusSvc := service.NewStatusService(planStore, be, monitor, auditSvc, queue, policySvc, hub)
	authSvc := service.NewAuthService(cfg.Auth)

	cancelApprovals, err := orch.StartSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("approval subscriber: %w", err)
	}
	defer cancelApprovals()

	// --- MCP ---
	var mcpSrv *mcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcp.NewServer(mcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "deployops",
			Version: version,
		}, mcp.ServerDeps{
			Submitter: orch,
			Plans:     orch,
			Approvals: orch,
			Auth:      authSvc,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	// --- HTTP ---
	handlers := &dhttp.Handlers{
		Orchestrator: orch,
		Status:       statusSvc,
		Audit:        auditSvc,
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopLimiterCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopLimiterCleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware("deployops"))
	r.Use(middleware.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.SecurityHeaders)
	r.Use(limiter.Handler)
	r.Use(middleware.Auth(authSvc))

	r.Get("/ws", hub.HandleWS)
	dhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // plan event streams stay open until the client leaves
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop ingress first, then let running drivers pause at a step
	// boundary, then flush the audit buffer and the queue.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			slog.Error("mcp shutdown", "error", err)
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown", "error", err)
	}
	auditSvc.Close()
	if err := queue.Drain(); err != nil {
		slog.Error("queue drain", "error", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Error("otel shutdown", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
