// Package main is the entrypoint for the Signalidea API server.
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

	"github.com/cai265891-design/Signalidea/internal/api"
	"github.com/cai265891-design/Signalidea/internal/api/handler"
	mw "github.com/cai265891-design/Signalidea/internal/api/middleware"
	"github.com/cai265891-design/Signalidea/internal/cache"
	"github.com/cai265891-design/Signalidea/internal/config"
	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cai265891-design/Signalidea/internal/worker"
	"github.com/cai265891-design/Signalidea/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"database_driver", cfg.Database.Driver,
		"callback_enabled", cfg.Server.PublicBaseURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the store; postgres also applies migrations
	st, closeStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeStore()
	slog.Info("database ready", "driver", cfg.Database.Driver)

	// 3. Redis is optional; without it status views are not cached and
	// rate limiting fails open.
	var c cache.Cache = cache.NopCache{}
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c = redisCache
		slog.Info("redis connected")
	} else {
		slog.Warn("REDIS_URL not set, caching and rate limiting disabled")
	}

	// 4. Background worker
	queue := worker.New(worker.Config{
		Concurrency:    cfg.Worker.Concurrency,
		QueueSize:      cfg.Worker.QueueSize,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		OnFailure: func(name string, err error) {
			slog.Error("background unit gave up", "unit", name, "error", err)
		},
	})
	queue.Start()

	// 5. Recover tasks and jobs a previous process left in flight
	reaper := pipeline.NewReaper(st, cfg.Worker.StaleAfter)
	if n, err := reaper.Sweep(ctx); err != nil {
		slog.Error("startup sweep failed", "error", err)
	} else if n > 0 {
		slog.Warn("failed interrupted tasks and jobs", "count", n)
	}
	go reaper.Run(ctx, cfg.Worker.SweepInterval)

	// 6. Pipeline services
	invoker := workflow.NewHTTPClient(cfg.Workflow.APIKey)
	engine := pipeline.NewEngine(st, invoker, queue, cfg.Workflow, cfg.Server.PublicBaseURL)
	coordinator := pipeline.NewCoordinator(st, invoker, queue, cfg.Workflow)
	reader := pipeline.NewStatusReader(st, c, cfg.Redis.StatusTTL)
	proxy := pipeline.NewProxy(invoker, cfg.Workflow)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RequestsPerMinute),

		HealthHandler:       handler.NewHealthHandler(st, c, queue.Stats),
		CallbackHandler:     handler.NewCallbackHandler(engine, cfg.Workflow.CallbackSecret),
		StartHandler:        handler.NewStartHandler(engine),
		StatusHandler:       handler.NewStatusHandler(reader),
		RetryHandler:        handler.NewRetryHandler(coordinator),
		TaskProgressHandler: handler.NewTaskProgressHandler(reader),
		MatrixTrigger:       handler.NewMatrixTriggerHandler(coordinator),
		AnalyzeHandler:      handler.NewAnalyzeHandler(proxy),
		DiscoveryHandler:    handler.NewCompetitorDiscoveryHandler(proxy),
		CreateKeyHandler:    handler.NewCreateKeyHandler(st),
		ListKeysHandler:     handler.NewListKeysHandler(st),
		RevokeKeyHandler:    handler.NewRevokeKeyHandler(st),
		WorkflowsHandler:    handler.NewWorkflowConfigHandler(cfg.Workflow, cfg.Server.PublicBaseURL),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server. The write timeout covers the synchronous
	// workflow proxies.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: proxyWriteTimeout(cfg.Workflow),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker queue did not drain", "error", err, "stats", queue.Stats())
	}

	slog.Info("server stopped gracefully")
	return nil
}

// proxyWriteTimeout leaves room for the slowest synchronous workflow call.
func proxyWriteTimeout(wf config.WorkflowConfig) time.Duration {
	longest := max(wf.Intent.Timeout, wf.CompetitorDiscovery.Timeout)
	return max(longest+10*time.Second, 30*time.Second)
}
