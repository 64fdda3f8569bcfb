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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rebates/internal/app"
	jobmetrics "github.com/odyssey-erp/rebates/internal/jobs"
	"github.com/odyssey-erp/rebates/internal/observability"
	"github.com/odyssey-erp/rebates/internal/offsets"
	"github.com/odyssey-erp/rebates/internal/platform/cache"
	"github.com/odyssey-erp/rebates/internal/platform/db"
	"github.com/odyssey-erp/rebates/internal/shared"
	"github.com/odyssey-erp/rebates/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.Postgres("rebates-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "rebates-worker",
		Environment: cfg.AppEnv,
	})
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	service, err := app.NewEngine(app.EngineDeps{
		Config:   cfg,
		Pool:     pool,
		Redis:    redisClient,
		Logger:   logger,
		Observer: jobMetrics,
		Tracer:   tracing.Tracer(),
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}

	recomputeJob := jobs.NewRecomputeJob(service, cfg.RecomputeConcurrency, logger, jobMetrics)
	voidJob := jobs.NewVoidSaleJob(service, shared.NewIdempotencyStore(pool), logger, jobMetrics)

	recomputeTask, err := jobs.NewRecomputeTask(jobs.TargetAll, offsets.ModeIncremental)
	if err != nil {
		logger.Error("build recompute task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedis(),
		Logger:      logger,
		Concurrency: cfg.RecomputeConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecompute, Handler: recomputeJob.Handle},
			{Type: jobs.TaskVoidSale, Handler: voidJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RecomputeCron, Task: recomputeTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(cfg.RecomputeLockTTL)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		_ = metricsServer.Shutdown(context.Background())
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
