package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rebates/cmd/rebates/cli"
	"github.com/odyssey-erp/rebates/internal/app"
	"github.com/odyssey-erp/rebates/internal/fx"
	jobmetrics "github.com/odyssey-erp/rebates/internal/jobs"
	"github.com/odyssey-erp/rebates/internal/observability"
	"github.com/odyssey-erp/rebates/internal/offsets"
	offsetshttp "github.com/odyssey-erp/rebates/internal/offsets/http"
	"github.com/odyssey-erp/rebates/internal/platform/cache"
	"github.com/odyssey-erp/rebates/internal/platform/db"
	"github.com/odyssey-erp/rebates/jobs"
)

const usage = `usage: rebates <command> [flags]

commands:
  serve         run the HTTP API (default)
  recompute     run a recompute pass inline (--target all|offset:<id>|group:<id> --mode incremental|full)
  fx-validate   report FX rate gaps (--currencies ARS,BRL --from YYYY-MM-DD --to YYYY-MM-DD)
  enqueue       enqueue a background task (--task offsets:recompute|offsets:void_sale --arg ...)
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	var code int
	switch cmd {
	case "serve":
		code = serve(ctx, cfg, logger)
	case "recompute":
		code = recompute(ctx, cfg, logger, args)
	case "fx-validate":
		code = fxValidate(ctx, cfg, logger, args)
	case "enqueue":
		code = enqueue(ctx, cfg, logger, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, err := db.New(ctx, cfg.Postgres("rebates-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "rebates-api",
		Environment: cfg.AppEnv,
	})
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		return 1
	}
	defer shutdownTracing(tracing, logger)

	metrics := observability.NewMetrics()
	engineMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	service, err := app.NewEngine(app.EngineDeps{
		Config:   cfg,
		Pool:     pool,
		Redis:    redisClient,
		Logger:   logger,
		Observer: engineMetrics,
		Tracer:   tracing.Tracer(),
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		return 1
	}

	redisOpts := cfg.AsynqRedis()
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer client.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RebatesHandler: offsetshttp.NewHandler(logger, service, client),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server", slog.Any("error", err))
		return 1
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func recompute(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	target := fs.String("target", "", "all, offset:<id> or group:<id>")
	mode := fs.String("mode", string(offsets.ModeIncremental), "incremental or full")
	concurrency := fs.Int("concurrency", cfg.RecomputeConcurrency, "parallel targets when --target all")
	jsonOut := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.Postgres("rebates-recompute"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient := optionalRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	service, err := app.NewEngine(app.EngineDeps{Config: cfg, Pool: pool, Redis: redisClient, Logger: logger})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		return 1
	}
	return cli.RecomputeCommand(ctx, service, cli.RecomputeOptions{
		Target:      *target,
		Mode:        *mode,
		Concurrency: *concurrency,
		JSONOutput:  *jsonOut,
	})
}

func fxValidate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("fx-validate", flag.ContinueOnError)
	currencies := fs.String("currencies", cfg.LocalCurrency, "comma separated ISO-4217 codes")
	from := fs.String("from", "", "first day (YYYY-MM-DD)")
	to := fs.String("to", "", "last day (YYYY-MM-DD), defaults to --from")
	maxAge := fs.Duration("max-age", 0, "flag quotes older than this as stale (0 disables)")
	jsonOut := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.Postgres("rebates-fx-validate"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	policy, err := cfg.FXPolicy()
	if err != nil {
		logger.Error("fx policy", slog.Any("error", err))
		return 1
	}
	ops, err := cli.NewFXOpsCLI(fx.NewRepository(pool), policy)
	if err != nil {
		logger.Error("init fx cli", slog.Any("error", err))
		return 1
	}
	return ops.ValidateCommand(ctx, cli.FXValidateOptions{
		Currencies: cli.SplitList(*currencies),
		From:       *from,
		To:         *to,
		MaxAge:     *maxAge,
		JSONOutput: *jsonOut,
	})
}

func enqueue(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	task := fs.String("task", jobs.TaskRecompute, "task type")
	arg := fs.String("arg", jobs.TargetAll, "recompute target or voided transaction id")
	mode := fs.String("mode", string(offsets.ModeIncremental), "recompute mode")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	parsedMode, err := offsets.ParseMode(*mode)
	if err != nil {
		logger.Error("parse mode", slog.Any("error", err))
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.AsynqRedis())
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer jobsCLI.Close()

	info, err := jobsCLI.Trigger(ctx, *task, *arg, parsedMode)
	if err != nil {
		logger.Error("enqueue", slog.String("task", *task), slog.Any("error", err))
		return 1
	}
	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		logger.Warn("inspect queue", slog.Any("error", err))
	}
	logger.Info("task enqueued", slog.String("id", info.ID), slog.String("task", *task), slog.Int("pending", stats.Pending))
	return 0
}

func optionalRedis(ctx context.Context, cfg *app.Config, logger *slog.Logger) *redis.Client {
	client, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, using in-process lock", slog.Any("error", err))
		return nil
	}
	return client
}

func shutdownTracing(t *observability.Tracing, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Warn("tracing shutdown", slog.Any("error", err))
	}
}
