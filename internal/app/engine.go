package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/rebates/internal/catalog"
	"github.com/odyssey-erp/rebates/internal/fx"
	"github.com/odyssey-erp/rebates/internal/offsets"
	"github.com/odyssey-erp/rebates/internal/sales"
)

// EngineDeps collects the runtime collaborators of the rebates engine.
type EngineDeps struct {
	Config   *Config
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Logger   *slog.Logger
	Observer offsets.Observer
	Tracer   trace.Tracer
}

// NewEngine wires the Postgres stores, Redis lock and caches into an offsets service.
// A nil Redis client falls back to an in-process lock and no caching.
func NewEngine(deps EngineDeps) (*offsets.Service, error) {
	cfg := deps.Config
	policy, err := cfg.FXPolicy()
	if err != nil {
		return nil, err
	}
	overlap, err := cfg.Overlap()
	if err != nil {
		return nil, err
	}

	var lookup catalog.Lookup = catalog.NewRepository(deps.Pool)
	var locker offsets.Locker = offsets.NewLocalLocker()
	var summaries *offsets.SummaryCache
	if deps.Redis != nil {
		lookup = catalog.NewCache(lookup, deps.Redis, cfg.CatalogCacheTTL)
		locker = offsets.NewRedisLocker(deps.Redis, cfg.RecomputeLockTTL)
		summaries = offsets.NewSummaryCache(deps.Redis, cfg.SummaryCacheTTL)
	}

	driver := offsets.NewDriver(offsets.DriverConfig{
		Store:        offsets.NewRepository(deps.Pool),
		Feed:         sales.NewRepository(deps.Pool, cfg.SalesPageSize),
		Catalog:      lookup,
		Rates:        fx.NewRepository(deps.Pool),
		Policy:       policy,
		Locker:       locker,
		Cache:        summaries,
		Observer:     deps.Observer,
		Logger:       deps.Logger,
		Tracer:       deps.Tracer,
		Overlap:      overlap,
		WriteRetries: cfg.LedgerWriteRetries,
		RetryBackoff: cfg.LedgerRetryBackoff,
		LeaseRefresh: cfg.RecomputeLockTTL / 3,
	})
	return offsets.NewService(driver), nil
}
