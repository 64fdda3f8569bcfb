package offsets

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

const defaultConsumptionPage = 200

// Service exposes the engine to dashboards, jobs and operators.
type Service struct {
	store      Store
	driver     *Driver
	aggregator *Aggregator
	locker     Locker
	cache      *SummaryCache
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewService builds the service on the collaborators of driver.
func NewService(driver *Driver) *Service {
	return &Service{
		store:      driver.cfg.Store,
		driver:     driver,
		aggregator: driver.aggregator,
		locker:     driver.cfg.Locker,
		cache:      driver.cfg.Cache,
		logger:     driver.cfg.Logger.With(slog.String("component", "offsets.service")),
		validate:   validator.New(),
	}
}

// GetSummary returns the cached summary of target. It never waits on a pass.
func (s *Service) GetSummary(ctx context.Context, target Target) (Summary, error) {
	return s.cache.Fetch(ctx, target, func(ctx context.Context) (Summary, error) {
		if _, err := loadDefinition(ctx, s.store, target); err != nil {
			return Summary{}, err
		}
		return s.store.LoadSummary(ctx, target)
	})
}

// TriggerRecompute runs a pass over target inline.
func (s *Service) TriggerRecompute(ctx context.Context, target Target, mode Mode) (PassResult, error) {
	return s.driver.Run(ctx, target, mode)
}

// RecomputeAll runs a pass over every active target.
func (s *Service) RecomputeAll(ctx context.Context, mode Mode, concurrency int) ([]PassResult, error) {
	return s.driver.RunAll(ctx, mode, concurrency)
}

// RecomputeSummary rebuilds the summary of target from its ledger without
// reading sales.
func (s *Service) RecomputeSummary(ctx context.Context, target Target, mode Mode) (Summary, error) {
	lease, err := s.locker.Acquire(ctx, target)
	if err != nil {
		return Summary{}, err
	}
	defer s.release(ctx, lease)
	summary, err := s.aggregator.Recompute(ctx, target, mode)
	if err != nil {
		return Summary{}, err
	}
	s.invalidate(ctx, target)
	return summary, nil
}

// ListConsumption pages through the ledger of target lazily. Ranging over
// the sequence again restarts from filter.After.
func (s *Service) ListConsumption(ctx context.Context, target Target, filter ConsumptionFilter) iter.Seq2[ConsumptionRecord, error] {
	if filter.Limit <= 0 {
		filter.Limit = defaultConsumptionPage
	}
	return func(yield func(ConsumptionRecord, error) bool) {
		cursor := filter
		for {
			page, err := s.store.ListConsumption(ctx, target, cursor)
			if err != nil {
				yield(ConsumptionRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < cursor.Limit {
				return
			}
			cursor.After = page[len(page)-1].Key()
		}
	}
}

// VoidSale removes an upstream-voided sale from every ledger holding it and
// rebuilds the affected summaries in the same transaction.
func (s *Service) VoidSale(ctx context.Context, transactionID string) ([]Summary, error) {
	targets, err := s.store.TargetsForSale(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("offsets: targets for sale %s: %w", transactionID, err)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	slices.SortFunc(targets, compareTargets)
	for _, t := range targets {
		lease, err := s.locker.Acquire(ctx, t)
		if err != nil {
			return nil, err
		}
		defer s.release(ctx, lease)
	}
	defs := make(map[Target]definition, len(targets))
	for _, t := range targets {
		def, err := loadDefinition(ctx, s.store, t)
		if err != nil {
			return nil, err
		}
		defs[t] = def
	}

	var summaries []Summary
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		summaries = summaries[:0]
		deleted, err := tx.DeleteSale(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("offsets: delete sale %s: %w", transactionID, err)
		}
		for _, t := range deleted {
			def, ok := defs[t]
			if !ok {
				if def, err = loadDefinition(ctx, s.store, t); err != nil {
					return err
				}
			}
			summary, err := s.aggregator.recomputeTx(ctx, tx, def, ModeFull)
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, targets...)
	s.logger.Info("sale voided", slog.String("transaction_id", transactionID), slog.Int("targets", len(summaries)))
	return summaries, nil
}

// Rewind deletes the ledger tail of target from the given instant so the
// next pass reprocesses those sales in order.
func (s *Service) Rewind(ctx context.Context, target Target, from time.Time) (Summary, error) {
	lease, err := s.locker.Acquire(ctx, target)
	if err != nil {
		return Summary{}, err
	}
	defer s.release(ctx, lease)
	def, err := loadDefinition(ctx, s.store, target)
	if err != nil {
		return Summary{}, err
	}
	var (
		summary Summary
		removed int64
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if removed, err = tx.DeleteFrom(ctx, target, from.UTC()); err != nil {
			return fmt.Errorf("offsets: rewind %s: %w", target, err)
		}
		summary, err = s.aggregator.recomputeTx(ctx, tx, def, ModeFull)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	s.invalidate(ctx, target)
	s.logger.Info("ledger rewound",
		slog.String("target", target.String()),
		slog.Time("from", from),
		slog.Int64("removed", removed),
	)
	return summary, nil
}

func (s *Service) release(ctx context.Context, lease Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("release recompute lock", slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, targets ...Target) {
	if err := s.cache.Invalidate(ctx, targets...); err != nil {
		s.logger.Warn("invalidate summary cache", slog.Any("error", err))
	}
}

func compareTargets(a, b Target) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
