package offsets

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rebates/internal/sales"
)

// Fold applies one ledger record to the summary. Totals always grow by the
// record, the watermark only moves forward, and limit_reached is stamped the
// first time running usage reaches a cap.
func Fold(s Summary, rec ConsumptionRecord, caps Caps) Summary {
	s.Target = rec.Target
	s.TotalUnits = s.TotalUnits.Add(rec.Units)
	s.TotalLocal = s.TotalLocal.Add(rec.AmountLocal)
	s.TotalRef = s.TotalRef.Add(rec.AmountRef)
	s.ConsideredCount++
	if rec.Granted() {
		s.SaleCount++
	}
	if key := rec.Key(); s.Watermark().Before(key) {
		at := key.Timestamp.UTC()
		s.LastSaleAt = &at
		s.LastTransactionID = key.TransactionID
	}
	if s.LimitReached == "" {
		s.LimitReached = LimitNone
	}
	if s.LimitReached == LimitNone {
		if kind := caps.ReachedBy(s.TotalUnits, s.TotalRef); kind != LimitNone {
			at := rec.SaleAt.UTC()
			s.LimitReached = kind
			s.LimitReachedAt = &at
		}
	}
	return s
}

// Replay rebuilds a summary from scratch over records in key order.
func Replay(target Target, records []ConsumptionRecord, caps Caps) Summary {
	s := EmptySummary(target)
	for _, rec := range records {
		s = Fold(s, rec, caps)
	}
	return s
}

// Aggregator maintains the per-target summaries derived from the ledger.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator builds an aggregator over store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Recompute rebuilds (full) or advances (incremental) the summary of target
// from its ledger records and resyncs the cached offset totals.
func (a *Aggregator) Recompute(ctx context.Context, target Target, mode Mode) (Summary, error) {
	def, err := loadDefinition(ctx, a.store, target)
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	err = a.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		summary, err = a.recomputeTx(ctx, tx, def, mode)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func (a *Aggregator) recomputeTx(ctx context.Context, tx Tx, def definition, mode Mode) (Summary, error) {
	current, err := tx.LoadSummaryForUpdate(ctx, def.target)
	if err != nil {
		return Summary{}, fmt.Errorf("offsets: load summary %s: %w", def.target, err)
	}
	summary := current
	if mode == ModeFull {
		summary = EmptySummary(def.target)
	}
	records, err := tx.RecordsAfter(ctx, def.target, summary.Watermark())
	if err != nil {
		return Summary{}, fmt.Errorf("offsets: read ledger %s: %w", def.target, err)
	}
	for _, rec := range records {
		summary = Fold(summary, rec, def.caps())
	}
	summary.Target = def.target
	if summary.LimitReached == "" {
		summary.LimitReached = LimitNone
	}
	summary.UpdatedAt = a.now().UTC()
	if err := tx.SaveSummary(ctx, summary); err != nil {
		return Summary{}, fmt.Errorf("offsets: save summary %s: %w", def.target, err)
	}
	if err := syncCachedTotals(ctx, tx, def, summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// syncCachedTotals copies ledger-derived consumption onto offset rows. Group
// members get their share of the group ledger.
func syncCachedTotals(ctx context.Context, tx Tx, def definition, summary Summary) error {
	if def.target.Kind == TargetOffset {
		totals := Totals{Units: summary.TotalUnits, Local: summary.TotalLocal, Ref: summary.TotalRef, Records: summary.ConsideredCount}
		if err := tx.SyncOffsetTotals(ctx, def.offset.ID, totals); err != nil {
			return fmt.Errorf("offsets: sync totals offset:%d: %w", def.offset.ID, err)
		}
		return nil
	}
	shares, err := tx.MemberTotals(ctx, def.group.ID)
	if err != nil {
		return fmt.Errorf("offsets: member totals %s: %w", def.target, err)
	}
	for _, m := range def.group.Members {
		share, ok := shares[m.ID]
		if !ok {
			share = Totals{Units: decimal.Zero, Local: decimal.Zero, Ref: decimal.Zero}
		}
		if err := tx.SyncOffsetTotals(ctx, m.ID, share); err != nil {
			return fmt.Errorf("offsets: sync totals offset:%d: %w", m.ID, err)
		}
	}
	return nil
}

// definition is the frozen snapshot of a target a pass works against.
type definition struct {
	target Target
	offset Offset
	group  Group
}

func loadDefinition(ctx context.Context, defs Definitions, target Target) (definition, error) {
	switch target.Kind {
	case TargetOffset:
		off, err := defs.GetOffset(ctx, target.ID)
		if err != nil {
			return definition{}, err
		}
		return definition{target: target, offset: off}, nil
	case TargetGroup:
		g, err := defs.GetGroup(ctx, target.ID)
		if err != nil {
			return definition{}, err
		}
		return definition{target: target, group: g}, nil
	}
	return definition{}, fmt.Errorf("%w: target kind %q", ErrInvalidDefinition, target.Kind)
}

func (d definition) caps() Caps {
	if d.target.Kind == TargetGroup {
		return d.group.Caps
	}
	return d.offset.Caps
}

func (d definition) channels() []sales.Channel {
	if d.target.Kind == TargetGroup {
		return d.group.Channels.Enabled()
	}
	return d.offset.Channels.Enabled()
}

// window is the span of sales a pass has to read. Groups without their own
// window span the union of their members' windows.
func (d definition) window() Window {
	if d.target.Kind == TargetOffset {
		return d.offset.Window
	}
	if d.group.Window != nil {
		return *d.group.Window
	}
	var (
		union Window
		open  bool
	)
	for i, m := range d.group.Members {
		if i == 0 || m.Window.From.Before(union.From) {
			union.From = m.Window.From
		}
		switch {
		case m.Window.To == nil:
			open = true
		case union.To == nil || m.Window.To.After(*union.To):
			to := *m.Window.To
			union.To = &to
		}
	}
	if open {
		union.To = nil
	}
	return union
}
