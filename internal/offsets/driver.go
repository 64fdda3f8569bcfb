package offsets

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/rebates/internal/catalog"
	"github.com/odyssey-erp/rebates/internal/fx"
	"github.com/odyssey-erp/rebates/internal/sales"
)

// PassState is the step a pass is in.
type PassState string

const (
	StateIdle        PassState = "IDLE"
	StateFetching    PassState = "FETCHING"
	StateMatching    PassState = "MATCHING"
	StateEnforcing   PassState = "ENFORCING"
	StateRecording   PassState = "RECORDING"
	StateSummarizing PassState = "SUMMARIZING"
)

// OverlapPolicy decides whether an individual offset may consume a sale that
// a group also covers.
type OverlapPolicy string

const (
	// OverlapGroupPrecedence leaves sales eligible for any group to the groups.
	OverlapGroupPrecedence OverlapPolicy = "group_precedence"
	// OverlapStack lets offsets and groups both grant.
	OverlapStack OverlapPolicy = "stack"
)

// ParseOverlapPolicy parses a policy name, defaulting to group precedence.
func ParseOverlapPolicy(raw string) (OverlapPolicy, error) {
	switch OverlapPolicy(raw) {
	case "", OverlapGroupPrecedence:
		return OverlapGroupPrecedence, nil
	case OverlapStack:
		return OverlapStack, nil
	}
	return "", fmt.Errorf("offsets: invalid overlap policy %q", raw)
}

// Sale outcomes reported to the observer.
const (
	OutcomeIneligible     = "ineligible"
	OutcomeAlreadyPresent = "already_present"
	OutcomeLate           = "late"
	OutcomeNoCatalog      = "catalog_unresolvable"
	OutcomeNoRate         = "rate_unavailable"
	OutcomeGranted        = "granted"
	OutcomeExhausted      = "exhausted"
)

// Observer receives pass telemetry.
type Observer interface {
	ObservePass(targetKind, status string)
	ObserveSales(outcome string, n int)
	ObserveLimit(kind string)
}

type nopObserver struct{}

func (nopObserver) ObservePass(string, string) {}
func (nopObserver) ObserveSales(string, int)   {}
func (nopObserver) ObserveLimit(string)        {}

// PassResult reports what one pass did.
type PassResult struct {
	RunID          string          `json:"run_id"`
	Target         Target          `json:"target"`
	Mode           Mode            `json:"mode"`
	Fetched        int             `json:"fetched"`
	Ineligible     int             `json:"ineligible"`
	AlreadyPresent int             `json:"already_present"`
	Late           int             `json:"late"`
	SkippedCatalog int             `json:"skipped_catalog"`
	SkippedRate    int             `json:"skipped_rate"`
	Recorded       int             `json:"recorded"`
	Granted        int             `json:"granted"`
	GrantedUnits   decimal.Decimal `json:"granted_units"`
	GrantedLocal   decimal.Decimal `json:"granted_local"`
	GrantedRef     decimal.Decimal `json:"granted_ref"`
	LimitReached   LimitKind       `json:"limit_reached"`
	LimitReachedAt *time.Time      `json:"limit_reached_at,omitempty"`
	FailedState    PassState       `json:"failed_state,omitempty"`
	Error          string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Summary        Summary         `json:"summary"`
}

// DriverConfig wires the collaborators of a Driver.
type DriverConfig struct {
	Store        Store
	Feed         sales.Feed
	Catalog      catalog.Lookup
	Rates        fx.RateTable
	Policy       fx.Policy
	Locker       Locker
	Cache        *SummaryCache
	Observer     Observer
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Overlap      OverlapPolicy
	WriteRetries int
	RetryBackoff time.Duration
	LeaseRefresh time.Duration
	Clock        func() time.Time
}

// Driver runs recomputation passes.
type Driver struct {
	cfg        DriverConfig
	ledger     *Ledger
	aggregator *Aggregator
}

// NewDriver builds a driver, filling defaults for optional collaborators.
func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(slog.String("component", "offsets.driver"))
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/odyssey-erp/rebates/internal/offsets")
	}
	if cfg.Overlap == "" {
		cfg.Overlap = OverlapGroupPrecedence
	}
	if cfg.Policy.ReferenceCurrency == "" {
		cfg.Policy = fx.DefaultPolicy()
	}
	if cfg.LeaseRefresh <= 0 {
		cfg.LeaseRefresh = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ledger := NewLedger(cfg.Store, cfg.WriteRetries, cfg.RetryBackoff)
	ledger.now = cfg.Clock
	aggregator := NewAggregator(cfg.Store)
	aggregator.now = cfg.Clock
	return &Driver{cfg: cfg, ledger: ledger, aggregator: aggregator}
}

// Run executes one pass over target. The returned error is non-nil when the
// pass aborted; the result still reports the progress it committed.
func (d *Driver) Run(ctx context.Context, target Target, mode Mode) (PassResult, error) {
	started := d.cfg.Clock()
	res := PassResult{
		RunID:        uuid.NewString(),
		Target:       target,
		Mode:         mode,
		GrantedUnits: decimal.Zero,
		GrantedLocal: decimal.Zero,
		GrantedRef:   decimal.Zero,
		LimitReached: LimitNone,
	}
	log := d.cfg.Logger.With(slog.String("target", target.String()), slog.String("mode", string(mode)), slog.String("run_id", res.RunID))

	ctx, span := d.cfg.Tracer.Start(ctx, "offsets.recompute", trace.WithAttributes(
		attribute.String("rebates.target", target.String()),
		attribute.String("rebates.mode", string(mode)),
	))
	defer span.End()

	lease, err := d.cfg.Locker.Acquire(ctx, target)
	if err != nil {
		res.FailedState = StateIdle
		res.Error = err.Error()
		d.cfg.Observer.ObservePass(string(target.Kind), "conflict")
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release recompute lock", slog.Any("error", err))
		}
	}()

	p := &pass{driver: d, lease: lease, res: &res, log: log, mode: mode, lastRefresh: started}
	state, err := p.run(ctx, target)
	res.Duration = d.cfg.Clock().Sub(started)
	span.SetAttributes(
		attribute.Int("rebates.fetched", res.Fetched),
		attribute.Int("rebates.recorded", res.Recorded),
		attribute.Int("rebates.granted", res.Granted),
	)
	if err != nil {
		res.FailedState = state
		res.Error = err.Error()
		res.Summary = p.summary
		d.cfg.Observer.ObservePass(string(target.Kind), "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("recompute pass aborted",
			slog.String("state", string(state)),
			slog.Int("recorded", res.Recorded),
			slog.Any("error", err),
		)
		return res, err
	}
	d.cfg.Observer.ObservePass(string(target.Kind), "succeeded")
	log.Info("recompute pass completed",
		slog.Int("fetched", res.Fetched),
		slog.Int("recorded", res.Recorded),
		slog.Int("granted", res.Granted),
		slog.Int("already_present", res.AlreadyPresent),
		slog.Int("late", res.Late),
		slog.Int("skipped_catalog", res.SkippedCatalog),
		slog.Int("skipped_rate", res.SkippedRate),
		slog.String("limit_reached", string(res.LimitReached)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// RunAll runs a pass over every target active on the current day, at most
// concurrency at a time. A failing target never stops the others; the
// results carry each outcome.
func (d *Driver) RunAll(ctx context.Context, mode Mode, concurrency int) ([]PassResult, error) {
	targets, err := d.cfg.Store.ListTargets(ctx, d.cfg.Clock())
	if err != nil {
		return nil, fmt.Errorf("offsets: list targets: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]PassResult, len(targets))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, target := range targets {
		g.Go(func() error {
			res, err := d.Run(ctx, target, mode)
			if err != nil && res.Error == "" {
				res.Error = err.Error()
			}
			results[i] = res
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

type pass struct {
	driver      *Driver
	lease       Lease
	res         *PassResult
	log         *slog.Logger
	mode        Mode
	lastRefresh time.Time

	def        definition
	groups     []Group
	normalizer *fx.Normalizer
	items      *catalog.Memo
	capacity   Capacity
	members    map[int64]Capacity
	summary    Summary
}

func (p *pass) run(ctx context.Context, target Target) (PassState, error) {
	d := p.driver
	def, err := loadDefinition(ctx, d.cfg.Store, target)
	if err != nil {
		return StateIdle, err
	}
	if gid, member := def.offset.Scope.GroupID(); target.Kind == TargetOffset && member {
		return StateIdle, fmt.Errorf("%w: offset:%d in group:%d", ErrGroupMemberOffset, def.offset.ID, gid)
	}
	p.def = def
	if target.Kind == TargetOffset && d.cfg.Overlap == OverlapGroupPrecedence {
		if p.groups, err = d.cfg.Store.ListGroups(ctx); err != nil {
			return StateIdle, fmt.Errorf("offsets: list groups: %w", err)
		}
	}
	var rates fx.RateTable
	if d.cfg.Rates != nil {
		rates = fx.NewMemoTable(d.cfg.Rates)
	}
	p.normalizer = fx.NewNormalizer(rates, d.cfg.Policy)
	p.items = catalog.NewMemo(d.cfg.Catalog)

	if p.mode == ModeFull {
		p.summary, err = d.aggregator.Recompute(ctx, target, ModeFull)
	} else {
		p.summary, err = d.cfg.Store.LoadSummary(ctx, target)
	}
	if err != nil {
		return StateSummarizing, err
	}
	p.capacity = CapacityFromTotals(def.caps(), p.summary.TotalUnits, p.summary.TotalRef)
	if target.Kind == TargetGroup && def.group.Caps.Unlimited() {
		if err := p.seedMembers(ctx); err != nil {
			return StateFetching, err
		}
	}

	if state, err := p.consume(ctx); err != nil {
		return state, err
	}

	final, err := d.aggregator.Recompute(ctx, target, ModeIncremental)
	if err != nil {
		return StateSummarizing, err
	}
	p.summary = final
	p.res.Summary = final
	p.res.LimitReached = final.LimitReached
	p.res.LimitReachedAt = final.LimitReachedAt
	if err := d.cfg.Cache.Invalidate(ctx, target); err != nil {
		p.log.Warn("invalidate summary cache", slog.Any("error", err))
	}
	return StateIdle, nil
}

func (p *pass) seedMembers(ctx context.Context) error {
	shares, err := p.driver.cfg.Store.MemberTotals(ctx, p.def.group.ID)
	if err != nil {
		return fmt.Errorf("offsets: member totals %s: %w", p.def.target, err)
	}
	p.members = make(map[int64]Capacity, len(p.def.group.Members))
	for _, m := range p.def.group.Members {
		share := shares[m.ID]
		p.members[m.ID] = CapacityFromTotals(m.Caps, share.Units, share.Ref)
	}
	return nil
}

func (p *pass) consume(ctx context.Context) (PassState, error) {
	var prev sales.Key
	watermark := p.summary.Watermark()
	for sale, err := range p.sales(ctx, watermark) {
		if err != nil {
			if errors.Is(err, sales.ErrUnordered) {
				return StateFetching, fmt.Errorf("%w: %v", ErrOutOfOrderSale, err)
			}
			return StateFetching, fmt.Errorf("offsets: fetch sales: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return StateFetching, err
		}
		key := sale.Key()
		if !prev.IsZero() && !prev.Before(key) {
			return StateFetching, fmt.Errorf("%w: %s at %s after %s at %s", ErrOutOfOrderSale,
				key.TransactionID, key.Timestamp.Format(time.RFC3339Nano), prev.TransactionID, prev.Timestamp.Format(time.RFC3339Nano))
		}
		prev = key
		p.res.Fetched++
		if err := p.keepLease(ctx); err != nil {
			return StateFetching, err
		}
		if !watermark.IsZero() && !watermark.Before(key) {
			if err := p.behindWatermark(ctx, sale); err != nil {
				return StateFetching, err
			}
			continue
		}
		if state, err := p.process(ctx, sale); err != nil {
			return state, err
		}
	}
	return StateIdle, nil
}

// sales merges the per-channel feeds of the target window starting after
// the watermark in incremental mode and from the window start in full mode.
func (p *pass) sales(ctx context.Context, watermark sales.Key) iter.Seq2[sales.Sale, error] {
	window := p.def.window()
	q := sales.Query{To: window.LastInstant()}
	if !window.From.IsZero() {
		q.From = dayStart(window.From)
	}
	if p.mode == ModeIncremental {
		q.After = watermark
	}
	channels := p.def.channels()
	streams := make([]iter.Seq2[sales.Sale, error], 0, len(channels))
	for _, ch := range channels {
		cq := q
		cq.Channel = ch
		streams = append(streams, p.driver.cfg.Feed.ListSales(ctx, cq))
	}
	return sales.Merge(streams...)
}

// behindWatermark classifies a sale the summary has already moved past.
// Only a sale the target would grant and the ledger lacks counts as late.
func (p *pass) behindWatermark(ctx context.Context, sale sales.Sale) error {
	present, err := p.driver.cfg.Store.HasRecord(ctx, p.def.target, sale.TransactionID)
	if err != nil {
		return fmt.Errorf("offsets: check ledger: %w", err)
	}
	if present {
		p.res.AlreadyPresent++
		p.driver.cfg.Observer.ObserveSales(OutcomeAlreadyPresent, 1)
		return nil
	}
	if _, ok, err := p.eligible(ctx, sale); err != nil || !ok {
		return err
	}
	p.res.Late++
	p.driver.cfg.Observer.ObserveSales(OutcomeLate, 1)
	p.log.Warn("late sale behind watermark skipped; rewind to include it",
		slog.String("transaction_id", sale.TransactionID),
		slog.String("item_id", sale.ItemID),
		slog.String("channel", string(sale.Channel)),
		slog.Time("sale_at", sale.Timestamp),
	)
	return nil
}

// eligible resolves the sale's catalog entry and matches it against the
// target, counting the sale as skipped or ineligible when it does not match.
func (p *pass) eligible(ctx context.Context, sale sales.Sale) (Offset, bool, error) {
	d := p.driver
	item, err := p.items.Resolve(ctx, sale.ItemID)
	if errors.Is(err, catalog.ErrNotFound) {
		p.res.SkippedCatalog++
		d.cfg.Observer.ObserveSales(OutcomeNoCatalog, 1)
		p.skipLog("catalog entry unresolvable; sale skipped", sale, err)
		return Offset{}, false, nil
	}
	if err != nil {
		return Offset{}, false, fmt.Errorf("offsets: resolve item %s: %w", sale.ItemID, err)
	}
	benefit, ok := p.match(sale, item)
	if !ok {
		p.res.Ineligible++
		d.cfg.Observer.ObserveSales(OutcomeIneligible, 1)
		return Offset{}, false, nil
	}
	return benefit, true, nil
}

func (p *pass) process(ctx context.Context, sale sales.Sale) (PassState, error) {
	d := p.driver
	benefit, ok, err := p.eligible(ctx, sale)
	if err != nil {
		return StateMatching, err
	}
	if !ok {
		return StateIdle, nil
	}

	cand, err := ComputeCandidate(ctx, p.normalizer, benefit, sale)
	if errors.Is(err, fx.ErrRateUnavailable) {
		p.res.SkippedRate++
		d.cfg.Observer.ObserveSales(OutcomeNoRate, 1)
		p.skipLog("fx rate unavailable; sale skipped", sale, err)
		return StateIdle, nil
	}
	if err != nil {
		return StateEnforcing, err
	}

	capacity, memberGoverned := p.capacityFor(benefit)
	grant, next := Enforce(capacity, cand)

	rec := ConsumptionRecord{
		Target:        p.def.target,
		TransactionID: sale.TransactionID,
		Channel:       sale.Channel,
		ItemID:        sale.ItemID,
		SaleAt:        sale.Timestamp.UTC(),
		Units:         grant.Units,
		AmountLocal:   grant.AmountLocal,
		AmountRef:     grant.AmountRef,
		FXRate:        cand.FXRate,
		LimitHit:      grant.LimitHit,
		RunID:         p.res.RunID,
	}
	if p.def.target.Kind == TargetGroup {
		rec.MemberOffsetID = benefit.ID
	}
	outcome, summary, err := d.ledger.Record(ctx, rec, p.def.caps())
	if err != nil {
		return StateRecording, err
	}
	if outcome == AlreadyPresent {
		p.res.AlreadyPresent++
		d.cfg.Observer.ObserveSales(OutcomeAlreadyPresent, 1)
		p.resume(summary)
		return StateIdle, nil
	}

	before := p.summary.LimitReached
	p.resume(summary)
	if memberGoverned {
		p.members[benefit.ID] = next
	}
	p.res.Recorded++
	if rec.Granted() {
		p.res.Granted++
		p.res.GrantedUnits = p.res.GrantedUnits.Add(rec.Units)
		p.res.GrantedLocal = p.res.GrantedLocal.Add(rec.AmountLocal)
		p.res.GrantedRef = p.res.GrantedRef.Add(rec.AmountRef)
		d.cfg.Observer.ObserveSales(OutcomeGranted, 1)
	} else {
		d.cfg.Observer.ObserveSales(OutcomeExhausted, 1)
	}
	if before == LimitNone && summary.LimitReached != LimitNone {
		d.cfg.Observer.ObserveLimit(string(summary.LimitReached))
		p.log.Info("limit reached",
			slog.String("kind", string(summary.LimitReached)),
			slog.String("transaction_id", sale.TransactionID),
		)
	}
	return StateIdle, nil
}

// match returns the offset whose terms price the sale.
func (p *pass) match(sale sales.Sale, item catalog.Item) (Offset, bool) {
	if p.def.target.Kind == TargetGroup {
		return MatchGroup(p.def.group, sale, item)
	}
	if !MatchOffset(p.def.offset, sale, item) {
		return Offset{}, false
	}
	for _, g := range p.groups {
		if _, covered := MatchGroup(g, sale, item); covered {
			return Offset{}, false
		}
	}
	return p.def.offset, true
}

// capacityFor returns the capacity a sale is enforced against: the target's
// own caps when set, otherwise the governing member's caps for groups.
func (p *pass) capacityFor(benefit Offset) (Capacity, bool) {
	if p.members == nil {
		return p.capacity, false
	}
	c, ok := p.members[benefit.ID]
	if !ok {
		c = CapacityFromTotals(benefit.Caps, decimal.Zero, decimal.Zero)
	}
	return c, true
}

// resume re-establishes capacity from a committed summary.
func (p *pass) resume(s Summary) {
	p.summary = s
	p.capacity = CapacityFromTotals(p.def.caps(), s.TotalUnits, s.TotalRef)
}

func (p *pass) keepLease(ctx context.Context) error {
	now := p.driver.cfg.Clock()
	if now.Sub(p.lastRefresh) < p.driver.cfg.LeaseRefresh {
		return nil
	}
	if err := p.lease.Refresh(ctx); err != nil {
		return err
	}
	p.lastRefresh = now
	return nil
}

func (p *pass) skipLog(msg string, sale sales.Sale, err error) {
	p.log.Warn(msg,
		slog.String("transaction_id", sale.TransactionID),
		slog.String("item_id", sale.ItemID),
		slog.String("channel", string(sale.Channel)),
		slog.Time("sale_at", sale.Timestamp),
		slog.Any("error", err),
	)
}
