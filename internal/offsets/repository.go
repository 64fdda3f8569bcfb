package offsets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/rebates/internal/platform/db"
	"github.com/odyssey-erp/rebates/internal/sales"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the offsets repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var errRepoNotInitialised = errors.New("offsets repo not initialised")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const offsetColumns = `id, name, scope_kind, COALESCE(scope_value, ''), COALESCE(group_id, 0), kind, amount,
denomination, fx_rate_override, valid_from, valid_to, max_units, max_amount_foreign,
ch_marketplace, ch_direct, ch_storefront, consumed_units, consumed_local, created_at, updated_at`

const groupColumns = `id, name, description, valid_from, valid_to, max_units, max_amount_foreign,
ch_marketplace, ch_direct, ch_storefront, created_at`

const recordColumns = `id, target_kind, target_id, COALESCE(member_offset_id, 0), transaction_id, channel, item_id,
sale_at, units, amount_local, amount_ref, fx_rate, limit_hit, run_id, created_at`

const summaryColumns = `target_kind, target_id, total_units, total_local, total_ref, sale_count, considered_count,
limit_reached, limit_reached_at, last_sale_at, last_transaction_id, updated_at`

// GetOffset implements Definitions.
func (r *Repository) GetOffset(ctx context.Context, id int64) (Offset, error) {
	if r == nil || r.pool == nil {
		return Offset{}, errRepoNotInitialised
	}
	off, err := scanOffset(r.pool.QueryRow(ctx, `SELECT `+offsetColumns+` FROM offsets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Offset{}, fmt.Errorf("%w: %d", ErrOffsetNotFound, id)
	}
	return off, err
}

// GetGroup implements Definitions. Filters and members are loaded with it.
func (r *Repository) GetGroup(ctx context.Context, id int64) (Group, error) {
	if r == nil || r.pool == nil {
		return Group{}, errRepoNotInitialised
	}
	g, err := scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM offset_groups WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	if err != nil {
		return Group{}, err
	}
	if err := r.loadGroupParts(ctx, &g); err != nil {
		return Group{}, err
	}
	return g, nil
}

// ListGroups implements Definitions.
func (r *Repository) ListGroups(ctx context.Context) ([]Group, error) {
	if r == nil || r.pool == nil {
		return nil, errRepoNotInitialised
	}
	rows, err := r.pool.Query(ctx, `SELECT `+groupColumns+` FROM offset_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Group, error) { return scanGroup(row) })
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if err := r.loadGroupParts(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (r *Repository) loadGroupParts(ctx context.Context, g *Group) error {
	rows, err := r.pool.Query(ctx, `
SELECT id, group_id, brand, category, sub_category_id, item_id
FROM group_filters WHERE group_id = $1 ORDER BY id`, g.ID)
	if err != nil {
		return err
	}
	g.Filters, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (GroupFilter, error) {
		var f GroupFilter
		err := row.Scan(&f.ID, &f.GroupID, &f.Brand, &f.Category, &f.SubCategoryID, &f.ItemID)
		return f, err
	})
	if err != nil {
		return err
	}
	rows, err = r.pool.Query(ctx, `SELECT `+offsetColumns+` FROM offsets WHERE group_id = $1 ORDER BY id`, g.ID)
	if err != nil {
		return err
	}
	g.Members, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Offset, error) { return scanOffset(row) })
	return err
}

// ListTargets returns offsets and groups whose window has started and has
// not ended before the previous day. Group members are only reachable
// through their group.
func (r *Repository) ListTargets(ctx context.Context, activeOn time.Time) ([]Target, error) {
	if r == nil || r.pool == nil {
		return nil, errRepoNotInitialised
	}
	const query = `
SELECT 'OFFSET', o.id FROM offsets o
WHERE o.group_id IS NULL
  AND (o.valid_from IS NULL OR o.valid_from <= $1::date)
  AND (o.valid_to IS NULL OR o.valid_to >= $1::date - 1)
UNION ALL
SELECT 'GROUP', g.id FROM offset_groups g
WHERE (g.valid_from IS NULL OR g.valid_from <= $1::date)
  AND (g.valid_to IS NULL OR g.valid_to >= $1::date - 1)
  AND EXISTS (
    SELECT 1 FROM offsets m
    WHERE m.group_id = g.id
      AND (m.valid_from IS NULL OR m.valid_from <= $1::date)
      AND (m.valid_to IS NULL OR m.valid_to >= $1::date - 1)
  )
ORDER BY 1, 2`
	rows, err := r.pool.Query(ctx, query, activeOn.UTC())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Target, error) {
		var t Target
		err := row.Scan(&t.Kind, &t.ID)
		return t, err
	})
}

// InsertOffset implements Definitions.
func (r *Repository) InsertOffset(ctx context.Context, off Offset) (Offset, error) {
	if r == nil || r.pool == nil {
		return Offset{}, errRepoNotInitialised
	}
	var (
		scopeValue *string
		groupID    *int64
	)
	if gid, member := off.Scope.GroupID(); member {
		groupID = &gid
	} else {
		v := off.Scope.Value()
		scopeValue = &v
	}
	const query = `
INSERT INTO offsets (name, scope_kind, scope_value, group_id, kind, amount, denomination, fx_rate_override,
  valid_from, valid_to, max_units, max_amount_foreign, ch_marketplace, ch_direct, ch_storefront)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
RETURNING ` + offsetColumns
	return scanOffset(r.pool.QueryRow(ctx, query,
		off.Name, off.Scope.Kind(), scopeValue, groupID, off.Kind, off.Amount, off.Denomination, off.FXRateOverride,
		nullDate(off.Window.From), off.Window.To, off.Caps.MaxUnits, off.Caps.MaxAmountRef,
		off.Channels.Marketplace, off.Channels.Direct, off.Channels.Storefront,
	))
}

// InsertGroup implements Definitions.
func (r *Repository) InsertGroup(ctx context.Context, g Group) (Group, error) {
	if r == nil || r.pool == nil {
		return Group{}, errRepoNotInitialised
	}
	var (
		from *time.Time
		to   *time.Time
	)
	if g.Window != nil {
		from, to = nullDate(g.Window.From), g.Window.To
	}
	const query = `
INSERT INTO offset_groups (name, description, valid_from, valid_to, max_units, max_amount_foreign,
  ch_marketplace, ch_direct, ch_storefront)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING ` + groupColumns
	return scanGroup(r.pool.QueryRow(ctx, query,
		g.Name, g.Description, from, to, g.Caps.MaxUnits, g.Caps.MaxAmountRef,
		g.Channels.Marketplace, g.Channels.Direct, g.Channels.Storefront,
	))
}

// InsertGroupFilter implements Definitions. The table check constraint
// backs the empty-filter rule.
func (r *Repository) InsertGroupFilter(ctx context.Context, f GroupFilter) (GroupFilter, error) {
	if r == nil || r.pool == nil {
		return GroupFilter{}, errRepoNotInitialised
	}
	const query = `
INSERT INTO group_filters (group_id, brand, category, sub_category_id, item_id)
VALUES ($1,$2,$3,$4,$5)
RETURNING id`
	err := r.pool.QueryRow(ctx, query, f.GroupID, f.Brand, f.Category, f.SubCategoryID, f.ItemID).Scan(&f.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23514":
				return GroupFilter{}, ErrInvalidFilterDefinition
			case "23503":
				return GroupFilter{}, fmt.Errorf("%w: %d", ErrGroupNotFound, f.GroupID)
			}
		}
		return GroupFilter{}, err
	}
	return f, nil
}

// WithTx implements Store.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if r == nil || r.pool == nil {
		return errRepoNotInitialised
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repoTx{q: tx})
	})
}

// LoadSummary implements Store.
func (r *Repository) LoadSummary(ctx context.Context, target Target) (Summary, error) {
	if r == nil || r.pool == nil {
		return Summary{}, errRepoNotInitialised
	}
	return loadSummary(ctx, r.pool, target, "")
}

// HasRecord implements Store.
func (r *Repository) HasRecord(ctx context.Context, target Target, transactionID string) (bool, error) {
	if r == nil || r.pool == nil {
		return false, errRepoNotInitialised
	}
	const query = `
SELECT EXISTS (
  SELECT 1 FROM consumption_records
  WHERE target_kind = $1 AND target_id = $2 AND transaction_id = $3
)`
	var ok bool
	err := r.pool.QueryRow(ctx, query, target.Kind, target.ID, transactionID).Scan(&ok)
	return ok, err
}

// ListConsumption implements Store.
func (r *Repository) ListConsumption(ctx context.Context, target Target, filter ConsumptionFilter) ([]ConsumptionRecord, error) {
	if r == nil || r.pool == nil {
		return nil, errRepoNotInitialised
	}
	const query = `
SELECT ` + recordColumns + `
FROM consumption_records
WHERE target_kind = $1 AND target_id = $2
  AND ($3::text = '' OR channel = $3)
  AND ($4::timestamptz IS NULL OR sale_at >= $4)
  AND ($5::timestamptz IS NULL OR sale_at <= $5)
  AND (NOT $6 OR units > 0 OR amount_local > 0 OR amount_ref > 0)
  AND ($7::timestamptz IS NULL OR (sale_at, transaction_id) > ($7, $8))
ORDER BY sale_at, transaction_id
LIMIT $9`
	after, afterID := cursorArgs(filter.After)
	rows, err := r.pool.Query(ctx, query,
		target.Kind, target.ID, string(filter.Channel), nullTime(filter.From), nullTime(filter.To),
		filter.OnlyGranted, after, afterID, filter.Limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ConsumptionRecord, error) { return scanRecord(row) })
}

// MemberTotals implements Store.
func (r *Repository) MemberTotals(ctx context.Context, groupID int64) (map[int64]Totals, error) {
	if r == nil || r.pool == nil {
		return nil, errRepoNotInitialised
	}
	return memberTotals(ctx, r.pool, groupID)
}

// TargetsForSale implements Store.
func (r *Repository) TargetsForSale(ctx context.Context, transactionID string) ([]Target, error) {
	if r == nil || r.pool == nil {
		return nil, errRepoNotInitialised
	}
	rows, err := r.pool.Query(ctx, `
SELECT target_kind, target_id FROM consumption_records
WHERE transaction_id = $1 ORDER BY target_kind, target_id`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectTargets(rows)
}

type repoTx struct {
	q querier
}

func (t *repoTx) InsertRecord(ctx context.Context, rec ConsumptionRecord) (bool, error) {
	var member *int64
	if rec.MemberOffsetID > 0 {
		member = &rec.MemberOffsetID
	}
	const query = `
INSERT INTO consumption_records (target_kind, target_id, member_offset_id, transaction_id, channel, item_id,
  sale_at, units, amount_local, amount_ref, fx_rate, limit_hit, run_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (target_kind, target_id, transaction_id) DO NOTHING`
	tag, err := t.q.Exec(ctx, query,
		rec.Target.Kind, rec.Target.ID, member, rec.TransactionID, rec.Channel, rec.ItemID,
		rec.SaleAt.UTC(), rec.Units, rec.AmountLocal, rec.AmountRef, rec.FXRate, rec.LimitHit, rec.RunID, rec.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *repoTx) LoadSummaryForUpdate(ctx context.Context, target Target) (Summary, error) {
	const seed = `
INSERT INTO consumption_summaries (target_kind, target_id) VALUES ($1, $2)
ON CONFLICT (target_kind, target_id) DO NOTHING`
	if _, err := t.q.Exec(ctx, seed, target.Kind, target.ID); err != nil {
		return Summary{}, err
	}
	return loadSummary(ctx, t.q, target, " FOR UPDATE")
}

func (t *repoTx) SaveSummary(ctx context.Context, s Summary) error {
	const query = `
INSERT INTO consumption_summaries (` + summaryColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (target_kind, target_id) DO UPDATE SET
  total_units = EXCLUDED.total_units,
  total_local = EXCLUDED.total_local,
  total_ref = EXCLUDED.total_ref,
  sale_count = EXCLUDED.sale_count,
  considered_count = EXCLUDED.considered_count,
  limit_reached = EXCLUDED.limit_reached,
  limit_reached_at = EXCLUDED.limit_reached_at,
  last_sale_at = EXCLUDED.last_sale_at,
  last_transaction_id = EXCLUDED.last_transaction_id,
  updated_at = EXCLUDED.updated_at`
	_, err := t.q.Exec(ctx, query,
		s.Target.Kind, s.Target.ID, s.TotalUnits, s.TotalLocal, s.TotalRef, s.SaleCount, s.ConsideredCount,
		s.LimitReached, s.LimitReachedAt, s.LastSaleAt, s.LastTransactionID, s.UpdatedAt,
	)
	return err
}

func (t *repoTx) RecordsAfter(ctx context.Context, target Target, after sales.Key) ([]ConsumptionRecord, error) {
	const query = `
SELECT ` + recordColumns + `
FROM consumption_records
WHERE target_kind = $1 AND target_id = $2
  AND ($3::timestamptz IS NULL OR (sale_at, transaction_id) > ($3, $4))
ORDER BY sale_at, transaction_id`
	at, id := cursorArgs(after)
	rows, err := t.q.Query(ctx, query, target.Kind, target.ID, at, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ConsumptionRecord, error) { return scanRecord(row) })
}

func (t *repoTx) DeleteSale(ctx context.Context, transactionID string) ([]Target, error) {
	rows, err := t.q.Query(ctx, `
DELETE FROM consumption_records WHERE transaction_id = $1
RETURNING target_kind, target_id`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectTargets(rows)
}

func (t *repoTx) DeleteFrom(ctx context.Context, target Target, from time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx, `
DELETE FROM consumption_records
WHERE target_kind = $1 AND target_id = $2 AND sale_at >= $3`, target.Kind, target.ID, from)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *repoTx) MemberTotals(ctx context.Context, groupID int64) (map[int64]Totals, error) {
	return memberTotals(ctx, t.q, groupID)
}

func (t *repoTx) SyncOffsetTotals(ctx context.Context, offsetID int64, totals Totals) error {
	_, err := t.q.Exec(ctx, `
UPDATE offsets SET consumed_units = $2, consumed_local = $3, updated_at = NOW()
WHERE id = $1`, offsetID, totals.Units, totals.Local)
	return err
}

func loadSummary(ctx context.Context, q querier, target Target, lock string) (Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM consumption_summaries WHERE target_kind = $1 AND target_id = $2` + lock
	var s Summary
	err := q.QueryRow(ctx, query, target.Kind, target.ID).Scan(
		&s.Target.Kind, &s.Target.ID, &s.TotalUnits, &s.TotalLocal, &s.TotalRef, &s.SaleCount, &s.ConsideredCount,
		&s.LimitReached, &s.LimitReachedAt, &s.LastSaleAt, &s.LastTransactionID, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return EmptySummary(target), nil
	}
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}

func memberTotals(ctx context.Context, q querier, groupID int64) (map[int64]Totals, error) {
	const query = `
SELECT member_offset_id, COALESCE(SUM(units), 0), COALESCE(SUM(amount_local), 0), COALESCE(SUM(amount_ref), 0), COUNT(*)
FROM consumption_records
WHERE target_kind = 'GROUP' AND target_id = $1 AND member_offset_id IS NOT NULL
GROUP BY member_offset_id`
	rows, err := q.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Totals)
	for rows.Next() {
		var (
			id int64
			t  Totals
		)
		if err := rows.Scan(&id, &t.Units, &t.Local, &t.Ref, &t.Records); err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

func scanOffset(row pgx.Row) (Offset, error) {
	var (
		off        Offset
		scopeKind  ScopeKind
		scopeValue string
		groupID    int64
		from       *time.Time
	)
	err := row.Scan(
		&off.ID, &off.Name, &scopeKind, &scopeValue, &groupID, &off.Kind, &off.Amount,
		&off.Denomination, &off.FXRateOverride, &from, &off.Window.To, &off.Caps.MaxUnits, &off.Caps.MaxAmountRef,
		&off.Channels.Marketplace, &off.Channels.Direct, &off.Channels.Storefront,
		&off.ConsumedUnits, &off.ConsumedLocal, &off.CreatedAt, &off.UpdatedAt,
	)
	if err != nil {
		return Offset{}, err
	}
	if from != nil {
		off.Window.From = *from
	}
	off.Scope, err = buildScope(scopeKind, scopeValue, groupID)
	if err != nil {
		return Offset{}, fmt.Errorf("offset %d: %w", off.ID, err)
	}
	return off, nil
}

func scanGroup(row pgx.Row) (Group, error) {
	var (
		g        Group
		from, to *time.Time
	)
	err := row.Scan(
		&g.ID, &g.Name, &g.Description, &from, &to, &g.Caps.MaxUnits, &g.Caps.MaxAmountRef,
		&g.Channels.Marketplace, &g.Channels.Direct, &g.Channels.Storefront, &g.CreatedAt,
	)
	if err != nil {
		return Group{}, err
	}
	if from != nil || to != nil {
		g.Window = &Window{To: to}
		if from != nil {
			g.Window.From = *from
		}
	}
	return g, nil
}

func scanRecord(row pgx.Row) (ConsumptionRecord, error) {
	var rec ConsumptionRecord
	err := row.Scan(
		&rec.ID, &rec.Target.Kind, &rec.Target.ID, &rec.MemberOffsetID, &rec.TransactionID, &rec.Channel, &rec.ItemID,
		&rec.SaleAt, &rec.Units, &rec.AmountLocal, &rec.AmountRef, &rec.FXRate, &rec.LimitHit, &rec.RunID, &rec.CreatedAt,
	)
	return rec, err
}

func collectTargets(rows pgx.Rows) ([]Target, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Target, error) {
		var t Target
		err := row.Scan(&t.Kind, &t.ID)
		return t, err
	})
}

func cursorArgs(k sales.Key) (*time.Time, string) {
	if k.IsZero() {
		return nil, ""
	}
	at := k.Timestamp.UTC()
	return &at, k.TransactionID
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	d := dayStart(t)
	return &d
}

var _ Store = (*Repository)(nil)
