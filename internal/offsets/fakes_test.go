package offsets

import (
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rebates/internal/catalog"
	"github.com/odyssey-erp/rebates/internal/fx"
	"github.com/odyssey-erp/rebates/internal/sales"
)

var errStoreDown = errors.New("store down")

type memState struct {
	offsets   map[int64]Offset
	groups    map[int64]Group
	filters   []GroupFilter
	records   map[Target][]ConsumptionRecord
	summaries map[Target]Summary
}

func (s memState) clone() memState {
	out := memState{
		offsets:   maps.Clone(s.offsets),
		groups:    maps.Clone(s.groups),
		filters:   slices.Clone(s.filters),
		records:   make(map[Target][]ConsumptionRecord, len(s.records)),
		summaries: maps.Clone(s.summaries),
	}
	for k, v := range s.records {
		out.records[k] = slices.Clone(v)
	}
	return out
}

type memStore struct {
	txMu        sync.Mutex
	mu          sync.Mutex
	state       memState
	nextID      int64
	failInserts int
	inserts     int
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		offsets:   map[int64]Offset{},
		groups:    map[int64]Group{},
		records:   map[Target][]ConsumptionRecord{},
		summaries: map[Target]Summary{},
	}}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) GetOffset(_ context.Context, id int64) (Offset, error) {
	st := m.snapshot()
	off, ok := st.offsets[id]
	if !ok {
		return Offset{}, ErrOffsetNotFound
	}
	return off, nil
}

func (m *memStore) GetGroup(_ context.Context, id int64) (Group, error) {
	st := m.snapshot()
	g, ok := st.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return assembleGroup(st, g), nil
}

func assembleGroup(st memState, g Group) Group {
	g.Filters = nil
	for _, f := range st.filters {
		if f.GroupID == g.ID {
			g.Filters = append(g.Filters, f)
		}
	}
	g.Members = nil
	for _, id := range slices.Sorted(maps.Keys(st.offsets)) {
		if gid, ok := st.offsets[id].Scope.GroupID(); ok && gid == g.ID {
			g.Members = append(g.Members, st.offsets[id])
		}
	}
	return g
}

func (m *memStore) ListGroups(_ context.Context) ([]Group, error) {
	st := m.snapshot()
	var out []Group
	for _, id := range slices.Sorted(maps.Keys(st.groups)) {
		out = append(out, assembleGroup(st, st.groups[id]))
	}
	return out, nil
}

func (m *memStore) ListTargets(_ context.Context, activeOn time.Time) ([]Target, error) {
	st := m.snapshot()
	var out []Target
	for _, id := range slices.Sorted(maps.Keys(st.offsets)) {
		if _, member := st.offsets[id].Scope.GroupID(); member {
			continue
		}
		if st.offsets[id].Window.Contains(activeOn) {
			out = append(out, OffsetTarget(id))
		}
	}
	for _, id := range slices.Sorted(maps.Keys(st.groups)) {
		if len(assembleGroup(st, st.groups[id]).Members) > 0 {
			out = append(out, GroupTarget(id))
		}
	}
	return out, nil
}

func (m *memStore) InsertOffset(_ context.Context, off Offset) (Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off.ID = m.id()
	m.state.offsets[off.ID] = off
	return off, nil
}

func (m *memStore) InsertGroup(_ context.Context, g Group) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	m.state.groups[g.ID] = g
	return g, nil
}

func (m *memStore) InsertGroupFilter(_ context.Context, f GroupFilter) (GroupFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Empty() {
		return GroupFilter{}, ErrInvalidFilterDefinition
	}
	f.ID = m.id()
	m.state.filters = append(m.state.filters, f)
	return f, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	tx := &memTx{store: m, state: m.snapshot()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.state.records = tx.state.records
	m.state.summaries = tx.state.summaries
	for id, off := range tx.state.offsets {
		if cur, ok := m.state.offsets[id]; ok {
			cur.ConsumedUnits, cur.ConsumedLocal = off.ConsumedUnits, off.ConsumedLocal
			m.state.offsets[id] = cur
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *memStore) LoadSummary(_ context.Context, target Target) (Summary, error) {
	st := m.snapshot()
	if s, ok := st.summaries[target]; ok {
		return s, nil
	}
	return EmptySummary(target), nil
}

func (m *memStore) HasRecord(_ context.Context, target Target, transactionID string) (bool, error) {
	st := m.snapshot()
	return slices.ContainsFunc(st.records[target], func(r ConsumptionRecord) bool {
		return r.TransactionID == transactionID
	}), nil
}

func (m *memStore) ListConsumption(_ context.Context, target Target, f ConsumptionFilter) ([]ConsumptionRecord, error) {
	st := m.snapshot()
	var out []ConsumptionRecord
	for _, rec := range sortedRecords(st.records[target]) {
		switch {
		case f.Channel != "" && rec.Channel != f.Channel:
		case !f.From.IsZero() && rec.SaleAt.Before(f.From):
		case !f.To.IsZero() && rec.SaleAt.After(f.To):
		case f.OnlyGranted && !rec.Granted():
		case !f.After.IsZero() && !f.After.Before(rec.Key()):
		default:
			out = append(out, rec)
		}
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MemberTotals(_ context.Context, groupID int64) (map[int64]Totals, error) {
	return memberShares(m.snapshot(), groupID), nil
}

func (m *memStore) TargetsForSale(_ context.Context, transactionID string) ([]Target, error) {
	st := m.snapshot()
	var out []Target
	for target, recs := range st.records {
		if slices.ContainsFunc(recs, func(r ConsumptionRecord) bool { return r.TransactionID == transactionID }) {
			out = append(out, target)
		}
	}
	return out, nil
}

func (m *memStore) recordsOf(target Target) []ConsumptionRecord {
	return sortedRecords(m.snapshot().records[target])
}

func (m *memStore) summaryOf(target Target) Summary {
	s, _ := m.LoadSummary(context.Background(), target)
	return s
}

type memTx struct {
	store *memStore
	state memState
}

func (t *memTx) InsertRecord(_ context.Context, rec ConsumptionRecord) (bool, error) {
	t.store.mu.Lock()
	t.store.inserts++
	fail := t.store.failInserts > 0
	if fail {
		t.store.failInserts--
	}
	t.store.mu.Unlock()
	if fail {
		return false, errStoreDown
	}
	if slices.ContainsFunc(t.state.records[rec.Target], func(r ConsumptionRecord) bool {
		return r.TransactionID == rec.TransactionID
	}) {
		return false, nil
	}
	t.state.records[rec.Target] = append(t.state.records[rec.Target], rec)
	return true, nil
}

func (t *memTx) LoadSummaryForUpdate(_ context.Context, target Target) (Summary, error) {
	if s, ok := t.state.summaries[target]; ok {
		return s, nil
	}
	return EmptySummary(target), nil
}

func (t *memTx) SaveSummary(_ context.Context, s Summary) error {
	t.state.summaries[s.Target] = s
	return nil
}

func (t *memTx) RecordsAfter(_ context.Context, target Target, after sales.Key) ([]ConsumptionRecord, error) {
	var out []ConsumptionRecord
	for _, rec := range sortedRecords(t.state.records[target]) {
		if after.IsZero() || after.Before(rec.Key()) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memTx) DeleteSale(_ context.Context, transactionID string) ([]Target, error) {
	var out []Target
	for target, recs := range t.state.records {
		kept := slices.DeleteFunc(slices.Clone(recs), func(r ConsumptionRecord) bool { return r.TransactionID == transactionID })
		if len(kept) != len(recs) {
			t.state.records[target] = kept
			out = append(out, target)
		}
	}
	return out, nil
}

func (t *memTx) DeleteFrom(_ context.Context, target Target, from time.Time) (int64, error) {
	recs := t.state.records[target]
	kept := slices.DeleteFunc(slices.Clone(recs), func(r ConsumptionRecord) bool { return !r.SaleAt.Before(from) })
	t.state.records[target] = kept
	return int64(len(recs) - len(kept)), nil
}

func (t *memTx) MemberTotals(_ context.Context, groupID int64) (map[int64]Totals, error) {
	return memberShares(t.state, groupID), nil
}

func (t *memTx) SyncOffsetTotals(_ context.Context, offsetID int64, totals Totals) error {
	off := t.state.offsets[offsetID]
	off.ConsumedUnits, off.ConsumedLocal = totals.Units, totals.Local
	t.state.offsets[offsetID] = off
	return nil
}

func memberShares(st memState, groupID int64) map[int64]Totals {
	out := map[int64]Totals{}
	for _, rec := range st.records[GroupTarget(groupID)] {
		if rec.MemberOffsetID == 0 {
			continue
		}
		t := out[rec.MemberOffsetID]
		t.Units = t.Units.Add(rec.Units)
		t.Local = t.Local.Add(rec.AmountLocal)
		t.Ref = t.Ref.Add(rec.AmountRef)
		t.Records++
		out[rec.MemberOffsetID] = t
	}
	return out
}

func sortedRecords(recs []ConsumptionRecord) []ConsumptionRecord {
	out := slices.Clone(recs)
	slices.SortFunc(out, func(a, b ConsumptionRecord) int { return a.Key().Compare(b.Key()) })
	return out
}

// memFeed serves sales sorted by key, or in insertion order when raw.
type memFeed struct {
	mu    sync.Mutex
	sales []sales.Sale
	raw   bool
}

func (f *memFeed) add(s ...sales.Sale) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales = append(f.sales, s...)
}

func (f *memFeed) remove(transactionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales = slices.DeleteFunc(f.sales, func(s sales.Sale) bool { return s.TransactionID == transactionID })
}

func (f *memFeed) ListSales(_ context.Context, q sales.Query) iter.Seq2[sales.Sale, error] {
	f.mu.Lock()
	all := slices.Clone(f.sales)
	f.mu.Unlock()
	if !f.raw {
		slices.SortFunc(all, func(a, b sales.Sale) int { return a.Key().Compare(b.Key()) })
	}
	return func(yield func(sales.Sale, error) bool) {
		for _, s := range all {
			switch {
			case q.Channel != "" && s.Channel != q.Channel:
			case !q.From.IsZero() && s.Timestamp.Before(q.From):
			case !q.To.IsZero() && s.Timestamp.After(q.To):
			case !q.After.IsZero() && !q.After.Before(s.Key()):
			default:
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}

type memCatalog map[string]catalog.Item

func (c memCatalog) Resolve(_ context.Context, itemID string) (catalog.Item, error) {
	item, ok := c[itemID]
	if !ok {
		return catalog.Item{}, catalog.ErrNotFound
	}
	return item, nil
}

// memRates holds one rate per pair effective from the epoch.
type memRates map[string]string

func (r memRates) Rate(_ context.Context, pair string, _ time.Time) (fx.Quote, bool, error) {
	raw, ok := r[pair]
	if !ok {
		return fx.Quote{}, false, nil
	}
	return fx.Quote{Pair: pair, Rate: decimal.RequireFromString(raw), EffectiveDate: time.Unix(0, 0).UTC()}, true, nil
}

type countingObserver struct {
	mu     sync.Mutex
	passes map[string]int
	sales  map[string]int
	limits map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{passes: map[string]int{}, sales: map[string]int{}, limits: map[string]int{}}
}

func (o *countingObserver) ObservePass(kind, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes[kind+"/"+status]++
}

func (o *countingObserver) ObserveSales(outcome string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sales[outcome] += n
}

func (o *countingObserver) ObserveLimit(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limits[kind]++
}

// harness wires a driver and service over in-memory collaborators.
type harness struct {
	store    *memStore
	feed     *memFeed
	catalog  memCatalog
	rates    memRates
	locker   *LocalLocker
	observer *countingObserver
	driver   *Driver
	service  *Service
}

func newHarness(t *testing.T, overlap OverlapPolicy) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		feed:  &memFeed{},
		catalog: memCatalog{
			"acme-1":  {ItemID: "acme-1", Brand: "Acme", Category: "Tools", SubCategoryID: "T1"},
			"acme-2":  {ItemID: "acme-2", Brand: "ACME", Category: "Garden", SubCategoryID: "G1"},
			"bolt-1":  {ItemID: "bolt-1", Brand: "Bolt", Category: "Tools", SubCategoryID: "T1"},
			"bolt-2":  {ItemID: "bolt-2", Brand: "Bolt", Category: "Tools", SubCategoryID: "T2"},
			"plain-1": {ItemID: "plain-1", Brand: "Plain", Category: "Kitchen", SubCategoryID: "K1"},
		},
		rates:    memRates{"USDARS": "1000", "USDBRL": "5"},
		locker:   NewLocalLocker(),
		observer: newCountingObserver(),
	}
	h.driver = NewDriver(DriverConfig{
		Store:        h.store,
		Feed:         h.feed,
		Catalog:      h.catalog,
		Rates:        h.rates,
		Policy:       fx.DefaultPolicy(),
		Locker:       h.locker,
		Observer:     h.observer,
		Overlap:      overlap,
		WriteRetries: 2,
	})
	h.driver.ledger.sleep = func(context.Context, time.Duration) error { return nil }
	h.service = NewService(h.driver)
	return h
}

func (h *harness) offset(t *testing.T, off Offset) Offset {
	t.Helper()
	if off.Kind == "" {
		off.Kind = KindAmountPerUnit
	}
	if off.Denomination == "" {
		off.Denomination = DenominationLocal
	}
	if off.Channels == (Channels{}) {
		off.Channels = Channels{Marketplace: true, Direct: true, Storefront: true}
	}
	out, err := h.store.InsertOffset(context.Background(), off)
	require.NoError(t, err)
	return out
}

func (h *harness) group(t *testing.T, g Group, filters ...GroupFilter) Group {
	t.Helper()
	if g.Channels == (Channels{}) {
		g.Channels = Channels{Marketplace: true, Direct: true, Storefront: true}
	}
	out, err := h.store.InsertGroup(context.Background(), g)
	require.NoError(t, err)
	for _, f := range filters {
		f.GroupID = out.ID
		_, err := h.store.InsertGroupFilter(context.Background(), f)
		require.NoError(t, err)
	}
	return out
}

func (h *harness) run(t *testing.T, target Target, mode Mode) PassResult {
	t.Helper()
	res, err := h.driver.Run(context.Background(), target, mode)
	require.NoError(t, err)
	return res
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func sale(id, item string, qty string, at time.Duration) sales.Sale {
	return sales.Sale{
		TransactionID: id,
		ItemID:        item,
		Channel:       sales.ChannelMarketplace,
		Quantity:      decimal.RequireFromString(qty),
		UnitAmount:    decimal.NewFromInt(2000),
		Currency:      "ARS",
		Timestamp:     base.Add(at),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func capOf(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

func strp(s string) *string { return &s }

func requireDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}
