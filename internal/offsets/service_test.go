package offsets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rebates/internal/sales"
)

func seededOffset(t *testing.T, h *harness) Target {
	t.Helper()
	off := h.offset(t, Offset{Scope: BrandScope("acme"), Amount: dec("10"), Caps: Caps{MaxUnits: capOf("12")}})
	h.feed.add(
		sale("s1", "acme-1", "4", 1*time.Hour),
		sale("s2", "acme-1", "4", 2*time.Hour),
		sale("s3", "acme-1", "4", 3*time.Hour),
		sale("s4", "acme-1", "4", 4*time.Hour),
	)
	h.run(t, OffsetTarget(off.ID), ModeIncremental)
	return OffsetTarget(off.ID)
}

func TestListConsumptionPagesLazily(t *testing.T) {
	h := newHarness(t, OverlapGroupPrecedence)
	target := seededOffset(t, h)
	ctx := context.Background()

	var ids []string
	for rec, err := range h.service.ListConsumption(ctx, target, ConsumptionFilter{Limit: 3}) {
		require.NoError(t, err)
		ids = append(ids, rec.TransactionID)
	}
	require.Equal(t, []string{"s1", "s2", "s3", "s4"}, ids)

	var granted []string
	for rec, err := range h.service.ListConsumption(ctx, target, ConsumptionFilter{OnlyGranted: true, Limit: 2}) {
		require.NoError(t, err)
		granted = append(granted, rec.TransactionID)
	}
	require.Equal(t, []string{"s1", "s2", "s3"}, granted)

	seq := h.service.ListConsumption(ctx, target, ConsumptionFilter{After: sales.Key{Timestamp: base.Add(2 * time.Hour), TransactionID: "s2"}})
	for range 2 {
		var got []string
		for rec, err := range seq {
			require.NoError(t, err)
			got = append(got, rec.TransactionID)
			if len(got) == 1 {
				break
			}
		}
		require.Equal(t, []string{"s3"}, got)
	}
}

func TestVoidSaleRebuildsAffectedSummaries(t *testing.T) {
	h := newHarness(t, OverlapGroupPrecedence)
	target := seededOffset(t, h)
	ctx := context.Background()

	summaries, err := h.service.VoidSale(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	requireDec(t, "8", summaries[0].TotalUnits)
	require.EqualValues(t, 3, summaries[0].ConsideredCount)
	require.Equal(t, LimitNone, summaries[0].LimitReached)
	require.Nil(t, summaries[0].LimitReachedAt)

	stored, err := h.store.GetOffset(ctx, target.ID)
	require.NoError(t, err)
	requireDec(t, "8", stored.ConsumedUnits)

	none, err := h.service.VoidSale(ctx, "s2")
	require.NoError(t, err)
	require.Empty(t, none)

	// Rewinding past the freed capacity lets the next pass regrant in order.
	h.feed.remove("s2")
	_, err = h.service.Rewind(ctx, target, base.Add(3*time.Hour))
	require.NoError(t, err)
	res := h.run(t, target, ModeIncremental)
	require.Equal(t, 2, res.Granted)
	summary := h.store.summaryOf(target)
	requireDec(t, "12", summary.TotalUnits)
	require.Equal(t, LimitUnits, summary.LimitReached)
	require.True(t, summary.LimitReachedAt.Equal(base.Add(4*time.Hour)))
}

func TestVoidSaleConflictsWithRunningPass(t *testing.T) {
	h := newHarness(t, OverlapGroupPrecedence)
	target := seededOffset(t, h)
	lease, err := h.locker.Acquire(context.Background(), target)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = h.service.VoidSale(context.Background(), "s1")
	require.ErrorIs(t, err, ErrConcurrentRecompute)
	require.Len(t, h.store.recordsOf(target), 4)
}

func TestGetSummaryServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, OverlapGroupPrecedence)
	h.service.cache = NewSummaryCache(client, time.Minute)
	target := seededOffset(t, h)
	ctx := context.Background()

	first, err := h.service.GetSummary(ctx, target)
	require.NoError(t, err)
	requireDec(t, "12", first.TotalUnits)
	require.True(t, mr.Exists("rebates:summary:"+target.String()))

	// A cached read survives a ledger change until invalidated.
	require.NoError(t, h.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSummary(ctx, Summary{Target: target, TotalUnits: decimal.NewFromInt(1), LimitReached: LimitNone})
	}))
	cached, err := h.service.GetSummary(ctx, target)
	require.NoError(t, err)
	require.True(t, first.SameTotals(cached))

	rebuilt, err := h.service.RecomputeSummary(ctx, target, ModeFull)
	require.NoError(t, err)
	require.False(t, mr.Exists("rebates:summary:"+target.String()))
	fresh, err := h.service.GetSummary(ctx, target)
	require.NoError(t, err)
	require.True(t, rebuilt.SameTotals(fresh))
	require.True(t, first.SameTotals(fresh))

	_, err = h.service.GetSummary(ctx, OffsetTarget(404))
	require.ErrorIs(t, err, ErrOffsetNotFound)
}

func TestCreateDefinitions(t *testing.T) {
	h := newHarness(t, OverlapGroupPrecedence)
	ctx := context.Background()
	units := dec("100")
	to := time.Date(2025, 3, 31, 15, 0, 0, 0, time.UTC)

	g, err := h.service.CreateGroup(ctx, CreateGroupInput{Name: "Spring", MaxUnits: &units, Marketplace: true})
	require.NoError(t, err)
	require.Nil(t, g.Window)
	require.True(t, g.Caps.MaxUnits.Valid)

	off, err := h.service.CreateOffset(ctx, CreateOffsetInput{
		Name:         "member",
		ScopeKind:    ScopeGroupMember,
		GroupID:      g.ID,
		Kind:         KindAmountPerUnit,
		Amount:       dec("2"),
		Denomination: DenominationForeign,
		From:         time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		To:           &to,
		Direct:       true,
	})
	require.NoError(t, err)
	gid, member := off.Scope.GroupID()
	require.True(t, member)
	require.Equal(t, g.ID, gid)
	require.Equal(t, 0, off.Window.From.Hour())
	require.Equal(t, 0, off.Window.To.Hour())

	f, err := h.service.AddGroupFilter(ctx, AddGroupFilterInput{GroupID: g.ID, Brand: strp(" Acme ")})
	require.NoError(t, err)
	require.Equal(t, "Acme", *f.Brand)

	loaded, err := h.store.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Filters, 1)
	require.Len(t, loaded.Members, 1)
}

func TestCreateDefinitionsRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, OverlapGroupPrecedence)
	ctx := context.Background()
	g, err := h.service.CreateGroup(ctx, CreateGroupInput{Name: "G", Storefront: true})
	require.NoError(t, err)

	_, err = h.service.AddGroupFilter(ctx, AddGroupFilterInput{GroupID: g.ID})
	require.ErrorIs(t, err, ErrInvalidFilterDefinition)
	_, err = h.service.AddGroupFilter(ctx, AddGroupFilterInput{GroupID: g.ID, Brand: strp(" "), ItemID: strp("")})
	require.ErrorIs(t, err, ErrInvalidFilterDefinition)
	_, err = h.service.AddGroupFilter(ctx, AddGroupFilterInput{GroupID: 404, Brand: strp("x")})
	require.ErrorIs(t, err, ErrGroupNotFound)

	valid := CreateOffsetInput{
		Name:         "brand",
		ScopeKind:    ScopeBrand,
		ScopeValue:   "Acme",
		Kind:         KindPercentageOfCost,
		Amount:       dec("5"),
		Denomination: DenominationLocal,
		Marketplace:  true,
	}
	_, err = h.service.CreateOffset(ctx, valid)
	require.NoError(t, err)

	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, mutate := range map[string]func(*CreateOffsetInput){
		"missing scope value": func(in *CreateOffsetInput) { in.ScopeValue = "" },
		"unknown kind":        func(in *CreateOffsetInput) { in.Kind = "BOGUS" },
		"zero amount":         func(in *CreateOffsetInput) { in.Amount = decimal.Zero },
		"percentage over 100": func(in *CreateOffsetInput) { in.Amount = dec("101") },
		"no channels":         func(in *CreateOffsetInput) { in.Marketplace = false },
		"inverted window":     func(in *CreateOffsetInput) { in.From = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); in.To = &earlier },
		"negative cap":        func(in *CreateOffsetInput) { neg := dec("-1"); in.MaxUnits = &neg },
	} {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := h.service.CreateOffset(ctx, in)
			require.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}

	_, err = h.service.CreateOffset(ctx, CreateOffsetInput{
		Name: "orphan", ScopeKind: ScopeGroupMember, GroupID: 404, Kind: KindFixedAmount,
		Amount: dec("1"), Denomination: DenominationLocal, Direct: true,
	})
	require.ErrorIs(t, err, ErrGroupNotFound)
}
