package offsetshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rebates/internal/offsets"
	"github.com/odyssey-erp/rebates/internal/sales"
)

type stubService struct {
	getSummaryFn    func(ctx context.Context, target offsets.Target) (offsets.Summary, error)
	recomputeFn     func(ctx context.Context, target offsets.Target, mode offsets.Mode) (offsets.PassResult, error)
	consumptionFn   func(ctx context.Context, target offsets.Target, filter offsets.ConsumptionFilter) iter.Seq2[offsets.ConsumptionRecord, error]
	voidFn          func(ctx context.Context, transactionID string) ([]offsets.Summary, error)
	rewindFn        func(ctx context.Context, target offsets.Target, from time.Time) (offsets.Summary, error)
	createOffsetFn  func(ctx context.Context, in offsets.CreateOffsetInput) (offsets.Offset, error)
	createGroupFn   func(ctx context.Context, in offsets.CreateGroupInput) (offsets.Group, error)
	addGroupFilteFn func(ctx context.Context, in offsets.AddGroupFilterInput) (offsets.GroupFilter, error)
}

func (s *stubService) GetSummary(ctx context.Context, target offsets.Target) (offsets.Summary, error) {
	return s.getSummaryFn(ctx, target)
}

func (s *stubService) TriggerRecompute(ctx context.Context, target offsets.Target, mode offsets.Mode) (offsets.PassResult, error) {
	return s.recomputeFn(ctx, target, mode)
}

func (s *stubService) ListConsumption(ctx context.Context, target offsets.Target, filter offsets.ConsumptionFilter) iter.Seq2[offsets.ConsumptionRecord, error] {
	return s.consumptionFn(ctx, target, filter)
}

func (s *stubService) VoidSale(ctx context.Context, transactionID string) ([]offsets.Summary, error) {
	return s.voidFn(ctx, transactionID)
}

func (s *stubService) Rewind(ctx context.Context, target offsets.Target, from time.Time) (offsets.Summary, error) {
	return s.rewindFn(ctx, target, from)
}

func (s *stubService) CreateOffset(ctx context.Context, in offsets.CreateOffsetInput) (offsets.Offset, error) {
	return s.createOffsetFn(ctx, in)
}

func (s *stubService) CreateGroup(ctx context.Context, in offsets.CreateGroupInput) (offsets.Group, error) {
	return s.createGroupFn(ctx, in)
}

func (s *stubService) AddGroupFilter(ctx context.Context, in offsets.AddGroupFilterInput) (offsets.GroupFilter, error) {
	return s.addGroupFilteFn(ctx, in)
}

type stubEnqueuer struct {
	targets []string
	voids   []string
}

func (e *stubEnqueuer) EnqueueRecompute(_ context.Context, target string, mode offsets.Mode) (string, error) {
	e.targets = append(e.targets, target+"/"+string(mode))
	return "task-1", nil
}

func (e *stubEnqueuer) EnqueueVoidSale(_ context.Context, transactionID string) (string, error) {
	e.voids = append(e.voids, transactionID)
	return "task-2", nil
}

func newTestRouter(svc Service, enq Enqueuer) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, enq)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func serve(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestSummaryRoutesByTargetKind(t *testing.T) {
	var seen []offsets.Target
	svc := &stubService{
		getSummaryFn: func(_ context.Context, target offsets.Target) (offsets.Summary, error) {
			seen = append(seen, target)
			if target.ID == 404 {
				return offsets.Summary{}, offsets.ErrGroupNotFound
			}
			s := offsets.EmptySummary(target)
			s.TotalUnits = decimal.RequireFromString("12")
			return s, nil
		},
	}
	router := newTestRouter(svc, nil)

	rr := serve(t, router, http.MethodGet, "/offsets/7/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total_units":"12"`)

	rr = serve(t, router, http.MethodGet, "/groups/3/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []offsets.Target{offsets.OffsetTarget(7), offsets.GroupTarget(3)}, seen)

	rr = serve(t, router, http.MethodGet, "/groups/404/summary", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, router, http.MethodGet, "/groups/abc/summary", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecomputeSyncAndAsync(t *testing.T) {
	svc := &stubService{
		recomputeFn: func(_ context.Context, target offsets.Target, mode offsets.Mode) (offsets.PassResult, error) {
			switch target.ID {
			case 2:
				return offsets.PassResult{}, fmt.Errorf("%w: %s", offsets.ErrConcurrentRecompute, target)
			case 3:
				return offsets.PassResult{Target: target, FailedState: offsets.StateRecording, Error: "boom"}, errors.New("boom")
			}
			return offsets.PassResult{Target: target, Mode: mode, Granted: 2}, nil
		},
	}
	enq := &stubEnqueuer{}
	router := newTestRouter(svc, enq)

	rr := serve(t, router, http.MethodPost, "/offsets/1/recompute?mode=full", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res offsets.PassResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, offsets.ModeFull, res.Mode)
	require.Equal(t, 2, res.Granted)

	rr = serve(t, router, http.MethodPost, "/offsets/2/recompute", "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(t, router, http.MethodPost, "/groups/3/recompute", "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Contains(t, rr.Body.String(), string(offsets.StateRecording))

	rr = serve(t, router, http.MethodPost, "/offsets/1/recompute?mode=sideways", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, router, http.MethodPost, "/groups/5/recompute?async=1&mode=incremental", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Contains(t, rr.Body.String(), "task-1")
	require.Equal(t, []string{"group:5/incremental"}, enq.targets)
}

func TestConsumptionPageCursor(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var captured offsets.ConsumptionFilter
	svc := &stubService{
		consumptionFn: func(_ context.Context, target offsets.Target, filter offsets.ConsumptionFilter) iter.Seq2[offsets.ConsumptionRecord, error] {
			captured = filter
			return func(yield func(offsets.ConsumptionRecord, error) bool) {
				for i := range 5 {
					rec := offsets.ConsumptionRecord{Target: target, TransactionID: fmt.Sprintf("s%d", i), SaleAt: at.Add(time.Duration(i) * time.Hour)}
					if !yield(rec, nil) {
						return
					}
				}
			}
		},
	}
	router := newTestRouter(svc, nil)

	rr := serve(t, router, http.MethodGet, "/offsets/1/consumption?limit=2&channel=direct&only_granted=1&from=2025-03-01&after_ts=2025-03-01T08:00:00Z&after_tx=s0", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var page struct {
		Items     []offsets.ConsumptionRecord `json:"items"`
		NextAfter *sales.Key                  `json:"next_after"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.NextAfter)
	require.Equal(t, "s1", page.NextAfter.TransactionID)

	require.Equal(t, 2, captured.Limit)
	require.Equal(t, sales.ChannelDirect, captured.Channel)
	require.True(t, captured.OnlyGranted)
	require.Equal(t, "s0", captured.After.TransactionID)
	require.True(t, captured.From.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))

	rr = serve(t, router, http.MethodGet, "/offsets/1/consumption?limit=50000", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, maxPageSize, captured.Limit)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 5)
	require.Nil(t, page.NextAfter)

	rr = serve(t, router, http.MethodGet, "/offsets/1/consumption?channel=fax", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVoidSaleAndRewind(t *testing.T) {
	var rewound time.Time
	svc := &stubService{
		voidFn: func(_ context.Context, transactionID string) ([]offsets.Summary, error) {
			if transactionID == "missing" {
				return nil, nil
			}
			return []offsets.Summary{offsets.EmptySummary(offsets.OffsetTarget(1))}, nil
		},
		rewindFn: func(_ context.Context, target offsets.Target, from time.Time) (offsets.Summary, error) {
			rewound = from
			return offsets.EmptySummary(target), nil
		},
	}
	enq := &stubEnqueuer{}
	router := newTestRouter(svc, enq)

	rr := serve(t, router, http.MethodPost, "/sales/tx-9/void", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"kind":"OFFSET"`)

	rr = serve(t, router, http.MethodPost, "/sales/missing/void", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())

	rr = serve(t, router, http.MethodPost, "/sales/tx-10/void?async=true", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []string{"tx-10"}, enq.voids)

	rr = serve(t, router, http.MethodPost, "/groups/2/rewind", `{"from":"2025-03-04T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, rewound.Equal(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)))

	rr = serve(t, router, http.MethodPost, "/groups/2/rewind", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateDefinitionsMapsValidationErrors(t *testing.T) {
	var filterGroup int64
	svc := &stubService{
		createOffsetFn: func(_ context.Context, in offsets.CreateOffsetInput) (offsets.Offset, error) {
			if in.Name == "" {
				return offsets.Offset{}, fmt.Errorf("%w: name required", offsets.ErrInvalidDefinition)
			}
			return offsets.Offset{ID: 11, Name: in.Name, Scope: offsets.BrandScope(in.ScopeValue), Amount: in.Amount}, nil
		},
		createGroupFn: func(_ context.Context, in offsets.CreateGroupInput) (offsets.Group, error) {
			return offsets.Group{ID: 4, Name: in.Name}, nil
		},
		addGroupFilteFn: func(_ context.Context, in offsets.AddGroupFilterInput) (offsets.GroupFilter, error) {
			filterGroup = in.GroupID
			if in.Brand == nil {
				return offsets.GroupFilter{}, offsets.ErrInvalidFilterDefinition
			}
			return offsets.GroupFilter{ID: 1, GroupID: in.GroupID, Brand: in.Brand}, nil
		},
	}
	router := newTestRouter(svc, nil)

	rr := serve(t, router, http.MethodPost, "/offsets", `{"name":"acme","scope_kind":"BRAND","scope_value":"Acme","amount":"2.5"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Contains(t, rr.Body.String(), `"scope_value":"Acme"`)
	require.Contains(t, rr.Body.String(), `"amount":"2.5"`)

	rr = serve(t, router, http.MethodPost, "/offsets", `{"scope_kind":"BRAND"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, router, http.MethodPost, "/offsets", `not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, router, http.MethodPost, "/groups", `{"name":"Spring"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Contains(t, rr.Body.String(), `"members":[]`)

	rr = serve(t, router, http.MethodPost, "/groups/4/filters", `{"brand":"Acme"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.EqualValues(t, 4, filterGroup)

	rr = serve(t, router, http.MethodPost, "/groups/4/filters", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
