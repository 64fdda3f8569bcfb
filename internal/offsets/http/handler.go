package offsetshttp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/rebates/internal/offsets"
	"github.com/odyssey-erp/rebates/internal/platform/httpx"
	"github.com/odyssey-erp/rebates/internal/sales"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Service is the engine surface the handlers need.
type Service interface {
	GetSummary(ctx context.Context, target offsets.Target) (offsets.Summary, error)
	TriggerRecompute(ctx context.Context, target offsets.Target, mode offsets.Mode) (offsets.PassResult, error)
	ListConsumption(ctx context.Context, target offsets.Target, filter offsets.ConsumptionFilter) iter.Seq2[offsets.ConsumptionRecord, error]
	VoidSale(ctx context.Context, transactionID string) ([]offsets.Summary, error)
	Rewind(ctx context.Context, target offsets.Target, from time.Time) (offsets.Summary, error)
	CreateOffset(ctx context.Context, in offsets.CreateOffsetInput) (offsets.Offset, error)
	CreateGroup(ctx context.Context, in offsets.CreateGroupInput) (offsets.Group, error)
	AddGroupFilter(ctx context.Context, in offsets.AddGroupFilterInput) (offsets.GroupFilter, error)
}

// Enqueuer schedules background recomputes and voids.
type Enqueuer interface {
	EnqueueRecompute(ctx context.Context, target string, mode offsets.Mode) (string, error)
	EnqueueVoidSale(ctx context.Context, transactionID string) (string, error)
}

// Handler wires the rebates API.
type Handler struct {
	logger    *slog.Logger
	service   Service
	enqueuer  Enqueuer
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the handler. enqueuer may be nil, in which case
// async requests run inline.
func NewHandler(logger *slog.Logger, service Service, enqueuer Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		enqueuer:  enqueuer,
		rateLimit: httprate.LimitByIP(10, time.Minute),
	}
}

// MountRoutes registers the rebates routes.
func (h *Handler) MountRoutes(r chi.Router) {
	for _, target := range []struct {
		path string
		kind offsets.TargetKind
	}{
		{"/offsets", offsets.TargetOffset},
		{"/groups", offsets.TargetGroup},
	} {
		kind := target.kind
		r.Route(target.path+"/{id}", func(r chi.Router) {
			r.Get("/summary", h.withTarget(kind, h.handleSummary))
			r.Get("/consumption", h.withTarget(kind, h.handleConsumption))
			r.Post("/rewind", h.withTarget(kind, h.handleRewind))
			r.With(h.rateLimit).Post("/recompute", h.withTarget(kind, h.handleRecompute))
		})
	}
	r.Post("/offsets", h.handleCreateOffset)
	r.Post("/groups", h.handleCreateGroup)
	r.Post("/groups/{id}/filters", h.handleAddFilter)
	r.Post("/sales/{transactionID}/void", h.handleVoidSale)
}

type targetHandler func(w http.ResponseWriter, r *http.Request, target offsets.Target)

func (h *Handler) withTarget(kind offsets.TargetKind, next targetHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Target", "id must be a positive integer")
			return
		}
		next(w, r, offsets.Target{Kind: kind, ID: id})
	}
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request, target offsets.Target) {
	summary, err := h.service.GetSummary(r.Context(), target)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request, target offsets.Target) {
	mode, err := offsets.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Mode", err.Error())
		return
	}
	if async(r) && h.enqueuer != nil {
		id, err := h.enqueuer.EnqueueRecompute(r.Context(), target.String(), mode)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "target": target.String(), "mode": string(mode)})
		return
	}
	res, err := h.service.TriggerRecompute(r.Context(), target, mode)
	if err != nil {
		if errors.Is(err, offsets.ErrConcurrentRecompute) || errors.Is(err, offsets.ErrOffsetNotFound) ||
			errors.Is(err, offsets.ErrGroupNotFound) || errors.Is(err, offsets.ErrGroupMemberOffset) {
			h.respondError(w, r, err)
			return
		}
		h.logger.Error("recompute failed", slog.String("target", target.String()), slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, res)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type consumptionPage struct {
	Items     []offsets.ConsumptionRecord `json:"items"`
	NextAfter *sales.Key                  `json:"next_after,omitempty"`
}

func (h *Handler) handleConsumption(w http.ResponseWriter, r *http.Request, target offsets.Target) {
	q := r.URL.Query()
	filter := offsets.ConsumptionFilter{OnlyGranted: q.Get("only_granted") == "1" || q.Get("only_granted") == "true"}
	var err error
	if raw := q.Get("channel"); raw != "" {
		if filter.Channel, err = sales.ParseChannel(raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Channel", err.Error())
			return
		}
	}
	if filter.From, err = parseInstant(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid From", err.Error())
		return
	}
	if filter.To, err = parseInstant(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid To", err.Error())
		return
	}
	if raw := q.Get("after_ts"); raw != "" {
		at, err := parseInstant(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Cursor", err.Error())
			return
		}
		filter.After = sales.Key{Timestamp: at, TransactionID: q.Get("after_tx")}
	}
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Limit", "limit must be a positive integer")
			return
		}
	}
	limit = min(limit, maxPageSize)
	filter.Limit = limit

	page := consumptionPage{Items: make([]offsets.ConsumptionRecord, 0, limit)}
	for rec, err := range h.service.ListConsumption(r.Context(), target, filter) {
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		page.Items = append(page.Items, rec)
		if len(page.Items) == limit {
			next := rec.Key()
			page.NextAfter = &next
			break
		}
	}
	httpx.JSON(w, http.StatusOK, page)
}

type rewindRequest struct {
	From time.Time `json:"from"`
}

func (h *Handler) handleRewind(w http.ResponseWriter, r *http.Request, target offsets.Target) {
	var req rewindRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil || req.From.IsZero() {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from is required")
		return
	}
	summary, err := h.service.Rewind(r.Context(), target, req.From)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if txID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "transaction id is required")
		return
	}
	if async(r) && h.enqueuer != nil {
		id, err := h.enqueuer.EnqueueVoidSale(r.Context(), txID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "transaction_id": txID})
		return
	}
	summaries, err := h.service.VoidSale(r.Context(), txID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []offsets.Summary{}
	}
	httpx.JSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleCreateOffset(w http.ResponseWriter, r *http.Request) {
	var in offsets.CreateOffsetInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	off, err := h.service.CreateOffset(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, offsetView(off))
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in offsets.CreateGroupInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	g, err := h.service.CreateGroup(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, groupView(g))
}

func (h *Handler) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || groupID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Target", "id must be a positive integer")
		return
	}
	var in offsets.AddGroupFilterInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	in.GroupID = groupID
	f, err := h.service.AddGroupFilter(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, filterView(f))
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, offsets.ErrOffsetNotFound), errors.Is(err, offsets.ErrGroupNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, offsets.ErrConcurrentRecompute):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, offsets.ErrInvalidFilterDefinition), errors.Is(err, offsets.ErrInvalidDefinition),
		errors.Is(err, offsets.ErrGroupMemberOffset):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	default:
		h.logger.Error("rebates api", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

type offsetJSON struct {
	ID            int64                `json:"id"`
	Name          string               `json:"name"`
	ScopeKind     offsets.ScopeKind    `json:"scope_kind"`
	ScopeValue    string               `json:"scope_value,omitempty"`
	GroupID       int64                `json:"group_id,omitempty"`
	Kind          offsets.Kind         `json:"kind"`
	Amount        string               `json:"amount"`
	Denomination  offsets.Denomination `json:"denomination"`
	Window        offsets.Window       `json:"window"`
	Caps          offsets.Caps         `json:"caps"`
	Channels      offsets.Channels     `json:"channels"`
	ConsumedUnits string               `json:"consumed_units"`
	ConsumedLocal string               `json:"consumed_local"`
}

func offsetView(off offsets.Offset) offsetJSON {
	gid, _ := off.Scope.GroupID()
	return offsetJSON{
		ID:            off.ID,
		Name:          off.Name,
		ScopeKind:     off.Scope.Kind(),
		ScopeValue:    off.Scope.Value(),
		GroupID:       gid,
		Kind:          off.Kind,
		Amount:        off.Amount.String(),
		Denomination:  off.Denomination,
		Window:        off.Window,
		Caps:          off.Caps,
		Channels:      off.Channels,
		ConsumedUnits: off.ConsumedUnits.String(),
		ConsumedLocal: off.ConsumedLocal.String(),
	}
}

type filterJSON struct {
	ID            int64   `json:"id"`
	GroupID       int64   `json:"group_id"`
	Brand         *string `json:"brand,omitempty"`
	Category      *string `json:"category,omitempty"`
	SubCategoryID *string `json:"sub_category_id,omitempty"`
	ItemID        *string `json:"item_id,omitempty"`
}

func filterView(f offsets.GroupFilter) filterJSON {
	return filterJSON{ID: f.ID, GroupID: f.GroupID, Brand: f.Brand, Category: f.Category, SubCategoryID: f.SubCategoryID, ItemID: f.ItemID}
}

type groupJSON struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Window      *offsets.Window  `json:"window,omitempty"`
	Caps        offsets.Caps     `json:"caps"`
	Channels    offsets.Channels `json:"channels"`
	Filters     []filterJSON     `json:"filters"`
	Members     []offsetJSON     `json:"members"`
}

func groupView(g offsets.Group) groupJSON {
	out := groupJSON{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Window:      g.Window,
		Caps:        g.Caps,
		Channels:    g.Channels,
		Filters:     make([]filterJSON, 0, len(g.Filters)),
		Members:     make([]offsetJSON, 0, len(g.Members)),
	}
	for _, f := range g.Filters {
		out.Filters = append(out.Filters, filterView(f))
	}
	for _, m := range g.Members {
		out.Members = append(out.Members, offsetView(m))
	}
	return out
}

func async(r *http.Request) bool {
	v := r.URL.Query().Get("async")
	return v == "1" || v == "true"
}

func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp or YYYY-MM-DD date: %q", raw)
	}
	return t, nil
}
