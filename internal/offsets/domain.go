package offsets

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rebates/internal/sales"
)

// TargetKind distinguishes individual offsets from groups.
type TargetKind string

const (
	// TargetOffset addresses a single offset.
	TargetOffset TargetKind = "OFFSET"
	// TargetGroup addresses an offset group and its shared pool.
	TargetGroup TargetKind = "GROUP"
)

// Target is the unit of recomputation and ledger ownership.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   int64      `json:"id"`
}

// OffsetTarget addresses an individual offset.
func OffsetTarget(id int64) Target { return Target{Kind: TargetOffset, ID: id} }

// GroupTarget addresses an offset group.
func GroupTarget(id int64) Target { return Target{Kind: TargetGroup, ID: id} }

func (t Target) String() string {
	return strings.ToLower(string(t.Kind)) + ":" + strconv.FormatInt(t.ID, 10)
}

// ParseTarget parses "offset:<id>" or "group:<id>".
func ParseTarget(raw string) (Target, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Target{}, fmt.Errorf("offsets: invalid target %q", raw)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return Target{}, fmt.Errorf("offsets: invalid target id %q", id)
	}
	switch strings.ToLower(kind) {
	case "offset":
		return OffsetTarget(n), nil
	case "group":
		return GroupTarget(n), nil
	}
	return Target{}, fmt.Errorf("offsets: invalid target kind %q", kind)
}

// ScopeKind enumerates what an offset is scoped to.
type ScopeKind string

const (
	ScopeBrand       ScopeKind = "BRAND"
	ScopeCategory    ScopeKind = "CATEGORY"
	ScopeSubCategory ScopeKind = "SUB_CATEGORY"
	ScopeItem        ScopeKind = "ITEM"
	ScopeGroupMember ScopeKind = "GROUP_MEMBER"
)

// Scope is exactly one of brand, category, sub-category, item or group
// membership. The zero value matches nothing.
type Scope struct {
	kind    ScopeKind
	value   string
	groupID int64
}

func BrandScope(brand string) Scope        { return Scope{kind: ScopeBrand, value: strings.TrimSpace(brand)} }
func CategoryScope(category string) Scope  { return Scope{kind: ScopeCategory, value: strings.TrimSpace(category)} }
func SubCategoryScope(id string) Scope     { return Scope{kind: ScopeSubCategory, value: strings.TrimSpace(id)} }
func ItemScope(itemID string) Scope        { return Scope{kind: ScopeItem, value: strings.TrimSpace(itemID)} }
func GroupMemberScope(groupID int64) Scope { return Scope{kind: ScopeGroupMember, groupID: groupID} }

// Kind returns the scope discriminator.
func (s Scope) Kind() ScopeKind { return s.kind }

// Value returns the scoped brand, category, sub-category or item id.
func (s Scope) Value() string { return s.value }

// GroupID returns the owning group for group members.
func (s Scope) GroupID() (int64, bool) {
	return s.groupID, s.kind == ScopeGroupMember
}

// Valid reports whether the scope carries a usable value.
func (s Scope) Valid() bool {
	switch s.kind {
	case ScopeBrand, ScopeCategory, ScopeSubCategory, ScopeItem:
		return s.value != ""
	case ScopeGroupMember:
		return s.groupID > 0
	}
	return false
}

func (s Scope) String() string {
	if s.kind == ScopeGroupMember {
		return fmt.Sprintf("%s(%d)", s.kind, s.groupID)
	}
	return fmt.Sprintf("%s(%s)", s.kind, s.value)
}

// Kind determines how the per-sale benefit is computed before capping.
type Kind string

const (
	KindFixedAmount      Kind = "FIXED_AMOUNT"
	KindAmountPerUnit    Kind = "AMOUNT_PER_UNIT"
	KindPercentageOfCost Kind = "PERCENTAGE_OF_COST"
)

// Denomination is the currency an offset amount is expressed in.
type Denomination string

const (
	DenominationLocal   Denomination = "LOCAL"
	DenominationForeign Denomination = "FOREIGN"
)

// Window is an inclusive date range. A zero From or nil To is open ended.
type Window struct {
	From time.Time  `json:"from"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether ts falls on or between the window dates.
func (w Window) Contains(ts time.Time) bool {
	ts = ts.UTC()
	if !w.From.IsZero() && ts.Before(dayStart(w.From)) {
		return false
	}
	if w.To != nil && !ts.Before(dayStart(*w.To).AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// LastInstant returns the last instant covered by the window, or zero when open ended.
func (w Window) LastInstant() time.Time {
	if w.To == nil {
		return time.Time{}
	}
	return dayStart(*w.To).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Caps bounds cumulative consumption. Both unset means unlimited.
type Caps struct {
	MaxUnits     decimal.NullDecimal `json:"max_units"`
	MaxAmountRef decimal.NullDecimal `json:"max_amount_foreign"`
}

// Unlimited reports whether no cap is configured.
func (c Caps) Unlimited() bool {
	return !c.MaxUnits.Valid && !c.MaxAmountRef.Valid
}

// ReachedBy reports which cap, if any, the running totals have reached.
// Units are checked first.
func (c Caps) ReachedBy(units, amountRef decimal.Decimal) LimitKind {
	if c.MaxUnits.Valid && units.GreaterThanOrEqual(c.MaxUnits.Decimal) {
		return LimitUnits
	}
	if c.MaxAmountRef.Valid && amountRef.GreaterThanOrEqual(c.MaxAmountRef.Decimal) {
		return LimitAmount
	}
	return LimitNone
}

// Channels holds the per-channel applicability flags.
type Channels struct {
	Marketplace bool `json:"marketplace"`
	Direct      bool `json:"direct"`
	Storefront  bool `json:"storefront"`
}

// Allows reports whether ch is enabled.
func (c Channels) Allows(ch sales.Channel) bool {
	switch ch {
	case sales.ChannelMarketplace:
		return c.Marketplace
	case sales.ChannelDirect:
		return c.Direct
	case sales.ChannelStorefront:
		return c.Storefront
	}
	return false
}

// Enabled lists enabled channels in a stable order.
func (c Channels) Enabled() []sales.Channel {
	out := make([]sales.Channel, 0, len(sales.AllChannels))
	for _, ch := range sales.AllChannels {
		if c.Allows(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Offset is a benefit definition.
type Offset struct {
	ID             int64
	Name           string
	Scope          Scope
	Kind           Kind
	Amount         decimal.Decimal
	Denomination   Denomination
	FXRateOverride decimal.NullDecimal
	Window         Window
	Caps           Caps
	Channels       Channels
	ConsumedUnits  decimal.Decimal
	ConsumedLocal  decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Group shares one capacity pool across its member offsets.
type Group struct {
	ID          int64
	Name        string
	Description string
	Window      *Window
	Caps        Caps
	Channels    Channels
	Filters     []GroupFilter
	Members     []Offset
	CreatedAt   time.Time
}

// GroupFilter is one eligibility rule of a group: AND within, OR across filters.
type GroupFilter struct {
	ID            int64
	GroupID       int64
	Brand         *string
	Category      *string
	SubCategoryID *string
	ItemID        *string
}

// Empty reports whether no field is set.
func (f GroupFilter) Empty() bool {
	return blank(f.Brand) && blank(f.Category) && blank(f.SubCategoryID) && blank(f.ItemID)
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// LimitKind records which cap stopped consumption.
type LimitKind string

const (
	LimitNone   LimitKind = "NONE"
	LimitUnits  LimitKind = "UNITS"
	LimitAmount LimitKind = "AMOUNT"
)

// ConsumptionRecord is one immutable ledger entry.
type ConsumptionRecord struct {
	ID             int64           `json:"id"`
	Target         Target          `json:"target"`
	MemberOffsetID int64           `json:"member_offset_id,omitempty"`
	TransactionID  string          `json:"transaction_id"`
	Channel        sales.Channel   `json:"channel"`
	ItemID         string          `json:"item_id"`
	SaleAt         time.Time       `json:"sale_at"`
	Units          decimal.Decimal `json:"units"`
	AmountLocal    decimal.Decimal `json:"amount_local"`
	AmountRef      decimal.Decimal `json:"amount_ref"`
	FXRate         decimal.Decimal `json:"fx_rate"`
	LimitHit       LimitKind       `json:"limit_hit"`
	RunID          string          `json:"run_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Key returns the sale ordering key of the record.
func (r ConsumptionRecord) Key() sales.Key {
	return sales.Key{Timestamp: r.SaleAt, TransactionID: r.TransactionID}
}

// Granted reports whether the record attributed any benefit.
func (r ConsumptionRecord) Granted() bool {
	return r.Units.IsPositive() || r.AmountLocal.IsPositive() || r.AmountRef.IsPositive()
}

// Summary is the rebuildable aggregate of a target's ledger.
type Summary struct {
	Target            Target          `json:"target"`
	TotalUnits        decimal.Decimal `json:"total_units"`
	TotalLocal        decimal.Decimal `json:"total_local"`
	TotalRef          decimal.Decimal `json:"total_ref"`
	SaleCount         int64           `json:"sale_count"`
	ConsideredCount   int64           `json:"considered_count"`
	LimitReached      LimitKind       `json:"limit_reached"`
	LimitReachedAt    *time.Time      `json:"limit_reached_at,omitempty"`
	LastSaleAt        *time.Time      `json:"last_sale_at,omitempty"`
	LastTransactionID string          `json:"last_transaction_id,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// EmptySummary is the summary of an empty ledger.
func EmptySummary(t Target) Summary {
	return Summary{Target: t, LimitReached: LimitNone}
}

// Watermark returns the key of the newest folded record.
func (s Summary) Watermark() sales.Key {
	if s.LastSaleAt == nil {
		return sales.Key{}
	}
	return sales.Key{Timestamp: *s.LastSaleAt, TransactionID: s.LastTransactionID}
}

// SameTotals compares everything but UpdatedAt.
func (s Summary) SameTotals(o Summary) bool {
	return s.Target == o.Target &&
		s.TotalUnits.Equal(o.TotalUnits) &&
		s.TotalLocal.Equal(o.TotalLocal) &&
		s.TotalRef.Equal(o.TotalRef) &&
		s.SaleCount == o.SaleCount &&
		s.ConsideredCount == o.ConsideredCount &&
		s.LimitReached == o.LimitReached &&
		equalTimes(s.LimitReachedAt, o.LimitReachedAt) &&
		equalTimes(s.LastSaleAt, o.LastSaleAt) &&
		s.LastTransactionID == o.LastTransactionID
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Totals aggregates ledger rows, used for group member shares.
type Totals struct {
	Units   decimal.Decimal
	Local   decimal.Decimal
	Ref     decimal.Decimal
	Records int64
}

// Mode selects how a summary is recomputed.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode parses a recompute mode, defaulting to incremental.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("offsets: invalid mode %q (expected full or incremental)", raw)
}

var (
	// ErrOffsetNotFound occurs when the offset is missing.
	ErrOffsetNotFound = errors.New("offsets: offset not found")
	// ErrGroupNotFound occurs when the group is missing.
	ErrGroupNotFound = errors.New("offsets: group not found")
	// ErrInvalidFilterDefinition rejects a group filter with no field set.
	ErrInvalidFilterDefinition = errors.New("offsets: group filter must set at least one field")
	// ErrInvalidDefinition rejects malformed offsets and groups.
	ErrInvalidDefinition = errors.New("offsets: invalid definition")
	// ErrConcurrentRecompute rejects a pass while another holds the target.
	ErrConcurrentRecompute = errors.New("offsets: recompute already in progress")
	// ErrLedgerWriteFailure reports exhausted retries while recording.
	ErrLedgerWriteFailure = errors.New("offsets: ledger write failed")
	// ErrOutOfOrderSale aborts a pass fed a non-ascending sale stream.
	ErrOutOfOrderSale = errors.New("offsets: sale out of order")
	// ErrGroupMemberOffset rejects direct passes over offsets that draw from a group.
	ErrGroupMemberOffset = errors.New("offsets: offset draws from a group; recompute the group")
)
