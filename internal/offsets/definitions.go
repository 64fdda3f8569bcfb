package offsets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// CreateOffsetInput describes a new offset.
type CreateOffsetInput struct {
	Name           string           `json:"name" validate:"required,max=160"`
	ScopeKind      ScopeKind        `json:"scope_kind" validate:"required,oneof=BRAND CATEGORY SUB_CATEGORY ITEM GROUP_MEMBER"`
	ScopeValue     string           `json:"scope_value" validate:"required_unless=ScopeKind GROUP_MEMBER,max=120"`
	GroupID        int64            `json:"group_id" validate:"required_if=ScopeKind GROUP_MEMBER,gte=0"`
	Kind           Kind             `json:"kind" validate:"required,oneof=FIXED_AMOUNT AMOUNT_PER_UNIT PERCENTAGE_OF_COST"`
	Amount         decimal.Decimal  `json:"amount"`
	Denomination   Denomination     `json:"denomination" validate:"required,oneof=LOCAL FOREIGN"`
	FXRateOverride *decimal.Decimal `json:"fx_rate_override"`
	From           time.Time        `json:"from"`
	To             *time.Time       `json:"to"`
	MaxUnits       *decimal.Decimal `json:"max_units"`
	MaxAmountRef   *decimal.Decimal `json:"max_amount_foreign"`
	Marketplace    bool             `json:"marketplace"`
	Direct         bool             `json:"direct"`
	Storefront     bool             `json:"storefront"`
}

// CreateGroupInput describes a new offset group.
type CreateGroupInput struct {
	Name         string           `json:"name" validate:"required,max=160"`
	Description  string           `json:"description" validate:"max=500"`
	From         *time.Time       `json:"from"`
	To           *time.Time       `json:"to"`
	MaxUnits     *decimal.Decimal `json:"max_units"`
	MaxAmountRef *decimal.Decimal `json:"max_amount_foreign"`
	Marketplace  bool             `json:"marketplace"`
	Direct       bool             `json:"direct"`
	Storefront   bool             `json:"storefront"`
}

// AddGroupFilterInput describes one eligibility rule of a group.
type AddGroupFilterInput struct {
	GroupID       int64   `json:"group_id" validate:"required,gt=0"`
	Brand         *string `json:"brand" validate:"omitempty,max=120"`
	Category      *string `json:"category" validate:"omitempty,max=120"`
	SubCategoryID *string `json:"sub_category_id" validate:"omitempty,max=120"`
	ItemID        *string `json:"item_id" validate:"omitempty,max=120"`
}

// CreateOffset validates and stores an offset.
func (s *Service) CreateOffset(ctx context.Context, in CreateOffsetInput) (Offset, error) {
	if err := s.check(in); err != nil {
		return Offset{}, err
	}
	scope, err := buildScope(in.ScopeKind, in.ScopeValue, in.GroupID)
	if err != nil {
		return Offset{}, err
	}
	if !in.Amount.IsPositive() {
		return Offset{}, fmt.Errorf("%w: amount must be positive", ErrInvalidDefinition)
	}
	if in.Kind == KindPercentageOfCost && in.Amount.GreaterThan(hundred) {
		return Offset{}, fmt.Errorf("%w: percentage above 100", ErrInvalidDefinition)
	}
	override := decimal.NullDecimal{}
	if in.FXRateOverride != nil {
		if !in.FXRateOverride.IsPositive() {
			return Offset{}, fmt.Errorf("%w: fx rate override must be positive", ErrInvalidDefinition)
		}
		override = decimal.NewNullDecimal(*in.FXRateOverride)
	}
	window, err := buildWindow(in.From, in.To)
	if err != nil {
		return Offset{}, err
	}
	caps, err := buildCaps(in.MaxUnits, in.MaxAmountRef)
	if err != nil {
		return Offset{}, err
	}
	channels := Channels{Marketplace: in.Marketplace, Direct: in.Direct, Storefront: in.Storefront}
	if len(channels.Enabled()) == 0 {
		return Offset{}, fmt.Errorf("%w: at least one channel must be enabled", ErrInvalidDefinition)
	}
	if gid, member := scope.GroupID(); member {
		if _, err := s.store.GetGroup(ctx, gid); err != nil {
			return Offset{}, err
		}
	}
	return s.store.InsertOffset(ctx, Offset{
		Name:           strings.TrimSpace(in.Name),
		Scope:          scope,
		Kind:           in.Kind,
		Amount:         in.Amount,
		Denomination:   in.Denomination,
		FXRateOverride: override,
		Window:         window,
		Caps:           caps,
		Channels:       channels,
		ConsumedUnits:  decimal.Zero,
		ConsumedLocal:  decimal.Zero,
	})
}

// CreateGroup validates and stores a group. Filters and members are added
// afterwards.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (Group, error) {
	if err := s.check(in); err != nil {
		return Group{}, err
	}
	var window *Window
	if in.From != nil || in.To != nil {
		var from time.Time
		if in.From != nil {
			from = *in.From
		}
		w, err := buildWindow(from, in.To)
		if err != nil {
			return Group{}, err
		}
		window = &w
	}
	caps, err := buildCaps(in.MaxUnits, in.MaxAmountRef)
	if err != nil {
		return Group{}, err
	}
	channels := Channels{Marketplace: in.Marketplace, Direct: in.Direct, Storefront: in.Storefront}
	if len(channels.Enabled()) == 0 {
		return Group{}, fmt.Errorf("%w: at least one channel must be enabled", ErrInvalidDefinition)
	}
	return s.store.InsertGroup(ctx, Group{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Window:      window,
		Caps:        caps,
		Channels:    channels,
	})
}

// AddGroupFilter stores a filter. A filter with no field set fails with
// ErrInvalidFilterDefinition.
func (s *Service) AddGroupFilter(ctx context.Context, in AddGroupFilterInput) (GroupFilter, error) {
	f := GroupFilter{
		GroupID:       in.GroupID,
		Brand:         trimmed(in.Brand),
		Category:      trimmed(in.Category),
		SubCategoryID: trimmed(in.SubCategoryID),
		ItemID:        trimmed(in.ItemID),
	}
	if f.Empty() {
		return GroupFilter{}, ErrInvalidFilterDefinition
	}
	if err := s.check(in); err != nil {
		return GroupFilter{}, err
	}
	if _, err := s.store.GetGroup(ctx, in.GroupID); err != nil {
		return GroupFilter{}, err
	}
	return s.store.InsertGroupFilter(ctx, f)
}

func (s *Service) check(in any) error {
	if err := s.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(parts, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

func buildScope(kind ScopeKind, value string, groupID int64) (Scope, error) {
	var scope Scope
	switch kind {
	case ScopeBrand:
		scope = BrandScope(value)
	case ScopeCategory:
		scope = CategoryScope(value)
	case ScopeSubCategory:
		scope = SubCategoryScope(value)
	case ScopeItem:
		scope = ItemScope(value)
	case ScopeGroupMember:
		scope = GroupMemberScope(groupID)
	}
	if !scope.Valid() {
		return Scope{}, fmt.Errorf("%w: scope %s requires a value", ErrInvalidDefinition, kind)
	}
	return scope, nil
}

func buildWindow(from time.Time, to *time.Time) (Window, error) {
	w := Window{}
	if !from.IsZero() {
		w.From = dayStart(from)
	}
	if to != nil {
		end := dayStart(*to)
		if !w.From.IsZero() && end.Before(w.From) {
			return Window{}, fmt.Errorf("%w: window ends before it starts", ErrInvalidDefinition)
		}
		w.To = &end
	}
	return w, nil
}

func buildCaps(units, amountRef *decimal.Decimal) (Caps, error) {
	var caps Caps
	if units != nil {
		if units.IsNegative() {
			return Caps{}, fmt.Errorf("%w: max units must not be negative", ErrInvalidDefinition)
		}
		caps.MaxUnits = decimal.NewNullDecimal(*units)
	}
	if amountRef != nil {
		if amountRef.IsNegative() {
			return Caps{}, fmt.Errorf("%w: max amount must not be negative", ErrInvalidDefinition)
		}
		caps.MaxAmountRef = decimal.NewNullDecimal(*amountRef)
	}
	return caps, nil
}

func trimmed(s *string) *string {
	if blank(s) {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
