package offsets

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rebates/internal/fx"
	"github.com/odyssey-erp/rebates/internal/sales"
)

const (
	// UnitScale is the number of decimals units are truncated to.
	UnitScale int32 = 4
	// AmountScale is the number of decimals amounts are kept at.
	AmountScale int32 = 6
)

var hundred = decimal.NewFromInt(100)

// Candidate is the uncapped benefit a sale would earn.
type Candidate struct {
	Units       decimal.Decimal
	AmountLocal decimal.Decimal
	AmountRef   decimal.Decimal
	// FXRate is local currency units per reference unit.
	FXRate decimal.Decimal
}

// ComputeCandidate prices the benefit of off for sale in local and
// reference currency. It fails with fx.ErrRateUnavailable when a needed
// rate is missing.
func ComputeCandidate(ctx context.Context, n *fx.Normalizer, off Offset, sale sales.Sale) (Candidate, error) {
	policy := n.Policy()
	units := sale.Quantity.Truncate(UnitScale)

	localRate := off.FXRateOverride.Decimal
	if !off.FXRateOverride.Valid || !localRate.IsPositive() {
		rate, err := n.RateFor(ctx, policy.LocalCurrency, sale.Timestamp)
		if err != nil {
			return Candidate{}, err
		}
		localRate = rate
	}

	var (
		base     decimal.Decimal
		currency string
	)
	switch off.Kind {
	case KindFixedAmount:
		base, currency = off.Amount, denominationCurrency(policy, off.Denomination)
	case KindAmountPerUnit:
		base, currency = off.Amount.Mul(units), denominationCurrency(policy, off.Denomination)
	case KindPercentageOfCost:
		base, currency = off.Amount.Div(hundred).Mul(units).Mul(sale.UnitAmount), sale.Currency
	default:
		return Candidate{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, off.Kind)
	}

	var local, ref decimal.Decimal
	switch currency {
	case policy.LocalCurrency:
		local = base
		ref = fx.ToReferenceAt(base, localRate)
	case policy.ReferenceCurrency:
		ref = base
		local = fx.FromReferenceAt(base, localRate)
	default:
		conv, err := n.ToReference(ctx, base, currency, sale.Timestamp)
		if err != nil {
			return Candidate{}, err
		}
		ref = conv.Amount
		local = fx.FromReferenceAt(ref, localRate)
	}
	return Candidate{
		Units:       units,
		AmountLocal: local.Round(AmountScale),
		AmountRef:   ref.Round(AmountScale),
		FXRate:      localRate,
	}, nil
}

func denominationCurrency(p fx.Policy, d Denomination) string {
	if d == DenominationForeign {
		return p.ReferenceCurrency
	}
	return p.LocalCurrency
}
