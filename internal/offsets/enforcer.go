package offsets

import "github.com/shopspring/decimal"

// Capacity is the running consumption of a target against its caps.
type Capacity struct {
	Caps      Caps
	UsedUnits decimal.Decimal
	UsedRef   decimal.Decimal
	Reached   LimitKind
}

// CapacityFromTotals rebuilds capacity from ledger-derived totals.
func CapacityFromTotals(caps Caps, units, amountRef decimal.Decimal) Capacity {
	return Capacity{Caps: caps, UsedUnits: units, UsedRef: amountRef, Reached: caps.ReachedBy(units, amountRef)}
}

// Exhausted reports whether a cap has been reached.
func (c Capacity) Exhausted() bool {
	return c.Reached != "" && c.Reached != LimitNone
}

// RemainingUnits returns the units left under the unit cap.
func (c Capacity) RemainingUnits() (decimal.Decimal, bool) {
	if !c.Caps.MaxUnits.Valid {
		return decimal.Zero, false
	}
	return nonNegative(c.Caps.MaxUnits.Decimal.Sub(c.UsedUnits)), true
}

// RemainingRef returns the reference amount left under the amount cap.
func (c Capacity) RemainingRef() (decimal.Decimal, bool) {
	if !c.Caps.MaxAmountRef.Valid {
		return decimal.Zero, false
	}
	return nonNegative(c.Caps.MaxAmountRef.Decimal.Sub(c.UsedRef)), true
}

// Grant is the part of a candidate that capacity allows.
type Grant struct {
	Units       decimal.Decimal
	AmountLocal decimal.Decimal
	AmountRef   decimal.Decimal
	// LimitHit is set on the sale that reaches a cap and on every sale after it.
	LimitHit LimitKind
}

// Partial reports whether the grant is smaller than the candidate.
func (g Grant) Partial(c Candidate) bool {
	return g.Units.LessThan(c.Units) || g.AmountRef.LessThan(c.AmountRef)
}

// Enforce decides how much of cand fits into c. When a cap is binding the
// governing figure is granted exactly and the others are prorated by the
// same ratio, truncated so no cap is overshot. Both caps binding: the
// smaller ratio wins, units on ties.
func Enforce(c Capacity, cand Candidate) (Grant, Capacity) {
	if c.Exhausted() {
		return Grant{Units: decimal.Zero, AmountLocal: decimal.Zero, AmountRef: decimal.Zero, LimitHit: c.Reached}, c
	}
	grant := Grant{Units: cand.Units, AmountLocal: cand.AmountLocal, AmountRef: cand.AmountRef, LimitHit: LimitNone}

	remUnits, unitCapped := c.RemainingUnits()
	remRef, amountCapped := c.RemainingRef()
	unitsBind := unitCapped && cand.Units.GreaterThan(remUnits)
	amountBind := amountCapped && cand.AmountRef.GreaterThan(remRef)

	governing := LimitNone
	switch {
	case unitsBind && amountBind:
		// remUnits/cand.Units <= remRef/cand.AmountRef, cross-multiplied.
		if remUnits.Mul(cand.AmountRef).LessThanOrEqual(remRef.Mul(cand.Units)) {
			governing = LimitUnits
		} else {
			governing = LimitAmount
		}
	case unitsBind:
		governing = LimitUnits
	case amountBind:
		governing = LimitAmount
	}

	switch governing {
	case LimitUnits:
		grant.Units = remUnits
		grant.AmountLocal = prorate(cand.AmountLocal, remUnits, cand.Units, AmountScale)
		grant.AmountRef = prorate(cand.AmountRef, remUnits, cand.Units, AmountScale)
	case LimitAmount:
		grant.AmountRef = remRef
		grant.AmountLocal = prorate(cand.AmountLocal, remRef, cand.AmountRef, AmountScale)
		grant.Units = prorate(cand.Units, remRef, cand.AmountRef, UnitScale)
	}
	if unitCapped && grant.Units.GreaterThan(remUnits) {
		grant.Units = remUnits
	}
	if amountCapped && grant.AmountRef.GreaterThan(remRef) {
		grant.AmountRef = remRef
	}

	next := CapacityFromTotals(c.Caps, c.UsedUnits.Add(grant.Units), c.UsedRef.Add(grant.AmountRef))
	grant.LimitHit = next.Reached
	return grant, next
}

// prorate returns value * num / den truncated to scale.
func prorate(value, num, den decimal.Decimal, scale int32) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return value.Mul(num).Div(den).Truncate(scale)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
