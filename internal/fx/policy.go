package fx

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
)

// Policy describes which currencies the engine reports in.
type Policy struct {
	// ReferenceCurrency is the currency caps and reference totals are expressed in.
	ReferenceCurrency string
	// LocalCurrency is the operating currency of the business.
	LocalCurrency string
}

// DefaultPolicy returns the baseline currency configuration.
func DefaultPolicy() Policy {
	return Policy{ReferenceCurrency: "USD", LocalCurrency: "ARS"}
}

// Validate normalises and checks both currency codes.
func (p Policy) Validate() (Policy, error) {
	ref, err := NormalizeCode(p.ReferenceCurrency)
	if err != nil {
		return Policy{}, fmt.Errorf("fx: reference currency: %w", err)
	}
	local, err := NormalizeCode(p.LocalCurrency)
	if err != nil {
		return Policy{}, fmt.Errorf("fx: local currency: %w", err)
	}
	return Policy{ReferenceCurrency: ref, LocalCurrency: local}, nil
}

// NormalizeCode upper-cases and validates an ISO-4217 code.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("fx: invalid currency %q", code)
	}
	return unit.String(), nil
}

// Pair builds the pair code quoting quote-currency units per one base unit.
func Pair(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}
