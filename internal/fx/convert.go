package fx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// RatePrecision bounds the decimals kept when inverting a quote.
	RatePrecision = 10
	// AmountPrecision bounds the decimals kept when dividing by a rate.
	AmountPrecision = 12
)

// Quote is a rate effective from a given date.
type Quote struct {
	Pair          string
	Rate          decimal.Decimal
	EffectiveDate time.Time
}

// RateTable exposes the historical FX rate table. Rate returns the most
// recent quote with effective date on or before asOf.
type RateTable interface {
	Rate(ctx context.Context, pair string, asOf time.Time) (Quote, bool, error)
}

// ErrRateUnavailable is matched by RateUnavailableError.
var ErrRateUnavailable = errors.New("fx: rate unavailable")

// RateUnavailableError reports the pair and date no rate could be resolved for.
type RateUnavailableError struct {
	Pair string
	AsOf time.Time
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("fx: no rate for %s as of %s", e.Pair, e.AsOf.Format(time.DateOnly))
}

// Is lets errors.Is match ErrRateUnavailable.
func (e *RateUnavailableError) Is(target error) bool {
	return target == ErrRateUnavailable
}

// Conversion is an amount converted to the reference currency along with
// the rate used (currency units per reference unit).
type Conversion struct {
	Amount decimal.Decimal
	Rate   decimal.Decimal
}

// Normalizer converts amounts to the reference currency with point-in-time rates.
type Normalizer struct {
	table  RateTable
	policy Policy
}

// NewNormalizer constructs a normalizer.
func NewNormalizer(table RateTable, policy Policy) *Normalizer {
	return &Normalizer{table: table, policy: policy}
}

// Policy returns the configured currencies.
func (n *Normalizer) Policy() Policy {
	return n.policy
}

// RateFor returns how many units of currency buy one reference unit on asOf.
// The direct pair wins; the inverse pair is the fallback.
func (n *Normalizer) RateFor(ctx context.Context, code string, asOf time.Time) (decimal.Decimal, error) {
	ref := n.policy.ReferenceCurrency
	if code == ref {
		return decimal.NewFromInt(1), nil
	}
	if n.table == nil {
		return decimal.Zero, &RateUnavailableError{Pair: Pair(ref, code), AsOf: asOf}
	}
	q, ok, err := n.table.Rate(ctx, Pair(ref, code), asOf)
	if err != nil {
		return decimal.Zero, err
	}
	if ok && q.Rate.IsPositive() {
		return q.Rate, nil
	}
	q, ok, err = n.table.Rate(ctx, Pair(code, ref), asOf)
	if err != nil {
		return decimal.Zero, err
	}
	if ok && q.Rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(q.Rate, RatePrecision), nil
	}
	return decimal.Zero, &RateUnavailableError{Pair: Pair(ref, code), AsOf: asOf}
}

// ToReference converts amount expressed in code to the reference currency.
func (n *Normalizer) ToReference(ctx context.Context, amount decimal.Decimal, code string, asOf time.Time) (Conversion, error) {
	rate, err := n.RateFor(ctx, code, asOf)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{Amount: ToReferenceAt(amount, rate), Rate: rate}, nil
}

// ToReferenceAt divides amount by a currency-per-reference rate.
func ToReferenceAt(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.Equal(decimal.NewFromInt(1)) {
		return amount
	}
	return amount.DivRound(rate, AmountPrecision)
}

// FromReferenceAt multiplies a reference amount by a currency-per-reference rate.
func FromReferenceAt(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate)
}

// MemoTable caches quotes by pair and calendar day for one pass so every
// sale on a day sees the same rate.
type MemoTable struct {
	next RateTable

	mu     sync.Mutex
	quotes map[string]memoQuote
}

type memoQuote struct {
	quote Quote
	ok    bool
}

// NewMemoTable wraps next.
func NewMemoTable(next RateTable) *MemoTable {
	return &MemoTable{next: next, quotes: make(map[string]memoQuote)}
}

// Rate implements RateTable.
func (m *MemoTable) Rate(ctx context.Context, pair string, asOf time.Time) (Quote, bool, error) {
	key := pair + "@" + asOf.UTC().Format(time.DateOnly)
	m.mu.Lock()
	if hit, found := m.quotes[key]; found {
		m.mu.Unlock()
		return hit.quote, hit.ok, nil
	}
	m.mu.Unlock()
	q, ok, err := m.next.Rate(ctx, pair, asOf)
	if err != nil {
		return Quote{}, false, err
	}
	m.mu.Lock()
	m.quotes[key] = memoQuote{quote: q, ok: ok}
	m.mu.Unlock()
	return q, ok, nil
}
