package fx

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type fakeTable struct {
	quotes map[string][]Quote
	err    error
	calls  int
}

func (f *fakeTable) add(pair string, day time.Time, rate string) *fakeTable {
	if f.quotes == nil {
		f.quotes = make(map[string][]Quote)
	}
	f.quotes[pair] = append(f.quotes[pair], Quote{Pair: pair, Rate: decimal.RequireFromString(rate), EffectiveDate: day})
	return f
}

func (f *fakeTable) Rate(ctx context.Context, pair string, asOf time.Time) (Quote, bool, error) {
	f.calls++
	if f.err != nil {
		return Quote{}, false, f.err
	}
	var best Quote
	found := false
	for _, q := range f.quotes[pair] {
		if q.EffectiveDate.After(asOf) {
			continue
		}
		if !found || q.EffectiveDate.After(best.EffectiveDate) {
			best, found = q, true
		}
	}
	return best, found, nil
}

var errTableDown = errors.New("table down")

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
