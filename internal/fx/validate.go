package fx

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// GapReason explains why a day is not covered.
type GapReason string

const (
	// GapMissing means no quote exists on or before the day.
	GapMissing GapReason = "MISSING"
	// GapStale means the latest quote is older than the allowed age.
	GapStale GapReason = "STALE"
)

// Gap is an uncovered currency/day combination.
type Gap struct {
	Currency  string     `json:"currency"`
	Date      time.Time  `json:"date"`
	Reason    GapReason  `json:"reason"`
	LastQuote *time.Time `json:"last_quote,omitempty"`
}

// Result summarises the validation outcome.
type Result struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Checked int       `json:"checked"`
	Gaps    []Gap     `json:"gaps"`
}

// Validate checks that every currency has a usable rate against the
// reference currency on each day of [from, to]. A zero maxAge disables the
// staleness check.
func Validate(ctx context.Context, table RateTable, policy Policy, currencies []string, from, to time.Time, maxAge time.Duration) (Result, error) {
	var res Result
	if table == nil {
		return res, fmt.Errorf("fx: rate table required")
	}
	if from.IsZero() || to.IsZero() {
		return res, fmt.Errorf("fx: date range is required")
	}
	from = truncateDay(from)
	to = truncateDay(to)
	if from.After(to) {
		return res, fmt.Errorf("fx: from must not be after to")
	}
	res.From, res.To = from, to
	res.Gaps = make([]Gap, 0)

	codes := make([]string, 0, len(currencies))
	seen := make(map[string]struct{}, len(currencies))
	for _, raw := range currencies {
		code, err := NormalizeCode(raw)
		if err != nil {
			return Result{}, err
		}
		if code == policy.ReferenceCurrency {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			q, ok, err := lookupEither(ctx, table, policy.ReferenceCurrency, code, day)
			if err != nil {
				return Result{}, err
			}
			res.Checked++
			if !ok {
				res.Gaps = append(res.Gaps, Gap{Currency: code, Date: day, Reason: GapMissing})
				continue
			}
			if maxAge > 0 && day.Sub(truncateDay(q.EffectiveDate)) > maxAge {
				last := truncateDay(q.EffectiveDate)
				res.Gaps = append(res.Gaps, Gap{Currency: code, Date: day, Reason: GapStale, LastQuote: &last})
			}
		}
	}
	return res, nil
}

func lookupEither(ctx context.Context, table RateTable, ref, code string, day time.Time) (Quote, bool, error) {
	q, ok, err := table.Rate(ctx, Pair(ref, code), day)
	if err != nil || (ok && q.Rate.IsPositive()) {
		return q, ok, err
	}
	q, ok, err = table.Rate(ctx, Pair(code, ref), day)
	if err != nil {
		return Quote{}, false, err
	}
	return q, ok && q.Rate.IsPositive(), nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
