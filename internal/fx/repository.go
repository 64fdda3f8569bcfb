package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and writes the fx_rates table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a rate repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Rate implements RateTable.
func (r *Repository) Rate(ctx context.Context, pair string, asOf time.Time) (Quote, bool, error) {
	if r == nil || r.pool == nil {
		return Quote{}, false, fmt.Errorf("fx repo not initialised")
	}
	const query = `
SELECT pair, rate, effective_date
FROM fx_rates
WHERE pair = $1 AND effective_date <= $2::date
ORDER BY effective_date DESC
LIMIT 1`
	var q Quote
	err := r.pool.QueryRow(ctx, query, strings.ToUpper(pair), asOf.UTC()).Scan(&q.Pair, &q.Rate, &q.EffectiveDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, false, nil
		}
		return Quote{}, false, err
	}
	return q, true, nil
}

// Upsert stores a quote for its effective date.
func (r *Repository) Upsert(ctx context.Context, q Quote) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("fx repo not initialised")
	}
	if !q.Rate.IsPositive() {
		return fmt.Errorf("fx: rate must be positive")
	}
	const query = `
INSERT INTO fx_rates (pair, effective_date, rate)
VALUES ($1, $2::date, $3)
ON CONFLICT (pair, effective_date) DO UPDATE SET rate = EXCLUDED.rate`
	_, err := r.pool.Exec(ctx, query, strings.ToUpper(q.Pair), q.EffectiveDate.UTC(), q.Rate)
	return err
}
