package sales

import (
	"context"
	"iter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPageSize = 500

// Repository reads the synchronised sales feed from PostgreSQL.
type Repository struct {
	pool     *pgxpool.Pool
	pageSize int
}

// NewRepository constructs a feed reader. Non-positive page sizes use the default.
func NewRepository(pool *pgxpool.Pool, pageSize int) *Repository {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Repository{pool: pool, pageSize: pageSize}
}

const listSalesQuery = `
SELECT transaction_id, item_id, channel, quantity, unit_amount, currency, sold_at
FROM sale_lines
WHERE channel = $1
  AND sold_at >= $2
  AND ($3::timestamptz IS NULL OR sold_at <= $3)
  AND (sold_at, transaction_id) > ($4, $5)
ORDER BY sold_at, transaction_id
LIMIT $6`

// ListSales pages through sale_lines with keyset pagination so a consumer
// can stop early and restart after any key.
func (r *Repository) ListSales(ctx context.Context, q Query) iter.Seq2[Sale, error] {
	return func(yield func(Sale, error) bool) {
		var to *time.Time
		if !q.To.IsZero() {
			to = &q.To
		}
		cursor := q.After
		for {
			page, err := r.page(ctx, q, to, cursor)
			if err != nil {
				yield(Sale{}, err)
				return
			}
			for _, sale := range page {
				if !yield(sale, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			cursor = page[len(page)-1].Key()
		}
	}
}

func (r *Repository) page(ctx context.Context, q Query, to *time.Time, cursor Key) ([]Sale, error) {
	rows, err := r.pool.Query(ctx, listSalesQuery, string(q.Channel), q.From, to, cursor.Timestamp, cursor.TransactionID, r.pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Sale, 0, r.pageSize)
	for rows.Next() {
		var (
			s       Sale
			channel string
		)
		if err := rows.Scan(&s.TransactionID, &s.ItemID, &channel, &s.Quantity, &s.UnitAmount, &s.Currency, &s.Timestamp); err != nil {
			return nil, err
		}
		s.Channel = Channel(channel)
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
