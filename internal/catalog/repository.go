package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository resolves items from the catalog_items table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a catalog repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Resolve loads the catalog attributes of an item.
func (r *Repository) Resolve(ctx context.Context, itemID string) (Item, error) {
	if r == nil || r.pool == nil {
		return Item{}, fmt.Errorf("catalog repo not initialised")
	}
	const query = `SELECT item_id, COALESCE(brand, ''), COALESCE(category, ''), COALESCE(sub_category_id, '') FROM catalog_items WHERE item_id = $1`
	var item Item
	if err := r.pool.QueryRow(ctx, query, itemID).Scan(&item.ItemID, &item.Brand, &item.Category, &item.SubCategoryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	return item, nil
}
