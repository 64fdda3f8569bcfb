package catalog

import (
	"context"
	"errors"
)

// Item carries the attributes eligibility rules match against.
type Item struct {
	ItemID        string `json:"item_id"`
	Brand         string `json:"brand"`
	Category      string `json:"category"`
	SubCategoryID string `json:"sub_category_id"`
}

// Lookup resolves an item identifier to its catalog attributes.
type Lookup interface {
	Resolve(ctx context.Context, itemID string) (Item, error)
}

// ErrNotFound indicates the item has no catalog entry.
var ErrNotFound = errors.New("catalog: item not found")
