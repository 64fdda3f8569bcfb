package catalog

import (
	"context"
	"errors"
	"sync"
)

// Memo remembers lookups for the lifetime of one recompute pass, including
// misses, so a pass sees a stable catalog.
type Memo struct {
	next Lookup

	mu      sync.Mutex
	items   map[string]Item
	missing map[string]struct{}
}

// NewMemo wraps next.
func NewMemo(next Lookup) *Memo {
	return &Memo{next: next, items: make(map[string]Item), missing: make(map[string]struct{})}
}

// Resolve implements Lookup.
func (m *Memo) Resolve(ctx context.Context, itemID string) (Item, error) {
	m.mu.Lock()
	if item, ok := m.items[itemID]; ok {
		m.mu.Unlock()
		return item, nil
	}
	if _, ok := m.missing[itemID]; ok {
		m.mu.Unlock()
		return Item{}, ErrNotFound
	}
	m.mu.Unlock()

	item, err := m.next.Resolve(ctx, itemID)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		m.items[itemID] = item
	case errors.Is(err, ErrNotFound):
		m.missing[itemID] = struct{}{}
	}
	return item, err
}
