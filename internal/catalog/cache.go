package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "rebates:catalog:"

// Cache fronts a Lookup with a Redis read-through cache. Misses are not cached.
type Cache struct {
	next   Lookup
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps next. A nil client disables caching.
func NewCache(next Lookup, client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{next: next, client: client, ttl: ttl}
}

// Resolve returns the cached item or loads it from the wrapped lookup.
func (c *Cache) Resolve(ctx context.Context, itemID string) (Item, error) {
	if c == nil || c.next == nil {
		return Item{}, errors.New("catalog: cache not configured")
	}
	if c.client == nil {
		return c.next.Resolve(ctx, itemID)
	}
	key := cacheKeyPrefix + itemID
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var item Item
		if err := json.Unmarshal(payload, &item); err == nil {
			return item, nil
		}
	} else if err != redis.Nil {
		return Item{}, err
	}
	item, err := c.next.Resolve(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Invalidate drops a cached item, typically after a catalog edit.
func (c *Cache) Invalidate(ctx context.Context, itemID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKeyPrefix+itemID).Err()
}
