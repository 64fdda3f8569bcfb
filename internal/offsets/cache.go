package offsets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rebates/internal/shared"
)

// SummaryCache keeps recently read summaries in Redis. A nil cache or nil
// client passes every read through.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache builds the cache helper.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

// Fetch returns the cached summary of target or loads and stores it.
func (c *SummaryCache) Fetch(ctx context.Context, target Target, loader func(context.Context) (Summary, error)) (Summary, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := shared.SummaryCacheKey(target.String())
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var s Summary
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return Summary{}, fmt.Errorf("offsets: summary cache get: %w", err)
	}
	s, err := loader(ctx)
	if err != nil {
		return Summary{}, err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return Summary{}, err
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return Summary{}, fmt.Errorf("offsets: summary cache set: %w", err)
	}
	return s, nil
}

// Invalidate drops the cached summaries of targets.
func (c *SummaryCache) Invalidate(ctx context.Context, targets ...Target) error {
	if c == nil || c.client == nil || len(targets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, shared.SummaryCacheKey(t.String()))
	}
	return c.client.Del(ctx, keys...).Err()
}
