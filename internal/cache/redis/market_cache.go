package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// DefaultMarketTTL bounds how stale a cached market may be.
const DefaultMarketTTL = 10 * time.Minute

// MarketCache implements domain.MarketCache. Each market is stored as JSON
// under market:{id}.
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl uses
// DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{rdb: c.rdb, ttl: ttl}
}

func marketKey(id string) string { return "market:" + id }

// Set stores market with the cache TTL.
func (mc *MarketCache) Set(ctx context.Context, market domain.MarketEvent) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	if err := mc.rdb.Set(ctx, marketKey(market.ID), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns a cached market or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.MarketEvent, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketEvent{}, domain.ErrNotFound
		}
		return domain.MarketEvent{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.MarketEvent
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.MarketEvent{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
