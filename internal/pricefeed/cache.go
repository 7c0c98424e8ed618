package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ratemytip/internal/domain"
)

// DefaultCacheTTL bounds how long a cached last price is served.
const DefaultCacheTTL = 2 * time.Minute

// RedisCache stores the last price per instrument in Redis.
// Keys: {prefix}:price:{instrument_id}, values: JSON PriceTick.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache on an existing client.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "rmt"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(instrumentID string) string {
	return c.prefix + ":price:" + instrumentID
}

// Put caches tick unless a newer tick is already stored.
func (c *RedisCache) Put(ctx context.Context, tick domain.PriceTick) error {
	if tick.InstrumentID == "" || tick.Price <= 0 {
		return fmt.Errorf("invalid tick for %q", tick.InstrumentID)
	}

	if prev, err := c.get(ctx, tick.InstrumentID); err == nil && prev.Timestamp.After(tick.Timestamp) {
		return nil
	}

	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tick.InstrumentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// LastPrice implements Feed. A miss is ErrPriceUnavailable.
func (c *RedisCache) LastPrice(ctx context.Context, instrumentID string) (float64, error) {
	tick, err := c.get(ctx, instrumentID)
	if err != nil {
		return 0, err
	}
	return tick.Price, nil
}

func (c *RedisCache) get(ctx context.Context, instrumentID string) (*domain.PriceTick, error) {
	data, err := c.client.Get(ctx, c.key(instrumentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: cache miss: %w", instrumentID, ErrPriceUnavailable)
		}
		return nil, fmt.Errorf("%s: redis get: %v: %w", instrumentID, err, ErrPriceUnavailable)
	}

	var tick domain.PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("%s: decode cached tick: %v: %w", instrumentID, err, ErrPriceUnavailable)
	}
	return &tick, nil
}

// Wrap returns a read-through feed: cache first, then next, caching its answers.
func (c *RedisCache) Wrap(next Feed) Feed {
	return FeedFunc(func(ctx context.Context, instrumentID string) (float64, error) {
		if p, err := c.LastPrice(ctx, instrumentID); err == nil {
			return p, nil
		}
		p, err := next.LastPrice(ctx, instrumentID)
		if err != nil {
			return 0, err
		}
		// A failed cache write does not fail the lookup.
		_ = c.Put(ctx, domain.PriceTick{InstrumentID: instrumentID, Price: p, Timestamp: time.Now().UTC()})
		return p, nil
	})
}
