package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store maps content fingerprints to previously computed results with expiry.
// Implementations must treat expired entries identically to misses.
type Store interface {
	Lookup(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Store(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error
	SweepExpired(ctx context.Context) (int, error)
}

// RedisCache is a Store backed by Redis. Entries live under value keys with a
// native TTL; an expiry-scored index set drives SweepExpired so stale index
// members do not accumulate.
type RedisCache struct {
	client     *redis.Client
	keyPrefix  string
	indexKey   string
	defaultTTL time.Duration
}

// NewRedisCache builds a cache client over an existing Redis connection.
func NewRedisCache(client *redis.Client, defaultTTL time.Duration) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &RedisCache{
		client:     client,
		keyPrefix:  "cache:result:",
		indexKey:   "cache:expiry_index",
		defaultTTL: defaultTTL,
	}
}

func (c *RedisCache) resultKey(fingerprint string) string {
	return c.keyPrefix + fingerprint
}

// Lookup returns the cached result for a fingerprint, or a miss. Redis key
// expiry guarantees an expired entry is never returned.
func (c *RedisCache) Lookup(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.resultKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup %s: %w", fingerprint, err)
	}
	return val, true, nil
}

// Store writes an entry and indexes its expiry. Last writer wins on duplicate
// fingerprints; results for identical input are expected to be equivalent.
func (c *RedisCache) Store(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.resultKey(fingerprint), result, ttl)
	pipe.ZAdd(ctx, c.indexKey, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: fingerprint})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache store %s: %w", fingerprint, err)
	}
	return nil
}

// SweepExpired purges index members past their expiry and any value keys Redis
// has not already dropped. Returns how many entries were swept.
func (c *RedisCache) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := c.client.ZRangeByScore(ctx, c.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("cache sweep scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := c.client.TxPipeline()
	for _, fp := range ids {
		pipe.Del(ctx, c.resultKey(fp))
		pipe.ZRem(ctx, c.indexKey, fp)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache sweep delete: %w", err)
	}
	return len(ids), nil
}
