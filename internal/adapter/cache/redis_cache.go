package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-lti/internal/repository"
)

// RedisCache implements repository.Cache backed by Redis.
type RedisCache struct {
	client redis.UniversalClient
}

var _ repository.Cache = (*RedisCache)(nil)

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Put stores the value with TTL.
func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Exists reports whether the key is present.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists: %w", err)
	}
	return n > 0, nil
}

// Take loads and removes the key with GETDEL.
func (c *RedisCache) Take(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache take: %w", err)
	}
	return value, true, nil
}

// Remember returns the cached value or loads and stores it for ttl.
func (c *RedisCache) Remember(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	value, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	return value, nil
}

// Forget removes the key.
func (c *RedisCache) Forget(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache forget: %w", err)
	}
	return nil
}
