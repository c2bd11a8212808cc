package lti

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/valora-lti/internal/adapter/jwks"
	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/repository"
)

const jwksKeyPrefix = "lti:jwks:"

// JWKSCache time-caches each platform's published key set.
type JWKSCache struct {
	cache   repository.Cache
	fetcher jwks.Fetcher
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	opts    options
}

// NewJWKSCache constructs a JWKSCache. Non-positive durations fall back to a
// 60 minute cache lifetime and a 10 second fetch timeout.
func NewJWKSCache(cache repository.Cache, fetcher jwks.Fetcher, ttl, timeout time.Duration, opts ...Option) *JWKSCache {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JWKSCache{cache: cache, fetcher: fetcher, ttl: ttl, timeout: timeout, opts: buildOptions(opts)}
}

// Get returns the platform key set, fetching it when the cached copy is missing
// or older than the cache lifetime. Concurrent misses share one fetch. Fetch
// failures are returned and nothing is cached.
func (c *JWKSCache) Get(ctx context.Context, platform domain.Platform) (*jose.JSONWebKeySet, error) {
	key := jwksCacheKey(platform.ID)

	v, err, _ := c.group.Do(key, func() (any, error) {
		fetched := false
		raw, err := c.cache.Remember(context.WithoutCancel(ctx), key, c.ttl, func(ctx context.Context) ([]byte, error) {
			fetched = true
			fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.fetcher.Fetch(fetchCtx, platform.KeySetURL)
		})
		if err != nil {
			return nil, err
		}
		if fetched {
			c.opts.metrics.JWKSCacheMiss()
			c.opts.log().Info("platform key set fetched", zap.Int64("platform_id", platform.ID), zap.String("url", platform.KeySetURL))
		} else {
			c.opts.metrics.JWKSCacheHit()
		}
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("platform key set: %w", err)
	}

	set, err := jwks.Decode(v.([]byte))
	if err != nil {
		// A corrupt cache entry must not outlive this request.
		_ = c.cache.Forget(ctx, key)
		return nil, err
	}
	return set, nil
}

// Invalidate drops the cached key set so the next Get refetches it.
func (c *JWKSCache) Invalidate(ctx context.Context, platform domain.Platform) error {
	if err := c.cache.Forget(ctx, jwksCacheKey(platform.ID)); err != nil {
		return fmt.Errorf("invalidate key set: %w", err)
	}
	c.group.Forget(jwksCacheKey(platform.ID))
	return nil
}

func jwksCacheKey(platformID int64) string {
	return jwksKeyPrefix + strconv.FormatInt(platformID, 10)
}
