package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-lti/internal/repository"
)

const nonceKeyPrefix = "lti:nonce:"

// RedisNonceRepo implements repository.NonceRepository with SET NX.
// Records expire through the key TTL, so there is nothing left to sweep.
type RedisNonceRepo struct {
	client redis.UniversalClient
}

var _ repository.NonceRepository = (*RedisNonceRepo)(nil)

// NewRedisNonceRepo constructs a Redis-backed nonce repository.
func NewRedisNonceRepo(client redis.UniversalClient) *RedisNonceRepo {
	return &RedisNonceRepo{client: client}
}

// Claim sets the nonce key only if it does not exist yet.
func (r *RedisNonceRepo) Claim(ctx context.Context, value string, now, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	ok, err := r.client.SetNX(ctx, nonceKeyPrefix+value, expiresAt.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}

// DeleteExpired is a no-op; Redis evicts expired nonces on its own.
func (r *RedisNonceRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
