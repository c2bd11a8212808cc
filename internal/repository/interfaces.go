package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

// PlatformRepository exposes the registered LTI platforms.
type PlatformRepository interface {
	FindActiveByIssuerAndClient(ctx context.Context, issuer, clientID string) (domain.Platform, error)
	GetByID(ctx context.Context, id int64) (domain.Platform, error)
	List(ctx context.Context) ([]domain.Platform, error)
	Upsert(ctx context.Context, platform domain.Platform) (domain.Platform, error)
}

// NonceRepository records single-use nonces.
type NonceRepository interface {
	// Claim inserts the nonce unless a live record with the same value exists.
	// It reports whether this call claimed the value.
	Claim(ctx context.Context, value string, now, expiresAt time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionRepository persists launch sessions keyed by token digest.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (domain.Session, error)
}

// Cache is the volatile key/value store used for state tokens and key sets.
type Cache interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// Take reads and deletes the key in one atomic step.
	Take(ctx context.Context, key string) ([]byte, bool, error)
	// Remember returns the cached value or stores the loader result for ttl.
	// Loader errors are returned and never cached.
	Remember(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, error)
	Forget(ctx context.Context, key string) error
}
