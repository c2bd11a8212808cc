package lti

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/repository"
)

const maxNonceLength = 255

// NonceStore enforces that an ID token nonce is accepted once within its window.
type NonceStore struct {
	repo repository.NonceRepository
	ttl  time.Duration
	opts options
}

// NewNonceStore constructs a NonceStore. A non-positive ttl defaults to 10 minutes.
func NewNonceStore(repo repository.NonceRepository, ttl time.Duration, opts ...Option) *NonceStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &NonceStore{repo: repo, ttl: ttl, opts: buildOptions(opts)}
}

// IsValidAndClaim records the nonce and reports true only for its first use.
// The check and the insert are a single store operation.
func (s *NonceStore) IsValidAndClaim(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" || len(nonce) > maxNonceLength {
		return false, nil
	}
	now := s.opts.clock().UTC()
	return s.repo.Claim(ctx, nonce, now, now.Add(s.ttl))
}

// Cleanup deletes nonces whose expiry is strictly before now.
func (s *NonceStore) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteExpired(ctx, s.opts.clock().UTC())
	if err != nil {
		return 0, err
	}
	s.opts.metrics.NoncesPurged(deleted)
	s.opts.log().Debug("expired nonces purged", zap.Int64("deleted", deleted))
	return deleted, nil
}
