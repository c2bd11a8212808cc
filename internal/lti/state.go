package lti

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/valora-lti/internal/repository"
)

const (
	stateKeyPrefix = "lti:state:"
	stateBytes     = 32
)

// LoginState is what a state token is bound to between login initiation and launch.
type LoginState struct {
	Issuer        string    `json:"iss"`
	ClientID      string    `json:"client_id"`
	DeploymentID  string    `json:"deployment_id,omitempty"`
	TargetLinkURI string    `json:"target_link_uri,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// StateStore issues single-use CSRF state tokens.
type StateStore struct {
	cache repository.Cache
	ttl   time.Duration
	opts  options
}

// NewStateStore constructs a StateStore. A non-positive ttl defaults to 10 minutes.
func NewStateStore(cache repository.Cache, ttl time.Duration, opts ...Option) *StateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{cache: cache, ttl: ttl, opts: buildOptions(opts)}
}

// Issue stores a fresh random token bound to the login and returns it.
func (s *StateStore) Issue(ctx context.Context, login LoginState) (string, error) {
	token, err := secureRandomString(stateBytes)
	if err != nil {
		return "", err
	}
	if login.IssuedAt.IsZero() {
		login.IssuedAt = s.opts.clock().UTC()
	}
	payload, err := json.Marshal(login)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	if err := s.cache.Put(ctx, stateKeyPrefix+token, payload, s.ttl); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	return token, nil
}

// Consume reports whether the token was live, deleting it in the same step.
func (s *StateStore) Consume(ctx context.Context, token string) (bool, error) {
	login, err := s.Take(ctx, token)
	if err != nil {
		return false, err
	}
	return login != nil, nil
}

// Take atomically removes the token and returns its binding, or nil when the
// token is unknown, expired or already used.
func (s *StateStore) Take(ctx context.Context, token string) (*LoginState, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	payload, ok, err := s.cache.Take(ctx, stateKeyPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var login LoginState
	if err := json.Unmarshal(payload, &login); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &login, nil
}

func secureRandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
