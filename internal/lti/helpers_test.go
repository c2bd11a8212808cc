package lti_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-lti/internal/adapter/cache"
	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/lti"
)

const (
	testIssuer   = "https://lms.example.edu"
	testClientID = "tool-123"
)

// fakePlatform publishes a JWKS over HTTP and signs ID tokens with its keys.
type fakePlatform struct {
	t       *testing.T
	mu      sync.Mutex
	keys    map[string]*rsa.PrivateKey
	fetches atomic.Int32
	failing atomic.Bool
	server  *httptest.Server
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{t: t, keys: map[string]*rsa.PrivateKey{}}
	p.keys["k1"] = generateKey(t)
	p.server = httptest.NewServer(http.HandlerFunc(p.serveJWKS))
	t.Cleanup(p.server.Close)
	return p
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func (p *fakePlatform) serveJWKS(w http.ResponseWriter, r *http.Request) {
	p.fetches.Add(1)
	if p.failing.Load() {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	p.mu.Lock()
	set := jose.JSONWebKeySet{}
	for kid, key := range p.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"})
	}
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// rotate replaces every published key with a fresh one under kid.
func (p *fakePlatform) rotate(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = map[string]*rsa.PrivateKey{kid: generateKey(p.t)}
}

func (p *fakePlatform) key(kid string) *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[kid]
}

func (p *fakePlatform) platform() domain.Platform {
	return domain.Platform{
		ID:           42,
		Issuer:       testIssuer,
		ClientID:     testClientID,
		DeploymentID: "dep-1",
		AuthLoginURL: testIssuer + "/auth/login",
		AuthTokenURL: testIssuer + "/auth/token",
		KeySetURL:    p.server.URL,
		Active:       true,
	}
}

func (p *fakePlatform) sign(kid string, claims map[string]any) string {
	p.t.Helper()
	key := p.key(kid)
	if key == nil {
		key = generateKey(p.t)
	}
	return signWith(p.t, key, jose.RS256, kid, claims)
}

func signWith(t *testing.T, key *rsa.PrivateKey, alg jose.SignatureAlgorithm, kid string, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid))
	require.NoError(t, err)
	token, err := gojwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return token
}

func launchClaims(now time.Time, nonce string) map[string]any {
	return map[string]any{
		"iss":                  testIssuer,
		"aud":                  testClientID,
		"sub":                  "user-1",
		"nonce":                nonce,
		"iat":                  now.Unix(),
		"exp":                  now.Add(5 * time.Minute).Unix(),
		lti.ClaimMessageType:   lti.MessageTypeResourceLink,
		lti.ClaimVersion:       lti.Version,
		lti.ClaimDeploymentID:  "dep-1",
		lti.ClaimContext:       map[string]any{"id": "ctx-1", "title": "Biology 101"},
		lti.ClaimResourceLink:  map[string]any{"id": "rl-1"},
		lti.ClaimTargetLinkURI: "https://tool.example.com/launch",
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *cache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, cache.NewRedisCache(client)
}

func fixedClock(now time.Time) lti.Clock {
	return func() time.Time { return now }
}

// memNonceRepo claims under a mutex so concurrent claims are serialised like a unique index.
type memNonceRepo struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func newMemNonceRepo() *memNonceRepo {
	return &memNonceRepo{expires: map[string]time.Time{}}
}

func (m *memNonceRepo) Claim(ctx context.Context, value string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[value]; ok && !exp.Before(now) {
		return false, nil
	}
	m.expires[value] = expiresAt
	return true, nil
}

func (m *memNonceRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for value, exp := range m.expires {
		if exp.Before(now) {
			delete(m.expires, value)
			deleted++
		}
	}
	return deleted, nil
}

type memSessionRepo struct {
	mu     sync.Mutex
	byHash map[string]domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{byHash: map[string]domain.Session{}}
}

func (m *memSessionRepo) Create(ctx context.Context, s domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[s.TokenHash] = s
	return s, nil
}

func (m *memSessionRepo) GetByTokenHash(ctx context.Context, hash string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byHash[hash]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s, nil
}

type memPlatforms struct {
	platforms []domain.Platform
}

func (m *memPlatforms) FindByIssuerAndClient(ctx context.Context, issuer, clientID string) (domain.Platform, error) {
	for _, p := range m.platforms {
		if p.Issuer == issuer && p.ClientID == clientID && p.Active {
			return p, nil
		}
	}
	return domain.Platform{}, domain.ErrPlatformNotFound
}

func (m *memPlatforms) Get(ctx context.Context, id int64) (domain.Platform, error) {
	for _, p := range m.platforms {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Platform{}, domain.ErrPlatformNotFound
}
