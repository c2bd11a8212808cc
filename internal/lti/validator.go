package lti

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

var launchAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.RS384, jose.RS512}

// KeySetProvider resolves a platform's current signing keys.
type KeySetProvider interface {
	Get(ctx context.Context, platform domain.Platform) (*jose.JSONWebKeySet, error)
}

// NonceClaimer records single-use nonces.
type NonceClaimer interface {
	IsValidAndClaim(ctx context.Context, nonce string) (bool, error)
}

// TokenValidator verifies launch ID tokens.
type TokenValidator struct {
	keys   KeySetProvider
	nonces NonceClaimer
	leeway time.Duration
	opts   options
}

// NewTokenValidator constructs a validator. leeway applies to exp, iat and nbf.
func NewTokenValidator(keys KeySetProvider, nonces NonceClaimer, leeway time.Duration, opts ...Option) *TokenValidator {
	if leeway < 0 {
		leeway = 0
	}
	return &TokenValidator{keys: keys, nonces: nonces, leeway: leeway, opts: buildOptions(opts)}
}

// Validate checks the token against the platform and returns its claims. Every
// failure is a *RejectionError. The nonce is claimed only once the signature,
// issuer, audience and lifetime checks have passed.
func (v *TokenValidator) Validate(ctx context.Context, idToken string, platform domain.Platform) (Claims, error) {
	tok, err := jwt.ParseSigned(idToken, launchAlgorithms)
	if err != nil {
		return nil, reject(ReasonBadSignature, fmt.Errorf("parse id token: %w", err))
	}
	if len(tok.Headers) != 1 {
		return nil, reject(ReasonBadSignature, errors.New("id token must carry one signature"))
	}
	header := tok.Headers[0]

	keyset, err := v.keys.Get(ctx, platform)
	if err != nil {
		return nil, reject(ReasonJWKSUnavailable, err)
	}

	key, err := selectKey(keyset, header)
	if err != nil {
		return nil, err
	}

	var std jwt.Claims
	claims := Claims{}
	if err := tok.Claims(key.Key, &std, &claims); err != nil {
		return nil, reject(ReasonBadSignature, fmt.Errorf("verify id token: %w", err))
	}

	if claims.Issuer() != platform.Issuer {
		return nil, reject(ReasonBadIssuer, fmt.Errorf("issuer %q", claims.Issuer()))
	}

	if !claims.HasAudience(platform.ClientID) {
		return nil, reject(ReasonBadAudience, fmt.Errorf("audience %v", claims.Audience()))
	}
	// A token for several audiences must name this tool as its authorized party.
	azp, hasAzp := claims.String("azp")
	if (len(claims.Audience()) > 1 && !hasAzp) || (hasAzp && azp != platform.ClientID) {
		return nil, reject(ReasonBadAudience, fmt.Errorf("authorized party %q", azp))
	}

	if std.Expiry == nil || std.IssuedAt == nil {
		return nil, reject(ReasonExpired, errors.New("exp and iat are required"))
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: v.opts.clock()}, v.leeway); err != nil {
		return nil, reject(ReasonExpired, err)
	}

	nonce, ok := claims.Nonce()
	if !ok {
		return nil, reject(ReasonMissingNonce, nil)
	}
	fresh, err := v.nonces.IsValidAndClaim(ctx, nonce)
	if err != nil {
		return nil, reject(ReasonStoreUnavailable, err)
	}
	if !fresh {
		return nil, reject(ReasonNonceReplay, nil)
	}

	if !supportedLaunchMessage(claims.MessageType()) {
		return nil, reject(ReasonUnsupportedMessage, fmt.Errorf("message type %q", claims.MessageType()))
	}

	if platform.DeploymentID != "" {
		if deployment, ok := claims.DeploymentID(); ok && deployment != platform.DeploymentID {
			return nil, reject(ReasonDeploymentMismatch, fmt.Errorf("deployment %q", deployment))
		}
	}

	return claims, nil
}

// selectKey picks the signature key named by the token header. A key that
// declares an algorithm only verifies tokens signed with that algorithm.
func selectKey(keyset *jose.JSONWebKeySet, header jose.Header) (jose.JSONWebKey, error) {
	if header.KeyID == "" {
		return jose.JSONWebKey{}, reject(ReasonUnknownKey, errors.New("id token has no kid"))
	}
	for _, candidate := range keyset.Key(header.KeyID) {
		if candidate.Use != "" && candidate.Use != "sig" {
			continue
		}
		if candidate.Algorithm != "" && candidate.Algorithm != header.Algorithm {
			return jose.JSONWebKey{}, reject(ReasonBadSignature, fmt.Errorf("alg %s does not match key alg %s", header.Algorithm, candidate.Algorithm))
		}
		public := candidate.Public()
		if public.Key == nil {
			continue
		}
		return public, nil
	}
	return jose.JSONWebKey{}, reject(ReasonUnknownKey, fmt.Errorf("kid %q not in platform key set", header.KeyID))
}
