package lti

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/jwt"
)

// ContentItem is a deep linking content item descriptor, passed through as given.
type ContentItem map[string]any

// ResponseSigner builds the tool's signed Deep Linking responses.
type ResponseSigner struct {
	generator  *jwt.Generator
	toolIssuer string
	ttl        time.Duration
	opts       options
}

// NewResponseSigner constructs a ResponseSigner. A non-positive ttl defaults to 5 minutes.
func NewResponseSigner(generator *jwt.Generator, toolIssuer string, ttl time.Duration, opts ...Option) *ResponseSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseSigner{generator: generator, toolIssuer: toolIssuer, ttl: ttl, opts: buildOptions(opts)}
}

// BuildDeepLinkingResponse signs a LtiDeepLinkingResponse addressed to the platform.
// Items are not inspected.
func (s *ResponseSigner) BuildDeepLinkingResponse(ctx context.Context, platform domain.Platform, request Claims, items []ContentItem) (string, error) {
	deploymentID, ok := request.DeploymentID()
	if !ok {
		return "", fmt.Errorf("%w: request has no deployment id", domain.ErrInvalidRequest)
	}
	nonce, err := secureRandomString(16)
	if err != nil {
		return "", err
	}
	if items == nil {
		items = []ContentItem{}
	}

	now := s.opts.clock().UTC()
	std := gojwt.Claims{
		Issuer:   s.toolIssuer,
		Audience: gojwt.Audience{platform.Issuer},
		Expiry:   gojwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt: gojwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	custom := map[string]any{
		"nonce":              nonce,
		ClaimMessageType:     MessageTypeDeepLinkingResponse,
		ClaimVersion:         Version,
		ClaimDeploymentID:    deploymentID,
		ClaimContentItems:    items,
		ClaimDeepLinkingData: request.DeepLinkData(),
	}

	token, err := s.generator.Sign(std, custom)
	if err != nil {
		return "", fmt.Errorf("sign deep linking response: %w", err)
	}
	return token, nil
}

// PublicJWK returns the tool verification key as a JWKS entry.
func (s *ResponseSigner) PublicJWK() jose.JSONWebKey {
	return s.generator.KeyPair().JSONWebKey()
}

// PublicJWKS returns the tool key set.
func (s *ResponseSigner) PublicJWKS() jose.JSONWebKeySet {
	return s.generator.KeyPair().JWKS()
}
