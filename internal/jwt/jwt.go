package jwt

import (
	"errors"
	"fmt"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// Generator signs JWTs with the tool key pair.
type Generator struct {
	keys   *KeyPair
	signer gojose.Signer
}

// NewGenerator constructs an RS256 generator that tags tokens with the key id.
func NewGenerator(keys *KeyPair) (*Generator, error) {
	if keys == nil || keys.Private == nil {
		return nil, errors.New("signing key is required")
	}
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.RS256, Key: keys.Private},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", keys.KeyID),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return &Generator{keys: keys, signer: signer}, nil
}

// Sign merges the claim sets into one payload and serializes the signed token.
func (g *Generator) Sign(claims ...any) (string, error) {
	builder := gojwt.Signed(g.signer)
	for _, c := range claims {
		builder = builder.Claims(c)
	}
	token, err := builder.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// KeyPair returns the key pair used for signing.
func (g *Generator) KeyPair() *KeyPair {
	return g.keys
}
