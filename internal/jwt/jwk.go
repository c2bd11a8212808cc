package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// KeyPair is the tool's own RSA signing key and its published public half.
type KeyPair struct {
	KeyID   string
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// LoadKeyPair reads the private and public PEM files and checks they belong together.
func LoadKeyPair(keyID, privatePath, publicPath string) (*KeyPair, error) {
	privatePEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	publicPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewKeyPair(keyID, privatePEM, publicPEM)
}

// NewKeyPair builds a KeyPair from PEM encoded keys.
func NewKeyPair(keyID string, privatePEM, publicPEM []byte) (*KeyPair, error) {
	if strings.TrimSpace(keyID) == "" {
		return nil, errors.New("key id is required")
	}
	priv, err := ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, errors.New("public key does not match private key")
	}
	return &KeyPair{KeyID: keyID, Private: priv, Public: pub}, nil
}

// ParsePrivateKeyPEM accepts PKCS1 or PKCS8 RSA private keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("decode private key: no PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX or PKCS1 RSA public keys.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("decode public key: no PEM block")
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", parsed)
		}
		return key, nil
	}

	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// JSONWebKey converts the public key to its JWKS entry. kty, n and e are
// emitted by go-jose as unpadded base64url.
func (k *KeyPair) JSONWebKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Public,
		KeyID:     k.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// JWKS returns the public JSON Web Key Set containing the single tool key.
func (k *KeyPair) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.JSONWebKey()}}
}
