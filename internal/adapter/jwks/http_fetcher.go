package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Fetcher downloads a platform's published key set.
type Fetcher interface {
	Fetch(ctx context.Context, keySetURL string) ([]byte, error)
}

// HTTPFetcher is the default HTTP implementation.
type HTTPFetcher struct {
	httpClient *http.Client
}

// NewHTTPFetcher constructs a fetcher. A nil client gets a 10 second timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{httpClient: client}
}

// Fetch GETs the key set URL and returns the raw document once it parses as a JWKS
// with at least one key.
func (f *HTTPFetcher) Fetch(ctx context.Context, keySetURL string) ([]byte, error) {
	if strings.TrimSpace(keySetURL) == "" {
		return nil, fmt.Errorf("key set url missing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keySetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jwks fetch failed: status=%d", resp.StatusCode)
	}

	if _, err := Decode(body); err != nil {
		return nil, err
	}
	return body, nil
}

// Decode parses a JWKS document, rejecting sets without keys.
func Decode(raw []byte) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("decode jwks: no keys")
	}
	return &set, nil
}
