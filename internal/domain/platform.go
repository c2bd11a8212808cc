package domain

import "time"

// Platform is a registered LTI 1.3 platform trusted to launch into the tool.
type Platform struct {
	ID           int64
	Issuer       string
	ClientID     string
	DeploymentID string
	AuthLoginURL string
	AuthTokenURL string
	KeySetURL    string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Nonce records a single-use nonce value until it expires.
type Nonce struct {
	Value     string
	ExpiresAt time.Time
	CreatedAt time.Time
}
