package domain

import "time"

// Session represents an authenticated LTI launch.
type Session struct {
	ID             int64
	PlatformID     int64
	LTIUserID      string
	ContextID      *string
	ResourceLinkID *string
	Claims         map[string]any
	// Token is the bearer value handed to the caller. Only its digest is persisted,
	// so it is empty on sessions loaded from storage.
	Token     string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at the given instant.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
