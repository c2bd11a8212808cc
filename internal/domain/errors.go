package domain

import "errors"

var (
	// ErrPlatformNotFound signals no active platform matches the issuer/client pair.
	ErrPlatformNotFound = errors.New("lti: platform not found")
	// ErrSessionNotFound signals a missing or expired session record.
	ErrSessionNotFound = errors.New("lti: session not found")
	// ErrLaunchRejected is the single error surfaced for every failed launch.
	ErrLaunchRejected = errors.New("lti: launch rejected")
	// ErrNotAuthenticated indicates the caller must launch again.
	ErrNotAuthenticated = errors.New("lti: not authenticated")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("lti: invalid request")
	// ErrNotDeepLinking indicates the session was not launched for deep linking.
	ErrNotDeepLinking = errors.New("lti: session is not a deep linking launch")
)
