package lti

import (
	"errors"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

// RejectReason is the internal diagnostic for a failed launch. It is logged and
// counted but never returned to the platform or the browser.
type RejectReason string

const (
	ReasonUntrustedPlatform  RejectReason = "untrusted_platform"
	ReasonInvalidState       RejectReason = "invalid_state"
	ReasonJWKSUnavailable    RejectReason = "jwks_unavailable"
	ReasonUnknownKey         RejectReason = "unknown_key"
	ReasonBadSignature       RejectReason = "bad_signature"
	ReasonBadIssuer          RejectReason = "bad_issuer"
	ReasonBadAudience        RejectReason = "bad_audience"
	ReasonExpired            RejectReason = "expired"
	ReasonMissingNonce       RejectReason = "missing_nonce"
	ReasonNonceReplay        RejectReason = "nonce_replay"
	ReasonUnsupportedMessage RejectReason = "unsupported_message"
	ReasonDeploymentMismatch RejectReason = "deployment_mismatch"
	ReasonStoreUnavailable   RejectReason = "store_unavailable"
)

// RejectionError carries the reason and cause of a rejected launch.
// errors.Is(err, domain.ErrLaunchRejected) holds for every RejectionError.
type RejectionError struct {
	Reason RejectReason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return "launch rejected: " + string(e.Reason)
	}
	return "launch rejected: " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *RejectionError) Unwrap() error { return e.Err }

func (e *RejectionError) Is(target error) bool {
	return target == domain.ErrLaunchRejected
}

func reject(reason RejectReason, err error) error {
	return &RejectionError{Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (RejectReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
