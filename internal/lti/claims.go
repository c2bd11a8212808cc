package lti

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Claim URLs defined by LTI 1.3 core and Deep Linking 2.0.
const (
	ClaimMessageType         = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion             = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID        = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI       = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink        = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext             = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles               = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimContentItems        = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDeepLinkingData     = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

// Message types this tool accepts or emits.
const (
	MessageTypeResourceLink        = "LtiResourceLinkRequest"
	MessageTypeDeepLinkingRequest  = "LtiDeepLinkingRequest"
	MessageTypeDeepLinkingResponse = "LtiDeepLinkingResponse"

	Version = "1.3.0"
)

// Claims is the decoded ID token payload keyed by claim name.
type Claims map[string]any

// String returns a top-level string claim.
func (c Claims) String(name string) (string, bool) {
	v, ok := c[name].(string)
	return v, ok && v != ""
}

// Issuer returns the iss claim.
func (c Claims) Issuer() string {
	v, _ := c.String("iss")
	return v
}

// Subject returns the sub claim.
func (c Claims) Subject() (string, bool) {
	return c.String("sub")
}

// Nonce returns the nonce claim.
func (c Claims) Nonce() (string, bool) {
	return c.String("nonce")
}

// Audience returns aud normalised to a slice; it accepts both the string and array forms.
func (c Claims) Audience() []string {
	switch v := c["aud"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasAudience reports whether clientID is one of the token audiences.
func (c Claims) HasAudience(clientID string) bool {
	if aud, ok := c["aud"].(string); ok && aud == clientID {
		return true
	}
	for _, aud := range c.Audience() {
		if aud == clientID {
			return true
		}
	}
	return false
}

// MessageType returns the LTI message type claim.
func (c Claims) MessageType() string {
	v, _ := c.String(ClaimMessageType)
	return v
}

// DeploymentID returns the LTI deployment id claim.
func (c Claims) DeploymentID() (string, bool) {
	return c.String(ClaimDeploymentID)
}

// TargetLinkURI returns the target link claim.
func (c Claims) TargetLinkURI() (string, bool) {
	return c.String(ClaimTargetLinkURI)
}

// ContextID returns context.id, nil when the claim is absent.
func (c Claims) ContextID() *string {
	return c.nestedString(ClaimContext, "id")
}

// ResourceLinkID returns resource_link.id, nil when the claim is absent.
func (c Claims) ResourceLinkID() *string {
	return c.nestedString(ClaimResourceLink, "id")
}

// Roles returns the LTI roles claim.
func (c Claims) Roles() []string {
	raw, ok := c[ClaimRoles].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok && strings.TrimSpace(s) != "" {
			roles = append(roles, s)
		}
	}
	return roles
}

// DeepLinkReturnURL returns deep_linking_settings.deep_link_return_url.
func (c Claims) DeepLinkReturnURL() (string, bool) {
	v := c.nestedString(ClaimDeepLinkingSettings, "deep_link_return_url")
	if v == nil {
		return "", false
	}
	return *v, true
}

// DeepLinkData returns deep_linking_settings.data, or nil when the platform sent none.
func (c Claims) DeepLinkData() any {
	settings, ok := c[ClaimDeepLinkingSettings].(map[string]any)
	if !ok {
		return nil
	}
	return settings["data"]
}

func (c Claims) nestedString(claim, field string) *string {
	obj, ok := c[claim].(map[string]any)
	if !ok {
		return nil
	}
	switch v := obj[field].(type) {
	case string:
		if v == "" {
			return nil
		}
		return &v
	case json.Number:
		s := v.String()
		return &s
	case float64:
		s := fmt.Sprintf("%v", v)
		return &s
	default:
		return nil
	}
}

func supportedLaunchMessage(messageType string) bool {
	switch messageType {
	case MessageTypeResourceLink, MessageTypeDeepLinkingRequest:
		return true
	default:
		return false
	}
}
