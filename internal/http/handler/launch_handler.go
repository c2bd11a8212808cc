package handler

import (
	"context"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gin-gonic/gin/render"
	"github.com/go-jose/go-jose/v4"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/http/middleware"
	"github.com/smallbiznis/valora-lti/internal/lti"
)

// LaunchService is the part of lti.LaunchService the browser-facing endpoints use.
type LaunchService interface {
	InitiateLogin(ctx context.Context, in lti.LoginRequest) (*lti.LoginRedirect, error)
	CompleteLogin(ctx context.Context, in lti.CompleteLoginInput) (*domain.Session, error)
	BuildDeepLinkingResponse(ctx context.Context, session *domain.Session, items []lti.ContentItem) (*lti.DeepLinkingResponse, error)
	PublishJWKS() jose.JSONWebKeySet
}

// LaunchHandler serves the OIDC login, launch and deep linking endpoints.
type LaunchHandler struct {
	Service     LaunchService
	CookieName  string
	ToolBaseURL string
}

// NewLaunchHandler creates the handler set.
func NewLaunchHandler(launch LaunchService, cookieName, toolBaseURL string) *LaunchHandler {
	return &LaunchHandler{
		Service:     launch,
		CookieName:  cookieName,
		ToolBaseURL: strings.TrimRight(toolBaseURL, "/"),
	}
}

type loginRequest struct {
	Issuer         string `form:"iss"`
	LoginHint      string `form:"login_hint"`
	TargetLinkURI  string `form:"target_link_uri"`
	LTIMessageHint string `form:"lti_message_hint"`
	ClientID       string `form:"client_id"`
	DeploymentID   string `form:"lti_deployment_id"`
}

// Login handles third-party initiated login (GET query or POST form) and
// redirects the browser to the platform authorization endpoint.
func (h *LaunchHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		invalidRequest(c, "Invalid login request.")
		return
	}

	redirect, err := h.Service.InitiateLogin(c.Request.Context(), lti.LoginRequest{
		Issuer:         req.Issuer,
		ClientID:       req.ClientID,
		LoginHint:      req.LoginHint,
		TargetLinkURI:  req.TargetLinkURI,
		LTIMessageHint: req.LTIMessageHint,
		DeploymentID:   req.DeploymentID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, redirect.URL)
}

type launchRequest struct {
	IDToken  string `form:"id_token"`
	State    string `form:"state"`
	Issuer   string `form:"iss"`
	ClientID string `form:"client_id"`
}

// Launch receives the platform form post, opens a session and sets the session cookie.
// Browsers are redirected to the target link when it belongs to the tool; API clients
// asking for JSON get the session token in the body.
func (h *LaunchHandler) Launch(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBind(&req); err != nil {
		invalidRequest(c, "Invalid launch request.")
		return
	}

	session, err := h.Service.CompleteLogin(c.Request.Context(), lti.CompleteLoginInput{
		IDToken:  req.IDToken,
		State:    req.State,
		Issuer:   req.Issuer,
		ClientID: req.ClientID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.setSessionCookie(c, session)

	claims := lti.Claims(session.Claims)
	if target, ok := claims.TargetLinkURI(); ok && !wantsJSON(c.Request) && h.ownsURL(target) {
		c.Redirect(http.StatusSeeOther, target)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_token": session.Token,
		"token_type":    "Bearer",
		"expires_at":    session.ExpiresAt.UTC().Format(time.RFC3339),
		"message_type":  claims.MessageType(),
		"session":       sessionView(session),
	})
}

// Session returns the launch session attached by the session middleware.
func (h *LaunchHandler) Session(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		respondError(c, domain.ErrNotAuthenticated)
		return
	}
	c.JSON(http.StatusOK, sessionView(session))
}

type deepLinkingRequest struct {
	ContentItems []lti.ContentItem `json:"content_items"`
}

var autoPostTemplate = template.Must(template.New("deep_linking").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Returning to platform</title></head>
<body onload="document.forms[0].submit()">
<form method="POST" action="{{.ReturnURL}}">
<input type="hidden" name="JWT" value="{{.JWT}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>`))

// DeepLinkingResponse signs the selected content items. Browsers receive an
// auto-submitting form that posts the JWT back to the platform.
func (h *LaunchHandler) DeepLinkingResponse(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		respondError(c, domain.ErrNotAuthenticated)
		return
	}

	var req deepLinkingRequest
	if c.Request.ContentLength != 0 || c.GetHeader("Content-Type") != "" {
		if c.ContentType() != binding.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error":             "unsupported_media_type",
				"error_description": "Content-Type must be application/json.",
			})
			return
		}
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "content_items must be a JSON array of objects.")
			return
		}
	}

	resp, err := h.Service.BuildDeepLinkingResponse(c.Request.Context(), session, req.ContentItems)
	if err != nil {
		respondError(c, err)
		return
	}

	if wantsJSON(c.Request) {
		c.JSON(http.StatusOK, gin.H{"jwt": resp.JWT, "return_url": resp.ReturnURL})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Render(http.StatusOK, render.HTML{Template: autoPostTemplate, Name: "deep_linking", Data: resp})
}

// JWKS publishes the tool public key set.
func (h *LaunchHandler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.Service.PublishJWKS())
}

func (h *LaunchHandler) setSessionCookie(c *gin.Context, session *domain.Session) {
	if h.CookieName == "" {
		return
	}
	// Launches arrive inside a cross-site iframe, which only carries SameSite=None cookies.
	secure := schemeOnly(c.Request) == "https"
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.CookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
}

func (h *LaunchHandler) ownsURL(target string) bool {
	if h.ToolBaseURL == "" {
		return false
	}
	return target == h.ToolBaseURL || strings.HasPrefix(target, h.ToolBaseURL+"/")
}

func sessionView(s *domain.Session) gin.H {
	claims := lti.Claims(s.Claims)
	view := gin.H{
		"id":           strconv.FormatInt(s.ID, 10),
		"platform_id":  strconv.FormatInt(s.PlatformID, 10),
		"lti_user_id":  s.LTIUserID,
		"message_type": claims.MessageType(),
		"roles":        claims.Roles(),
		"created_at":   s.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":   s.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if s.ContextID != nil {
		view["context_id"] = *s.ContextID
	}
	if s.ResourceLinkID != nil {
		view["resource_link_id"] = *s.ResourceLinkID
	}
	if deployment, ok := claims.DeploymentID(); ok {
		view["deployment_id"] = deployment
	}
	return view
}
