package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

// PlatformRegistry lists and registers trusted platforms.
type PlatformRegistry interface {
	List(ctx context.Context) ([]domain.Platform, error)
	Register(ctx context.Context, p domain.Platform) (domain.Platform, error)
}

// Maintenance exposes operator actions on the launch service.
type Maintenance interface {
	RefreshPlatformKeys(ctx context.Context, platformID int64) error
	MaintenanceSweep(ctx context.Context) (int64, error)
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	Platforms   PlatformRegistry
	Maintenance Maintenance
}

// NewAdminHandler creates the operator handler set.
func NewAdminHandler(platforms PlatformRegistry, maintenance Maintenance) *AdminHandler {
	return &AdminHandler{Platforms: platforms, Maintenance: maintenance}
}

type platformPayload struct {
	ID           string `json:"id,omitempty"`
	Issuer       string `json:"issuer" binding:"required"`
	ClientID     string `json:"client_id" binding:"required"`
	DeploymentID string `json:"deployment_id"`
	AuthLoginURL string `json:"auth_login_url" binding:"required"`
	AuthTokenURL string `json:"auth_token_url"`
	KeySetURL    string `json:"key_set_url" binding:"required"`
	Active       *bool  `json:"active"`
}

// ListPlatforms returns every registered platform.
func (h *AdminHandler) ListPlatforms(c *gin.Context) {
	platforms, err := h.Platforms.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, platformView(p))
	}
	c.JSON(http.StatusOK, gin.H{"platforms": out})
}

// RegisterPlatform creates or updates a platform keyed by issuer and client id.
func (h *AdminHandler) RegisterPlatform(c *gin.Context) {
	var req platformPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "issuer, client_id, auth_login_url and key_set_url are required.")
		return
	}

	p := domain.Platform{
		Issuer:       req.Issuer,
		ClientID:     req.ClientID,
		DeploymentID: req.DeploymentID,
		AuthLoginURL: req.AuthLoginURL,
		AuthTokenURL: req.AuthTokenURL,
		KeySetURL:    req.KeySetURL,
		Active:       req.Active == nil || *req.Active,
	}
	if req.ID != "" {
		id, err := strconv.ParseInt(req.ID, 10, 64)
		if err != nil || id <= 0 {
			invalidRequest(c, "id must be a positive integer.")
			return
		}
		p.ID = id
	}

	saved, err := h.Platforms.Register(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, platformView(saved))
}

// RefreshPlatformKeys drops the cached key set so the next launch refetches it.
func (h *AdminHandler) RefreshPlatformKeys(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		invalidRequest(c, "Invalid platform id.")
		return
	}
	if err := h.Maintenance.RefreshPlatformKeys(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "platform_id": strconv.FormatInt(id, 10)})
}

// Sweep purges expired nonces.
func (h *AdminHandler) Sweep(c *gin.Context) {
	deleted, err := h.Maintenance.MaintenanceSweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonces_purged": deleted})
}

// Platform ids are snowflakes and exceed the integer precision of JSON clients, so they travel as strings.
func platformView(p domain.Platform) gin.H {
	view := gin.H{
		"id":             strconv.FormatInt(p.ID, 10),
		"issuer":         p.Issuer,
		"client_id":      p.ClientID,
		"deployment_id":  p.DeploymentID,
		"auth_login_url": p.AuthLoginURL,
		"auth_token_url": p.AuthTokenURL,
		"key_set_url":    p.KeySetURL,
		"active":         p.Active,
	}
	if !p.CreatedAt.IsZero() {
		view["created_at"] = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !p.UpdatedAt.IsZero() {
		view["updated_at"] = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return view
}
