package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

// respondError maps service errors to HTTP responses. Launch rejections carry no
// detail; the reason has already been logged by the service.
func respondError(c *gin.Context, err error) {
	logger := zap.L()
	switch {
	case errors.Is(err, domain.ErrLaunchRejected):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "launch_rejected"})
	case errors.Is(err, domain.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
	case errors.Is(err, domain.ErrNotDeepLinking):
		c.JSON(http.StatusBadRequest, gin.H{"error": "not_deep_linking", "error_description": "Session was not launched for deep linking."})
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domain.ErrPlatformNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "platform_not_found"})
	default:
		logger.Error("lti request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

func invalidRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": description})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
