package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-lti/internal/config"
)

// CORS applies the configured cross-origin policy. The tool base URL is always allowed.
// Requests from any other origin are refused.
func CORS(cfg config.Config) gin.HandlerFunc {
	joinedMethods := strings.Join(cfg.CORSAllowedMethods, ", ")
	joinedHeaders := strings.Join(cfg.CORSAllowedHeaders, ", ")
	allowedOrigins := buildAllowedOrigins(cfg.CORSAllowedOrigins, []string{cfg.ToolBaseURL})

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if !originAllowed(origin, allowedOrigins) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			// Session cookies are SameSite=None, so a foreign origin must not reach the handler.
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin_not_allowed"})
			return
		}

		header := c.Writer.Header()
		header.Set("Vary", "Origin")
		header.Set("Access-Control-Allow-Methods", joinedMethods)
		header.Set("Access-Control-Allow-Headers", joinedHeaders)
		if cfg.CORSAllowCredentials {
			header.Set("Access-Control-Allow-Credentials", "true")
		}

		if containsWildcard(allowedOrigins) && !cfg.CORSAllowCredentials {
			header.Set("Access-Control-Allow-Origin", "*")
		} else {
			header.Set("Access-Control-Allow-Origin", origin)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func buildAllowedOrigins(global []string, tool []string) []string {
	seen := make(map[string]struct{}, len(global)+len(tool))
	var result []string
	for _, item := range append(append([]string{}, global...), tool...) {
		item = strings.TrimRight(strings.TrimSpace(item), "/")
		if item == "" {
			continue
		}
		if _, exists := seen[item]; exists {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}

func originAllowed(origin string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
