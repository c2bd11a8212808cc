package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/password"
)

const sessionKey = "ltiSession"

// SessionResolver turns a bearer value into a live launch session.
type SessionResolver interface {
	ResolveSession(ctx context.Context, bearer string) (*domain.Session, error)
}

// Auth resolves the launch session from the Authorization header or the session cookie.
type Auth struct {
	Sessions   SessionResolver
	CookieName string
}

// RequireSession aborts with 401 unless the request carries a live session.
func (m *Auth) RequireSession(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" && m.CookieName != "" {
		token, _ = c.Cookie(m.CookieName)
	}
	if strings.TrimSpace(token) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
		return
	}

	session, err := m.Sessions.ResolveSession(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrNotAuthenticated) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
			return
		}
		zap.L().Error("resolve session failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}
	c.Set(sessionKey, session)
	c.Next()
}

// GetSession returns the session attached by RequireSession.
func GetSession(c *gin.Context) (*domain.Session, bool) {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	session, ok := value.(*domain.Session)
	return session, ok
}

// AdminBasicAuth guards operator endpoints with a single argon2id-hashed credential.
func AdminBasicAuth(username, passwordHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || !adminAllowed(username, passwordHash, user, pass) {
			c.Header("WWW-Authenticate", `Basic realm="lti-admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func adminAllowed(username, passwordHash, user, pass string) bool {
	if username == "" || passwordHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 {
		return false
	}
	valid, err := password.Verify(pass, passwordHash)
	if err != nil {
		zap.L().Warn("admin password hash is malformed", zap.Error(err))
		return false
	}
	return valid
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
