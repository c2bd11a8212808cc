package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/config"
	"github.com/smallbiznis/valora-lti/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-lti/internal/http/middleware"
	"github.com/smallbiznis/valora-lti/internal/middleware"
	"github.com/smallbiznis/valora-lti/internal/telemetry"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	launchHandler *handler.LaunchHandler,
	adminHandler *handler.AdminHandler,
	authMiddleware *httpmiddleware.Auth,
	rateLimiter *middleware.RateLimiter,
	metrics *telemetry.Metrics,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	r.GET("/.well-known/jwks.json", launchHandler.JWKS)

	ltiGroup := r.Group("/lti")
	ltiGroup.Use(rateLimiter.Handler())
	{
		ltiGroup.GET("/login", launchHandler.Login)
		ltiGroup.POST("/login", launchHandler.Login)
		ltiGroup.POST("/launch", launchHandler.Launch)

		api := ltiGroup.Group("", middleware.CORS(cfg))
		api.OPTIONS("/session", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		api.OPTIONS("/deep-linking/response", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		api.GET("/session", authMiddleware.RequireSession, launchHandler.Session)
		api.POST("/deep-linking/response", authMiddleware.RequireSession, launchHandler.DeepLinkingResponse)
	}

	// The operator API is only mounted when an admin credential is configured.
	if cfg.AdminPasswordHash != "" {
		admin := r.Group("/admin", httpmiddleware.AdminBasicAuth(cfg.AdminUsername, cfg.AdminPasswordHash))
		{
			admin.GET("/platforms", adminHandler.ListPlatforms)
			admin.POST("/platforms", adminHandler.RegisterPlatform)
			admin.POST("/platforms/:id/jwks/refresh", adminHandler.RefreshPlatformKeys)
			admin.POST("/maintenance/sweep", adminHandler.Sweep)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
