package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/valora-lti/internal/config"
)

// HTTPServer wraps a gin.Engine with graceful shutdown.
type HTTPServer struct {
	Engine          *gin.Engine
	ShutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewHTTPServer prepares the engine for serving. Forwarding headers are only
// honoured from the configured trusted proxies; with none, ClientIP is the peer address.
func NewHTTPServer(router *gin.Engine, cfg config.Config, logger *zap.Logger) (*HTTPServer, error) {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	if logger == nil {
		logger = zap.L()
	}
	return &HTTPServer{Engine: router, ShutdownTimeout: 10 * time.Second, logger: logger}, nil
}

// Run listens on addr and shuts down gracefully when ctx is done.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
