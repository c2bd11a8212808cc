package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-lti/internal/adapter/cache"
	jwksadapter "github.com/smallbiznis/valora-lti/internal/adapter/jwks"
	"github.com/smallbiznis/valora-lti/internal/bootstrap"
	"github.com/smallbiznis/valora-lti/internal/config"
	httptransport "github.com/smallbiznis/valora-lti/internal/http"
	"github.com/smallbiznis/valora-lti/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-lti/internal/http/middleware"
	"github.com/smallbiznis/valora-lti/internal/jwt"
	"github.com/smallbiznis/valora-lti/internal/lti"
	apimiddleware "github.com/smallbiznis/valora-lti/internal/middleware"
	"github.com/smallbiznis/valora-lti/internal/platform"
	"github.com/smallbiznis/valora-lti/internal/repository"
	"github.com/smallbiznis/valora-lti/internal/server"
	"github.com/smallbiznis/valora-lti/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newMetrics,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newCache,
			newPlatformRepository,
			newNonceRepository,
			newSessionRepository,
			newPlatformRegistry,
			newToolSigner,
			newLTIOptions,
			newStateStore,
			newNonceStore,
			newJWKSCache,
			newTokenValidator,
			newSessionManager,
			newResponseSigner,
			newLaunchService,
			newLaunchHandler,
			newAdminHandler,
			newAuthMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, runMigrations, seedPlatforms, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newMetrics(cfg config.Config) *telemetry.Metrics {
	return telemetry.NewMetrics(cfg.MetricsEnabled)
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newCache(client redis.UniversalClient) repository.Cache {
	return cacheadapter.NewRedisCache(client)
}

func newPlatformRepository(pool *pgxpool.Pool) repository.PlatformRepository {
	return repository.NewPostgresPlatformRepo(pool)
}

func newNonceRepository(cfg config.Config, pool *pgxpool.Pool, client redis.UniversalClient) repository.NonceRepository {
	if cfg.NonceBackend == config.NonceBackendRedis {
		return cacheadapter.NewRedisNonceRepo(client)
	}
	return repository.NewPostgresNonceRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newPlatformRegistry(repo repository.PlatformRepository, node *snowflake.Node, logger *zap.Logger) *platform.Registry {
	return platform.NewRegistry(repo, node, logger.Named("platform"))
}

func newToolSigner(cfg config.Config) (*jwt.Generator, error) {
	keys, err := jwt.LoadKeyPair(cfg.SigningKeyID, cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tool keys: %w", err)
	}
	return jwt.NewGenerator(keys)
}

func newLTIOptions(logger *zap.Logger, metrics *telemetry.Metrics, provider *telemetry.Provider) []lti.Option {
	return []lti.Option{
		lti.WithLogger(logger.Named("lti")),
		lti.WithMetrics(metrics),
		lti.WithTracer(provider.Tracer()),
	}
}

func newStateStore(cache repository.Cache, cfg config.Config, opts []lti.Option) *lti.StateStore {
	return lti.NewStateStore(cache, cfg.StateTTL, opts...)
}

func newNonceStore(repo repository.NonceRepository, cfg config.Config, opts []lti.Option) *lti.NonceStore {
	return lti.NewNonceStore(repo, cfg.NonceTTL, opts...)
}

func newJWKSCache(cache repository.Cache, cfg config.Config, opts []lti.Option) *lti.JWKSCache {
	return lti.NewJWKSCache(cache, jwksadapter.NewHTTPFetcher(nil), cfg.JWKSCacheTTL, cfg.JWKSFetchTimeout, opts...)
}

func newTokenValidator(keys *lti.JWKSCache, nonces *lti.NonceStore, cfg config.Config, opts []lti.Option) *lti.TokenValidator {
	return lti.NewTokenValidator(keys, nonces, cfg.ClockLeeway, opts...)
}

func newSessionManager(repo repository.SessionRepository, node *snowflake.Node, cfg config.Config, opts []lti.Option) *lti.SessionManager {
	return lti.NewSessionManager(repo, node, cfg.SessionTTL, opts...)
}

func newResponseSigner(generator *jwt.Generator, cfg config.Config, opts []lti.Option) *lti.ResponseSigner {
	return lti.NewResponseSigner(generator, cfg.ToolIssuer, cfg.DeepLinkTTL, opts...)
}

func newLaunchService(
	registry *platform.Registry,
	states *lti.StateStore,
	nonces *lti.NonceStore,
	keys *lti.JWKSCache,
	validator *lti.TokenValidator,
	sessions *lti.SessionManager,
	signer *lti.ResponseSigner,
	cfg config.Config,
	opts []lti.Option,
) *lti.LaunchService {
	return lti.NewLaunchService(registry, states, nonces, keys, validator, sessions, signer, cfg.LaunchRedirectURI(), opts...)
}

func newLaunchHandler(svc *lti.LaunchService, cfg config.Config) *handler.LaunchHandler {
	return handler.NewLaunchHandler(svc, cfg.SessionCookieName, cfg.ToolBaseURL)
}

func newAdminHandler(registry *platform.Registry, svc *lti.LaunchService) *handler.AdminHandler {
	return handler.NewAdminHandler(registry, svc)
}

func newAuthMiddleware(svc *lti.LaunchService, cfg config.Config) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Sessions: svc, CookieName: cfg.SessionCookieName}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func runMigrations(cfg config.Config, logger *zap.Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	return repository.Migrate(cfg.DatabaseURL, logger.Named("migrate"))
}

func seedPlatforms(lc fx.Lifecycle, cfg config.Config, registry *platform.Registry, logger *zap.Logger) {
	bootstrap.EnsurePlatforms(lc, cfg, registry, logger.Named("bootstrap"))
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
