package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-lti/internal/adapter/cache"
	"github.com/smallbiznis/valora-lti/internal/config"
	"github.com/smallbiznis/valora-lti/internal/lti"
	"github.com/smallbiznis/valora-lti/internal/repository"
)

func newSweepCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired nonce records from the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			repo, closeRepo, err := openNonceRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			purged, err := runSweep(ctx, repo, cfg.NonceTTL, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired nonces\n", purged)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline for the sweep")
	return cmd
}

func runSweep(ctx context.Context, repo repository.NonceRepository, ttl time.Duration, logger *zap.Logger) (int64, error) {
	store := lti.NewNonceStore(repo, ttl, lti.WithLogger(logger))
	purged, err := store.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("nonce sweep: %w", err)
	}
	logger.Info("nonce sweep finished", zap.Int64("purged", purged))
	return purged, nil
}

func openNonceRepository(ctx context.Context, cfg config.Config) (repository.NonceRepository, func(), error) {
	if cfg.NonceBackend == config.NonceBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return cacheadapter.NewRedisNonceRepo(client), func() { _ = client.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return repository.NewPostgresNonceRepo(pool), pool.Close, nil
}
