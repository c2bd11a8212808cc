package repository

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending schema migration. Already applied versions are skipped.
func Migrate(databaseURL string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.L()
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version: %w", err)
	}
	if dirty {
		logger.Warn("database migration state is dirty", zap.Uint("version", version))
		return nil
	}
	logger.Info("database migrations complete", zap.Uint("version", version))
	return nil
}

// migrationURL rewrites a postgres DSN to the pgx5 scheme understood by the migrate driver.
func migrationURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
