// Package database opens the settings store and applies schema migrations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"

	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/observability"
)

const (
	driverName       = "postgres"
	migrationTimeout = time.Minute
)

// Connect opens the Postgres pool described by cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, cfg.URL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to settings store")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// Migrate applies all pending migrations from cfg.MigrationsPath.
// A database already at the latest version is not an error.
func Migrate(ctx context.Context, db *sqlx.DB, cfg config.DatabaseConfig, logger observability.Logger) error {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	path := cfg.MigrationsPath
	if path == "" {
		path = "migrations/sql"
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create postgres migration driver")
	}

	migrator, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", path),
		driverName,
		driver,
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migrator")
	}

	done := make(chan error, 1)
	go func() {
		done <- migrator.Up()
	}()

	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	select {
	case err = <-done:
	case <-ctx.Done():
		return pkgerrors.Wrap(ctx.Err(), "migration timed out")
	}

	if err != nil && err != migrate.ErrNoChange {
		return pkgerrors.Wrap(err, "failed to apply migrations")
	}

	version, dirty, verr := migrator.Version()
	if verr != nil && verr != migrate.ErrNilVersion {
		return pkgerrors.Wrap(verr, "failed to read migration version")
	}
	if dirty {
		return pkgerrors.Errorf("migration version %d is dirty; manual repair required", version)
	}

	logger.Info("Schema migrations applied", map[string]interface{}{
		"version": version,
		"path":    path,
	})
	return nil
}
