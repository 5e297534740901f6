package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationStatus reports the schema version after a migration run.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies every pending embedded migration.
func Migrate(pool *pgxpool.Pool) (MigrationStatus, error) {
	return runMigration(pool, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back the given number of migrations.
func MigrateDown(pool *pgxpool.Pool, steps int) (MigrationStatus, error) {
	if steps <= 0 {
		return MigrationStatus{}, fmt.Errorf("steps must be greater than zero")
	}
	return runMigration(pool, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func runMigration(pool *pgxpool.Pool, apply func(*migrate.Migrate) error) (MigrationStatus, error) {
	if pool == nil {
		return MigrationStatus{}, ErrNotConfigured
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("creating pgx migrate driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("opening embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("creating migrate instance: %w", err)
	}

	status := MigrationStatus{Changed: true}
	if err := apply(m); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationStatus{}, fmt.Errorf("applying migrations: %w", err)
		}
		status.Changed = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, fmt.Errorf("reading migration version: %w", err)
	}
	status.Version = version
	status.Dirty = dirty
	return status, nil
}
