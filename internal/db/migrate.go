// Package db owns the PostgreSQL schema for the optional fulfilment audit
// trail. Migrations are embedded and applied with golang-migrate at startup.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Source returns the embedded migration source.
func Source() (source.Driver, error) {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return d, nil
}

// RunMigrations brings the schema at databaseURL up to date. It migrates
// through its own pool, so the caller's pool for the same database is left
// untouched.
func RunMigrations(databaseURL string) error {
	return runMigrations("pgx", databaseURL)
}

func runMigrations(driverName, databaseURL string) error {
	src, err := Source()
	if err != nil {
		return err
	}

	conn, err := sql.Open(driverName, databaseURL)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("migration connect: %w", err)
	}

	driver, err := migratepgx.WithInstance(conn, &migratepgx.Config{})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return fmt.Errorf("migration setup: %w", err)
	}
	// The pgx driver closes conn along with its pinned connection.
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
