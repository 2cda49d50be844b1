package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies the embedded schema for the pool's driver.
func Migrate(ctx context.Context, p *Pool) error {
	src, err := iofs.New(migrations, "migrations/"+string(p.driver))
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer src.Close()

	var target database.Driver
	switch p.driver {
	case Postgres:
		// A dedicated connection keeps the pool open after the migration
		// driver is closed.
		conn, err := p.primary.Conn(ctx)
		if err != nil {
			return fmt.Errorf("acquire migration connection: %w", err)
		}
		pg, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
		if err != nil {
			conn.Close()
			return fmt.Errorf("init postgres migrations: %w", err)
		}
		defer pg.Close()
		target = pg
	case SQLite:
		// sqlite.Sqlite.Close closes the *sql.DB, so the driver is left open.
		target, err = sqlite.WithInstance(p.primary, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("init sqlite migrations: %w", err)
		}
	default:
		return fmt.Errorf("unsupported driver %q", p.driver)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(p.driver), target)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.WithFields(log.Fields{"version": version, "dirty": dirty}).Info("Schema migrated")
	return nil
}
