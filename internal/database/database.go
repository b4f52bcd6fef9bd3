// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package database is the SQLite store for booking records. Schema
// changes are goose migrations embedded in the binary.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/tomtom215/boxoffice/internal/logging"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config configures the booking database.
type Config struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`

	// AutoMigrate applies pending migrations on open.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "/data/boxoffice/bookings.db",
		BusyTimeout: 5 * time.Second,
		AutoMigrate: true,
	}
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens the database file, creating its directory when needed.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; status transitions rely on it.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		fmt.Sprintf(`PRAGMA busy_timeout = %d;`, cfg.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	db := &DB{conn: conn, path: cfg.Path}
	if cfg.AutoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	logging.Info().Str("path", cfg.Path).Msg("Booking database opened")
	return db, nil
}

// Migrate applies all pending migrations.
func (db *DB) Migrate(ctx context.Context) error {
	provider, err := db.provider()
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		logging.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("Applied migration")
	}
	return nil
}

// Version returns the current schema version.
func (db *DB) Version(ctx context.Context) (int64, error) {
	provider, err := db.provider()
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

func (db *DB) provider() (*goose.Provider, error) {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db.conn, fsys)
	if err != nil {
		return nil, fmt.Errorf("creating migration provider: %w", err)
	}
	return provider, nil
}

// Ping checks that the database answers.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
