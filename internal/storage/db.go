// Package storage provides Scriptorium's persistence layer.
//
// Run state lives on the filesystem: one folder per run holding a manifest
// and one JSON artifact per executed step, all written with atomic
// temp-file-and-rename so a crash never leaves a partial file behind.
// Telemetry for the quality feedback loop lives in an embedded SQLite
// database that also backs the optional SQLite lock manager.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DB wraps the telemetry database.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the SQLite database at path. Use ":memory:" in tests.
//
// The connection pool is pinned to one connection: SQLite allows a single
// writer, and an in-memory database exists per connection.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create db dir: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("storage: %q: %w", pragma, err)
		}
	}
	return &DB{db: sqlDB, logger: logger}, nil
}

// SQL returns the underlying handle for packages that share the database.
func (db *DB) SQL() *sql.DB { return db.db }

// Ping checks database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}
