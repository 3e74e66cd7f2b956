// Package registry provides persistent storage for golden-image and
// VM-instance records.
//
// Two engines are supported behind one schema: pure-Go SQLite
// (modernc.org/sqlite, no cgo) as the embedded default, and PostgreSQL via
// pgx when DATABASE_URL carries a postgres:// scheme. Queries are written
// with ? placeholders and rebound per driver; timestamps are stored as
// RFC3339 TEXT so the schema is portable.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps the repository database.
type DB struct {
	db *sqlx.DB
}

// Open opens the repository selected by databaseURL: postgres:// /
// postgresql:// URLs use pgx, anything else is treated as a SQLite file
// path (created on first open).
func Open(databaseURL string) (*DB, error) {
	driver, dsn := driverFor(databaseURL)

	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode for better concurrent read performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		// Competing writers wait for the lock instead of failing fast.
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func driverFor(databaseURL string) (driver, dsn string) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "pgx", databaseURL
	}
	return "sqlite", databaseURL
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS golden_images (
			id         TEXT PRIMARY KEY,
			vm_type    TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vm_instances (
			id           TEXT PRIMARY KEY,
			container_id TEXT NOT NULL DEFAULT '',
			vm_type      TEXT NOT NULL,
			status       TEXT NOT NULL,
			port         INTEGER NOT NULL DEFAULT 0,
			is_hot_spare BOOLEAN NOT NULL DEFAULT FALSE,
			assigned_to  TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
