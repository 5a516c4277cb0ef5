// Package store provides the SQLite-backed entity store for one
// workspace.
//
// The database holds three tables:
//   - entities: the current state of every workflow/form/agent/app
//   - refs: the cross-entity reference graph (entity -> workflow)
//   - baseline: per-path fingerprints at the last successful sync
//
// The database runs embedded (ncruces/go-sqlite3, pure Go via wazero)
// with WAL mode so preview jobs can read concurrently while an execute
// job writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection for one workspace.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if missing. The caller MUST call
// Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection, checkpointing the WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent, safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		function_name TEXT,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (type, slug)
	);

	CREATE TABLE IF NOT EXISTS refs (
		from_id TEXT NOT NULL,
		to_workflow_id TEXT NOT NULL,
		function_name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (from_id, to_workflow_id, function_name),
		FOREIGN KEY (from_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS app_files (
		entity_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (entity_id, rel_path),
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS baseline (
		path TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		synced_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
	CREATE INDEX IF NOT EXISTS idx_entities_slug ON entities(slug);
	CREATE INDEX IF NOT EXISTS idx_refs_to ON refs(to_workflow_id);
	CREATE INDEX IF NOT EXISTS idx_refs_from ON refs(from_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
