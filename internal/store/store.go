// Package store provides the local durable store for recommendation sheets.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) running in
// WAL mode. It is the single source of truth for reads: the CLI, the sync
// manager and the live-update merge all go through it.
//
// Layout:
//   - recommendations: one row per record, the full record as JSON in data,
//     with denormalized columns for the indexed query paths
//   - blobs: binary assets captured offline, referenced by handle
//   - client_profiles: farmer autocomplete entries derived from records
//   - asset_deletions: remote asset URLs waiting to be deleted; a URL held
//     by a record stays queued until that record's next push is confirmed
//
// Every write runs inside WithTx. Write transactions are serialized by an
// in-process lock, so read-then-write sequences never interleave.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a record, blob or profile does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string

	writeMu gosync.Mutex
}

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a store at path and initializes its schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open("data/recsync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Write transactions take the database lock up front.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := s.conn.ExecContext(ctx, p.stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := s.InitSchemaContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// It is idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fecha TEXT NOT NULL,
		estado TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		farmer_name TEXT NOT NULL DEFAULT '',
		farmer_dni TEXT NOT NULL DEFAULT '',
		no_hoja TEXT NOT NULL DEFAULT '',
		modified_at TEXT NOT NULL,
		data TEXT NOT NULL  -- full record, JSON
	);

	CREATE INDEX IF NOT EXISTS idx_recommendations_user ON recommendations(user_id);
	CREATE INDEX IF NOT EXISTS idx_recommendations_user_fecha ON recommendations(user_id, fecha);
	CREATE INDEX IF NOT EXISTS idx_recommendations_sync ON recommendations(sync_status);
	CREATE INDEX IF NOT EXISTS idx_recommendations_no_hoja ON recommendations(no_hoja);

	CREATE TABLE IF NOT EXISTS blobs (
		handle TEXT PRIMARY KEY,
		content_type TEXT NOT NULL DEFAULT '',
		data BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_profiles (
		dni TEXT PRIMARY KEY,
		nombre TEXT NOT NULL DEFAULT '',
		celular TEXT NOT NULL DEFAULT '',
		direccion TEXT NOT NULL DEFAULT '',
		distrito TEXT NOT NULL DEFAULT '',
		provincia TEXT NOT NULL DEFAULT '',
		departamento TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_client_profiles_nombre ON client_profiles(nombre);

	CREATE TABLE IF NOT EXISTS asset_deletions (
		url TEXT PRIMARY KEY,
		queued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		held_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_asset_deletions_held_by ON asset_deletions(held_by);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a write transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Calls are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// reader runs queries directly on the pool, outside any transaction.
func (s *Store) reader() *Tx {
	return &Tx{q: s.conn}
}

// Tx exposes the store operations bound to one transaction.
type Tx struct {
	q querier
}

// timeLayout is fixed width so that text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t
}
