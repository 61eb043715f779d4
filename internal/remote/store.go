// Package remote adapts the remote document store: a recommendations
// collection keyed by record ID, queried by owner and ordered by fecha.
//
// The collection lives in a libSQL (Turso) database reached through
// database/sql. Any SQLite-compatible driver works; production opens the
// "libsql" driver, tests use a local SQLite file.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// WriteError reports a failed create, patch or delete.
type WriteError struct {
	Op  string
	ID  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("remote %s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Options configures a Store.
type Options struct {
	// PollInterval is how often subscriptions re-query (default 5s)
	PollInterval time.Duration
	// Logger receives subscription diagnostics (nil = no-op)
	Logger *zap.SugaredLogger
	// Now supplies server timestamps (default time.Now)
	Now func() time.Time
}

// Store is the remote document collection.
type Store struct {
	conn *sql.DB
	opts Options
}

// NewStore wraps an open database. Call InitSchemaContext before use.
func NewStore(conn *sql.DB, opts Options) *Store {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{conn: conn, opts: opts}
}

// Open opens the remote database with the given driver and DSN and
// initializes its schema.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach remote store: %w", err)
	}

	s := NewStore(conn, opts)
	if err := s.InitSchemaContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote store: %w", err)
	}
	return nil
}

// InitSchemaContext creates the collection table if it doesn't exist.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fecha INTEGER NOT NULL,  -- epoch ms
		payload TEXT NOT NULL,   -- JSON document
		updated_at INTEGER NOT NULL  -- epoch ns, bumped on every write
	);

	CREATE INDEX IF NOT EXISTS idx_remote_user_fecha ON recommendations(user_id, fecha);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return nil
}

// Get retrieves a document by ID.
// Returns ErrNotFound if the document does not exist.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	var payload string
	err := s.conn.QueryRowContext(ctx,
		`SELECT payload FROM recommendations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return parsePayload(id, payload)
}

// CreateOrReplace writes doc under id, fully replacing any existing
// document. The modification timestamp is set by the store.
func (s *Store) CreateOrReplace(ctx context.Context, id string, doc Document) error {
	if err := s.write(ctx, id, doc); err != nil {
		return &WriteError{Op: "create", ID: id, Err: err}
	}
	return nil
}

// Patch merges fields into an existing document at the top level.
// Returns ErrNotFound if the document does not exist.
func (s *Store) Patch(ctx context.Context, id string, fields Document) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Op: "patch", ID: id, Err: err}
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM recommendations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return &WriteError{Op: "patch", ID: id, Err: err}
	}

	doc, err := parsePayload(id, payload)
	if err != nil {
		return &WriteError{Op: "patch", ID: id, Err: err}
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		doc[k] = v
	}

	if err := s.upsert(ctx, tx, id, doc); err != nil {
		return &WriteError{Op: "patch", ID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Op: "patch", ID: id, Err: err}
	}
	return nil
}

// Delete removes a document. Deleting a missing document succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM recommendations WHERE id = ?`, id); err != nil {
		return &WriteError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// List returns every document owned by userID, ordered by fecha descending.
func (s *Store) List(ctx context.Context, userID string) ([]Document, error) {
	docs, _, err := s.query(ctx, userID)
	return docs, err
}

func (s *Store) write(ctx context.Context, id string, doc Document) error {
	return s.upsert(ctx, s.conn, id, doc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, ex execer, id string, doc Document) error {
	if id == "" {
		return errors.New("document id is required")
	}
	if doc.UserID() == "" {
		return errors.New("document userId is required")
	}
	fecha, err := toTimestamp(doc["fecha"])
	if err != nil {
		return fmt.Errorf("document fecha: %w", err)
	}

	now := s.opts.Now()
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	out["timestampUltimaModificacion"] = TimestampOf(now)

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO recommendations (id, user_id, fecha, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			fecha = excluded.fecha,
			payload = excluded.payload,
			updated_at = max(excluded.updated_at, recommendations.updated_at + 1)
	`, id, out.UserID(), fecha.Millis(), string(payload), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// query returns the user's documents and a fingerprint of the result set.
func (s *Store) query(ctx context.Context, userID string) ([]Document, string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, payload, updated_at FROM recommendations
		WHERE user_id = ?
		ORDER BY fecha DESC, id ASC
	`, userID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	fp := newFingerprint()
	for rows.Next() {
		var id, payload string
		var updatedAt int64
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, "", fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := parsePayload(id, payload)
		if err != nil {
			return nil, "", err
		}
		docs = append(docs, doc)
		fp.add(id, updatedAt)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, fp.sum(), nil
}

func parsePayload(id, payload string) (Document, error) {
	doc, err := decodeJSON([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	doc["id"] = id
	return normalize(doc), nil
}
