package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Blob is a binary asset captured while offline and not yet uploaded.
type Blob struct {
	Handle      string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// PutBlob stores a blob and returns its handle. A handle is generated when
// b.Handle is empty.
func (s *Store) PutBlob(ctx context.Context, b Blob) (string, error) {
	var handle string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		handle, err = tx.PutBlob(ctx, b)
		return err
	})
	return handle, err
}

// GetBlob retrieves a blob by handle.
// Returns ErrNotFound if the blob does not exist.
func (s *Store) GetBlob(ctx context.Context, handle string) (*Blob, error) {
	return s.reader().GetBlob(ctx, handle)
}

// DeleteBlob removes a blob. Missing blobs are ignored.
func (s *Store) DeleteBlob(ctx context.Context, handle string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteBlob(ctx, handle) })
}

// PutBlob is the transactional form of Store.PutBlob.
func (tx *Tx) PutBlob(ctx context.Context, b Blob) (string, error) {
	if len(b.Data) == 0 {
		return "", errors.New("blob has no data")
	}
	if b.Handle == "" {
		b.Handle = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO blobs (handle, content_type, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			content_type = excluded.content_type,
			data = excluded.data
	`, b.Handle, b.ContentType, b.Data, formatTime(b.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to store blob %s: %w", b.Handle, err)
	}
	return b.Handle, nil
}

// GetBlob is the transactional form of Store.GetBlob.
func (tx *Tx) GetBlob(ctx context.Context, handle string) (*Blob, error) {
	var b Blob
	var createdAt string
	err := tx.q.QueryRowContext(ctx,
		`SELECT handle, content_type, data, created_at FROM blobs WHERE handle = ?`, handle,
	).Scan(&b.Handle, &b.ContentType, &b.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", handle, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", handle, err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// DeleteBlob is the transactional form of Store.DeleteBlob.
func (tx *Tx) DeleteBlob(ctx context.Context, handle string) error {
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM blobs WHERE handle = ?`, handle); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", handle, err)
	}
	return nil
}
