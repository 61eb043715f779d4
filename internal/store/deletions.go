package store

import (
	"context"
	"fmt"
	"time"
)

// AssetDeletion is a remote asset URL waiting to be deleted.
type AssetDeletion struct {
	URL       string
	QueuedAt  time.Time
	Attempts  int
	LastError string
}

// QueueAssetDeletion records url for deletion on a later sync pass.
// Queuing the same URL twice is a no-op.
func (s *Store) QueueAssetDeletion(ctx context.Context, url string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.QueueAssetDeletion(ctx, url) })
}

// PendingAssetDeletions returns queued deletions, oldest first. Deletions
// still held by a record are skipped.
func (s *Store) PendingAssetDeletions(ctx context.Context, limit int) ([]AssetDeletion, error) {
	query := `
		SELECT url, queued_at, attempts, last_error FROM asset_deletions
		WHERE held_by = ''
		ORDER BY queued_at ASC, url ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset deletions: %w", err)
	}
	defer rows.Close()

	var out []AssetDeletion
	for rows.Next() {
		var d AssetDeletion
		var queuedAt string
		if err := rows.Scan(&d.URL, &queuedAt, &d.Attempts, &d.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan asset deletion: %w", err)
		}
		d.QueuedAt = parseTime(queuedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating asset deletions: %w", err)
	}
	return out, nil
}

// CompleteAssetDeletion removes url from the queue.
func (s *Store) CompleteAssetDeletion(ctx context.Context, url string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM asset_deletions WHERE url = ?`, url); err != nil {
			return fmt.Errorf("failed to complete asset deletion: %w", err)
		}
		return nil
	})
}

// FailAssetDeletion records a failed attempt for url.
func (s *Store) FailAssetDeletion(ctx context.Context, url string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.q.ExecContext(ctx,
			`UPDATE asset_deletions SET attempts = attempts + 1, last_error = ? WHERE url = ?`, msg, url)
		if err != nil {
			return fmt.Errorf("failed to record asset deletion failure: %w", err)
		}
		return nil
	})
}

// QueueAssetDeletion is the transactional form of Store.QueueAssetDeletion.
func (tx *Tx) QueueAssetDeletion(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO asset_deletions (url, queued_at) VALUES (?, ?)
		ON CONFLICT(url) DO NOTHING
	`, url, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to queue asset deletion: %w", err)
	}
	return nil
}

// HoldAssetDeletion queues url for deletion but keeps it out of
// PendingAssetDeletions until the record identified by recordID is next
// marked synced or is removed. The remote copy of that record still points
// at url until then.
func (tx *Tx) HoldAssetDeletion(ctx context.Context, url, recordID string) error {
	if url == "" {
		return nil
	}
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO asset_deletions (url, queued_at, held_by) VALUES (?, ?, ?)
		ON CONFLICT(url) DO NOTHING
	`, url, formatTime(time.Now()), recordID)
	if err != nil {
		return fmt.Errorf("failed to hold asset deletion: %w", err)
	}
	return nil
}

func (tx *Tx) releaseAssetDeletions(ctx context.Context, recordID string) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE asset_deletions SET held_by = '' WHERE held_by = ?`, recordID)
	if err != nil {
		return fmt.Errorf("failed to release asset deletions for %s: %w", recordID, err)
	}
	return nil
}
