// Package migrate moves recommendation sheets in and out of the local store
// as JSON Lines.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agrogringo/recsync/internal/record"
	"github.com/agrogringo/recsync/internal/store"
)

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	UserID    string // Owner for records that carry none
	Synced    bool   // Mark imported records synced instead of pending
	DryRun    bool   // Preview without writing
	Now       func() time.Time
}

// ImportResult contains statistics about the import
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int // already present locally, or marked deleted in the input
	Errors   []string
}

// FromJSONL reads a JSONL file with one recommendation per line.
func FromJSONL(jsonlPath string) ([]*record.Recommendation, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return readJSONL(file)
}

func readJSONL(r io.Reader) ([]*record.Recommendation, error) {
	var recs []*record.Recommendation
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec record.Recommendation
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		recs = append(recs, &rec)
	}

	return recs, nil
}

// WriteJSONL writes recs to path, one per line. The file is replaced
// atomically via a temp file.
func WriteJSONL(path string, recs []*record.Recommendation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	encoder := json.NewEncoder(w)
	for _, rec := range recs {
		if err := encoder.Encode(rec); err != nil {
			file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode recommendation %s: %w", rec.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// prepare normalizes an input record for the local store. Pending assets
// are dropped because their blobs are not part of the export.
func prepare(rec *record.Recommendation, opts ImportOptions) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UserID == "" {
		rec.UserID = opts.UserID
	}
	if rec.Estado == "" {
		rec.Estado = record.EstadoPendiente
	}
	if rec.TimestampUltimaModificacion.IsZero() {
		rec.TimestampUltimaModificacion = opts.Now().UTC()
	}
	for _, slot := range rec.PendingAssets() {
		*slot.Asset = record.Asset{}
	}

	rec.SyncStatus = record.StatusPending
	if opts.Synced {
		rec.SyncStatus = record.StatusSynced
	}
}

// Import loads a JSONL file into the local store. Records already present
// locally are left alone; records marked deleted in the input are skipped.
// Per-record failures are collected in the result and do not stop the
// import.
func Import(ctx context.Context, st *store.Store, opts ImportOptions) (*ImportResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	recs, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{Read: len(recs)}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if rec.SyncStatus == record.StatusDeleted {
			result.Skipped++
			continue
		}

		prepare(rec, opts)
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("invalid recommendation %s: %v", rec.ID, err))
			continue
		}

		if opts.DryRun {
			if _, err := st.Get(ctx, rec.ID); err == nil {
				result.Skipped++
			} else {
				result.Imported++
			}
			continue
		}

		imported := false
		err := st.WithTx(ctx, func(tx *store.Tx) error {
			if _, err := tx.Get(ctx, rec.ID); err == nil {
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := tx.Put(ctx, rec); err != nil {
				return err
			}
			if p, ok := rec.ClientProfile(); ok {
				if err := tx.UpsertClientProfile(ctx, p); err != nil {
					return err
				}
			}
			imported = true
			return nil
		})
		switch {
		case err != nil:
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to import recommendation %s: %v", rec.ID, err))
		case imported:
			result.Imported++
		default:
			result.Skipped++
		}
	}

	return result, nil
}

// Export writes every record matching filter to a JSONL file and returns
// the number written.
func Export(ctx context.Context, st *store.Store, filter store.Filter, path string) (int, error) {
	recs, err := st.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	if err := WriteJSONL(path, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}
