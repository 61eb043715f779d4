package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrogringo/recsync/internal/record"
)

// Filter configures List.
type Filter struct {
	// UserID restricts results to one owner (empty = all owners)
	UserID string
	// Estado filters by treatment state (empty = all)
	Estado record.Estado
	// From and To bound fecha, inclusive (zero = unbounded)
	From time.Time
	To   time.Time
	// Text matches farmer name or DNI, case-insensitive substring
	Text string
	// SyncStatuses restricts to the given statuses (empty = all but deleted)
	SyncStatuses []record.SyncStatus
	// IncludeDeleted keeps records marked deleted when SyncStatuses is empty
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

const recommendationColumns = `id, sync_status, data`

// Get retrieves a record by ID, including records marked deleted.
// Returns ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, id string) (*record.Recommendation, error) {
	return s.reader().Get(ctx, id)
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, rec *record.Recommendation) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Put(ctx, rec) })
}

// Update merges patch into the record with the given ID and returns the result.
func (s *Store) Update(ctx context.Context, id string, patch record.Patch) (*record.Recommendation, error) {
	var out *record.Recommendation
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Update(ctx, id, patch)
		return err
	})
	return out, err
}

// Delete hard-removes a record and the blobs it still references.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, id) })
}

// List retrieves records matching filter, ordered by fecha descending.
func (s *Store) List(ctx context.Context, filter Filter) ([]*record.Recommendation, error) {
	return s.reader().List(ctx, filter)
}

// ListUnsynced returns every record whose status is not synced, oldest
// modification first. An empty userID matches all owners.
func (s *Store) ListUnsynced(ctx context.Context, userID string) ([]*record.Recommendation, error) {
	return s.reader().ListUnsynced(ctx, userID)
}

// MarkSynced flips a record to synced, provided it still has the status and
// modification time observed when the push started. It reports whether the
// record was updated; a false result means a local edit landed meanwhile.
func (s *Store) MarkSynced(ctx context.Context, id string, expect record.SyncStatus, modifiedAt time.Time) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.MarkSynced(ctx, id, expect, modifiedAt)
		return err
	})
	return ok, err
}

// ResolveAsset replaces the pending blob handle in slot with url and drops
// the blob. It reports false when the slot no longer holds handle.
func (s *Store) ResolveAsset(ctx context.Context, id, slot, handle, url string) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.ResolveAsset(ctx, id, slot, handle, url)
		return err
	})
	return ok, err
}

// PurgeDeleted removes a record that is still marked deleted.
// It reports whether a row was removed.
func (s *Store) PurgeDeleted(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.PurgeDeleted(ctx, id)
		return err
	})
	return ok, err
}

// LastSheetNumber returns the highest sheet number in the store, or "" when
// the store is empty. Sheet numbers compare numerically.
func (s *Store) LastSheetNumber(ctx context.Context) (string, error) {
	return s.reader().LastSheetNumber(ctx)
}

// LastSheetNumber is the transactional form of Store.LastSheetNumber. Read
// inside a write transaction, the result cannot be taken by a concurrent
// writer before the transaction commits.
func (tx *Tx) LastSheetNumber(ctx context.Context) (string, error) {
	var noHoja string
	err := tx.q.QueryRowContext(ctx, `
		SELECT no_hoja FROM recommendations
		WHERE no_hoja != ''
		ORDER BY CAST(no_hoja AS INTEGER) DESC, no_hoja DESC
		LIMIT 1
	`).Scan(&noHoja)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query last sheet number: %w", err)
	}
	return noHoja, nil
}

// Counts returns the number of records per sync status.
// An empty userID matches all owners.
func (s *Store) Counts(ctx context.Context, userID string) (map[record.SyncStatus]int, error) {
	query := `SELECT sync_status, COUNT(*) FROM recommendations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY sync_status`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[record.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// Get retrieves a record by ID inside the transaction.
func (tx *Tx) Get(ctx context.Context, id string) (*record.Recommendation, error) {
	row := tx.q.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE id = ?`, id)

	rec, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put inserts or replaces a record. The record must pass validation.
func (tx *Tx) Put(ctx context.Context, rec *record.Recommendation) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendation: %w", err)
	}

	query := `
	INSERT INTO recommendations (
		id, user_id, fecha, estado, sync_status,
		farmer_name, farmer_dni, no_hoja, modified_at, data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		fecha = excluded.fecha,
		estado = excluded.estado,
		sync_status = excluded.sync_status,
		farmer_name = excluded.farmer_name,
		farmer_dni = excluded.farmer_dni,
		no_hoja = excluded.no_hoja,
		modified_at = excluded.modified_at,
		data = excluded.data
	`

	_, err = tx.q.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		formatTime(rec.Fecha),
		string(rec.Estado),
		string(rec.SyncStatus),
		rec.DatosAgricultor.Nombre,
		rec.DatosAgricultor.DNI,
		rec.NoHoja,
		formatTime(rec.TimestampUltimaModificacion),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to put recommendation %s: %w", rec.ID, err)
	}
	return nil
}

// Update merges patch into an existing record.
// Returns ErrNotFound if the record does not exist.
func (tx *Tx) Update(ctx context.Context, id string, patch record.Patch) (*record.Recommendation, error) {
	rec, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(rec)
	if err := tx.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete hard-removes a record and its pending blobs.
// Returns ErrNotFound if the record does not exist.
func (tx *Tx) Delete(ctx context.Context, id string) error {
	rec, err := tx.Get(ctx, id)
	if err != nil {
		return err
	}
	return tx.remove(ctx, rec)
}

func (tx *Tx) remove(ctx context.Context, rec *record.Recommendation) error {
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM recommendations WHERE id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to delete recommendation %s: %w", rec.ID, err)
	}
	if err := tx.releaseAssetDeletions(ctx, rec.ID); err != nil {
		return err
	}
	for _, slot := range rec.PendingAssets() {
		if err := tx.DeleteBlob(ctx, slot.Asset.Handle()); err != nil {
			return err
		}
	}
	return nil
}

// List retrieves records matching filter inside the transaction.
func (tx *Tx) List(ctx context.Context, filter Filter) ([]*record.Recommendation, error) {
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}

	if filter.Estado != "" {
		conditions = append(conditions, "estado = ?")
		args = append(args, string(filter.Estado))
	}

	if !filter.From.IsZero() {
		conditions = append(conditions, "fecha >= ?")
		args = append(args, formatTime(filter.From))
	}

	if !filter.To.IsZero() {
		conditions = append(conditions, "fecha <= ?")
		args = append(args, formatTime(filter.To))
	}

	if text := strings.TrimSpace(filter.Text); text != "" {
		conditions = append(conditions, "(farmer_name LIKE ? ESCAPE '\\' OR farmer_dni LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(text) + "%"
		args = append(args, pattern, pattern)
	}

	switch {
	case len(filter.SyncStatuses) > 0:
		placeholders := make([]string, len(filter.SyncStatuses))
		for i, st := range filter.SyncStatuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "sync_status IN ("+strings.Join(placeholders, ", ")+")")
	case !filter.IncludeDeleted:
		conditions = append(conditions, "sync_status != ?")
		args = append(args, string(record.StatusDeleted))
	}

	query := `SELECT ` + recommendationColumns + ` FROM recommendations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY fecha DESC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	return scanRecommendations(rows)
}

// ListUnsynced returns records whose status is not synced inside the transaction.
func (tx *Tx) ListUnsynced(ctx context.Context, userID string) ([]*record.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE sync_status != ?`
	args := []any{string(record.StatusSynced)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY modified_at ASC, id ASC`

	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced recommendations: %w", err)
	}
	defer rows.Close()

	return scanRecommendations(rows)
}

// SyncedIDs returns the IDs of a user's records currently marked synced.
func (tx *Tx) SyncedIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT id FROM recommendations WHERE user_id = ? AND sync_status = ?`,
		userID, string(record.StatusSynced))
	if err != nil {
		return nil, fmt.Errorf("failed to query synced ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

// MarkSynced is the transactional form of Store.MarkSynced.
func (tx *Tx) MarkSynced(ctx context.Context, id string, expect record.SyncStatus, modifiedAt time.Time) (bool, error) {
	if _, err := expect.AfterPush(); err != nil {
		return false, err
	}

	res, err := tx.q.ExecContext(ctx, `
		UPDATE recommendations
		SET sync_status = ?, data = json_set(data, '$.syncStatus', ?)
		WHERE id = ? AND sync_status = ? AND modified_at = ?
	`, string(record.StatusSynced), string(record.StatusSynced), id, string(expect), formatTime(modifiedAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s synced: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.releaseAssetDeletions(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveAsset is the transactional form of Store.ResolveAsset.
// The record's sync status and modification time are left untouched.
func (tx *Tx) ResolveAsset(ctx context.Context, id, slot, handle, url string) (bool, error) {
	rec, err := tx.Get(ctx, id)
	if err != nil {
		return false, err
	}

	field, ok := rec.Slot(slot)
	if !ok {
		return false, fmt.Errorf("unknown asset slot %q", slot)
	}
	if !field.IsPending() || field.Handle() != handle {
		return false, nil
	}

	*field = record.RemoteAsset(url)
	if err := tx.Put(ctx, rec); err != nil {
		return false, err
	}
	if err := tx.DeleteBlob(ctx, handle); err != nil {
		return false, err
	}
	return true, nil
}

// PurgeDeleted is the transactional form of Store.PurgeDeleted.
func (tx *Tx) PurgeDeleted(ctx context.Context, id string) (bool, error) {
	rec, err := tx.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.SyncStatus != record.StatusDeleted {
		return false, nil
	}
	if err := tx.remove(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecommendation decodes one row. The sync_status column is
// authoritative over the copy embedded in data.
func scanRecommendation(row rowScanner) (*record.Recommendation, error) {
	var id, status, data string
	if err := row.Scan(&id, &status, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan recommendation: %w", err)
	}

	var rec record.Recommendation
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recommendation %s: %w", id, err)
	}
	rec.ID = id
	rec.SyncStatus = record.SyncStatus(status)
	return &rec, nil
}

func scanRecommendations(rows *sql.Rows) ([]*record.Recommendation, error) {
	var recs []*record.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendations: %w", err)
	}
	return recs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
