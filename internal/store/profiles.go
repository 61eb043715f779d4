package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agrogringo/recsync/internal/record"
)

// UpsertClientProfile inserts or refreshes a farmer profile. An older
// profile never overwrites a newer one.
func (s *Store) UpsertClientProfile(ctx context.Context, p record.ClientProfile) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.UpsertClientProfile(ctx, p) })
}

// GetClientProfile retrieves a profile by DNI.
func (s *Store) GetClientProfile(ctx context.Context, dni string) (*record.ClientProfile, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT dni, nombre, celular, direccion, distrito, provincia, departamento, updated_at
		FROM client_profiles WHERE dni = ?
	`, dni)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client profile %s: %w", dni, ErrNotFound)
	}
	return p, err
}

// SearchClientProfiles returns profiles whose DNI starts with text or whose
// name contains it, most recently updated first.
func (s *Store) SearchClientProfiles(ctx context.Context, text string, limit int) ([]*record.ClientProfile, error) {
	text = strings.TrimSpace(text)
	query := `
		SELECT dni, nombre, celular, direccion, distrito, provincia, departamento, updated_at
		FROM client_profiles
		WHERE dni LIKE ? ESCAPE '\' OR nombre LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, dni ASC
	`
	args := []any{escapeLike(text) + "%", "%" + escapeLike(text) + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search client profiles: %w", err)
	}
	defer rows.Close()

	var out []*record.ClientProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating client profiles: %w", err)
	}
	return out, nil
}

// RebuildClientProfiles drops every profile and derives them again from the
// records that are not marked deleted. It returns the number of profiles.
func (s *Store) RebuildClientProfiles(ctx context.Context) (int, error) {
	var n int
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM client_profiles`); err != nil {
			return fmt.Errorf("failed to clear client profiles: %w", err)
		}

		recs, err := tx.List(ctx, Filter{})
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, rec := range recs {
			p, ok := rec.ClientProfile()
			if !ok {
				continue
			}
			if err := tx.UpsertClientProfile(ctx, p); err != nil {
				return err
			}
			seen[p.DNI] = true
		}
		n = len(seen)
		return nil
	})
	return n, err
}

// UpsertClientProfile is the transactional form of Store.UpsertClientProfile.
func (tx *Tx) UpsertClientProfile(ctx context.Context, p record.ClientProfile) error {
	if strings.TrimSpace(p.DNI) == "" {
		return errors.New("client profile has no DNI")
	}

	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO client_profiles (
			dni, nombre, celular, direccion, distrito, provincia, departamento, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dni) DO UPDATE SET
			nombre = excluded.nombre,
			celular = excluded.celular,
			direccion = excluded.direccion,
			distrito = excluded.distrito,
			provincia = excluded.provincia,
			departamento = excluded.departamento,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= client_profiles.updated_at
	`, p.DNI, p.Nombre, p.Celular, p.Direccion, p.Distrito, p.Provincia, p.Departamento, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert client profile %s: %w", p.DNI, err)
	}
	return nil
}

func scanProfile(row rowScanner) (*record.ClientProfile, error) {
	var p record.ClientProfile
	var updatedAt string
	err := row.Scan(&p.DNI, &p.Nombre, &p.Celular, &p.Direccion,
		&p.Distrito, &p.Provincia, &p.Departamento, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan client profile: %w", err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
