package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertApplication persists a new Application. Returns ErrConflict if name
// collides with a live (non-deleted) row.
func (s *Store) InsertApplication(ctx context.Context, app Application) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO applications (id, name, display_name, tags, access_key, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.Name, app.DisplayName, app.Tags, app.AccessKey, app.Disabled, app.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert application: %w", err)
	}
	return nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (Application, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, display_name, tags, access_key, disabled, created_at, deleted_at
		FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

func (s *Store) GetApplicationByName(ctx context.Context, name string) (Application, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, display_name, tags, access_key, disabled, created_at, deleted_at
		FROM applications WHERE name = $1 AND deleted_at IS NULL`, name)
	return scanApplication(row)
}

func (s *Store) ListApplications(ctx context.Context) ([]Application, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, display_name, tags, access_key, disabled, created_at, deleted_at
		FROM applications WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list applications: %w", err)
	}
	defer rows.Close()

	var out []Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// UpdateApplication overwrites the mutable fields of a live application.
func (s *Store) UpdateApplication(ctx context.Context, app Application) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE applications
		SET display_name = $2, tags = $3, disabled = $4
		WHERE id = $1 AND deleted_at IS NULL`,
		app.ID, app.DisplayName, app.Tags, app.Disabled)
	if err != nil {
		return fmt.Errorf("store: update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteApplication renames the row out of the unique-name namespace and
// stamps deleted_at, freeing name for reuse.
func (s *Store) SoftDeleteApplication(ctx context.Context, id, renamedTo string, deletedAt int64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE applications SET name = $2, deleted_at = to_timestamp($3)
		WHERE id = $1 AND deleted_at IS NULL`,
		id, renamedTo, deletedAt)
	if err != nil {
		return fmt.Errorf("store: soft delete application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WipeApplicationData hard-deletes every event, app log, and sequence
// belonging to appID. Distinct from SoftDeleteApplication: the Application
// row itself is untouched, and this is irreversible.
func (s *Store) WipeApplicationData(ctx context.Context, appID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: wipe application: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM app_logs WHERE app_id = $1`, appID); err != nil {
		return fmt.Errorf("store: wipe application: delete logs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE app_id = $1`, appID); err != nil {
		return fmt.Errorf("store: wipe application: delete events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM event_sequences WHERE app_id = $1`, appID); err != nil {
		return fmt.Errorf("store: wipe application: delete sequences: %w", err)
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (Application, error) {
	var app Application
	err := row.Scan(&app.ID, &app.Name, &app.DisplayName, &app.Tags, &app.AccessKey,
		&app.Disabled, &app.CreatedAt, &app.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Application{}, ErrNotFound
	}
	if err != nil {
		return Application{}, fmt.Errorf("store: scan application: %w", err)
	}
	return app, nil
}
