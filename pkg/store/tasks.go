package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (s *Store) InsertTask(ctx context.Context, t ApplicationTask) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO application_tasks (id, app_id, name, qualified_name, description, tags, body, env, triggers, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.AppID, t.Name, t.QualifiedName, t.Description, t.Tags, t.Body, t.Env, t.Triggers, t.LastUpdated)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (ApplicationTask, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, app_id, name, qualified_name, description, tags, body, env, triggers, last_updated, deleted_at
		FROM application_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) GetTaskByQualifiedName(ctx context.Context, qualifiedName string) (ApplicationTask, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, app_id, name, qualified_name, description, tags, body, env, triggers, last_updated, deleted_at
		FROM application_tasks WHERE qualified_name = $1 AND deleted_at IS NULL`, qualifiedName)
	return scanTask(row)
}

func (s *Store) ListTasksByApp(ctx context.Context, appID string) ([]ApplicationTask, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, name, qualified_name, description, tags, body, env, triggers, last_updated, deleted_at
		FROM application_tasks WHERE app_id = $1 AND deleted_at IS NULL ORDER BY name`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []ApplicationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTriggeredTasks returns every live task carrying at least one trigger,
// for the trigger evaluators (cron, filesystem-notify) to scan on boot and
// on every filesystem-notify event.
func (s *Store) ListTriggeredTasks(ctx context.Context) ([]ApplicationTask, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, name, qualified_name, description, tags, body, env, triggers, last_updated, deleted_at
		FROM application_tasks WHERE deleted_at IS NULL AND jsonb_array_length(triggers) > 0`)
	if err != nil {
		return nil, fmt.Errorf("store: list triggered tasks: %w", err)
	}
	defer rows.Close()

	var out []ApplicationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask overwrites description/tags/body/env/triggers with t's values
// as given. Keep-old-when-update-is-nil semantics live in package task's
// Update, which resolves them before calling this.
func (s *Store) UpdateTask(ctx context.Context, t ApplicationTask) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE application_tasks
		SET description = $2, tags = $3, body = $4, env = $5, triggers = $6, last_updated = $7
		WHERE id = $1 AND deleted_at IS NULL`,
		t.ID, t.Description, t.Tags, t.Body, t.Env, t.Triggers, t.LastUpdated)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteTask renames the row to free its qualified_name.
func (s *Store) SoftDeleteTask(ctx context.Context, id, renamedTo, renamedQualifiedTo string, deletedAt int64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE application_tasks
		SET name = $2, qualified_name = $3, deleted_at = to_timestamp($4)
		WHERE id = $1 AND deleted_at IS NULL`,
		id, renamedTo, renamedQualifiedTo, deletedAt)
	if err != nil {
		return fmt.Errorf("store: soft delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (ApplicationTask, error) {
	var t ApplicationTask
	err := row.Scan(&t.ID, &t.AppID, &t.Name, &t.QualifiedName, &t.Description, &t.Tags,
		&t.Body, &t.Env, &t.Triggers, &t.LastUpdated, &t.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApplicationTask{}, ErrNotFound
	}
	if err != nil {
		return ApplicationTask{}, fmt.Errorf("store: scan task: %w", err)
	}
	return t, nil
}
