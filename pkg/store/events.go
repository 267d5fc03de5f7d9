package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertEvent persists an immutable Event row. There is no update path.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO events (id, app_id, task_name, task_id, sequence_id, event_type, event_key, data, publisher_ip, t)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AppID, e.TaskName, nullableString(e.TaskID), nullableString(e.SequenceID),
		e.EventType, e.EventKey, e.Data, e.PublisherIP, e.T)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsBySequence(ctx context.Context, sequenceID string) ([]Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, task_name, COALESCE(task_id, ''), COALESCE(sequence_id, ''), event_type, event_key, data, COALESCE(publisher_ip, ''), t
		FROM events WHERE sequence_id = $1 ORDER BY t`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("store: list events by sequence: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEventsByKey(ctx context.Context, eventKey string, since int64) ([]Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, task_name, COALESCE(task_id, ''), COALESCE(sequence_id, ''), event_type, event_key, data, COALESCE(publisher_ip, ''), t
		FROM events WHERE event_key = $1 AND t > $2 ORDER BY t`, eventKey, since)
	if err != nil {
		return nil, fmt.Errorf("store: list events by key: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.AppID, &e.TaskName, &e.TaskID, &e.SequenceID, &e.EventType,
		&e.EventKey, &e.Data, &e.PublisherIP, &e.T)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("store: scan event: %w", err)
	}
	return e, nil
}
