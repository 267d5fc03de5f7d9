package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *Store) InsertSequence(ctx context.Context, seq EventSequence) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO event_sequences
			(id, app_id, task_id, task_name, name, meta, state, state_updated_at, connection_id, created_at, expires_at, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		seq.ID, seq.AppID, seq.TaskID, seq.TaskName, seq.Name, seq.Meta, seq.State,
		seq.StateUpdatedAt, nullableString(seq.ConnectionID), seq.CreatedAt, seq.ExpiresAt, seq.Revision)
	if err != nil {
		return fmt.Errorf("store: insert sequence: %w", err)
	}
	return nil
}

func (s *Store) GetSequence(ctx context.Context, id string) (EventSequence, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, app_id, task_id, task_name, name, meta, state, state_updated_at,
		       COALESCE(connection_id, ''), created_at, finished_at, COALESCE(error, ''), expires_at, revision
		FROM event_sequences WHERE id = $1`, id)
	return scanSequence(row)
}

// TransitionSequence performs a compare-and-swap on state: it only applies
// the update when the row's current revision equals expectedRevision and its
// current state is not terminal, matching the spec's "read-terminal-then-
// finish-again fails" ordering guarantee. Returns ErrConflict on mismatch so
// callers can treat a racing finish as an idempotent no-op.
func (s *Store) TransitionSequence(ctx context.Context, id string, expectedRevision int64, apply func(*EventSequence)) (EventSequence, error) {
	seq, err := s.GetSequence(ctx, id)
	if err != nil {
		return EventSequence{}, err
	}
	if seq.Revision != expectedRevision {
		return EventSequence{}, ErrConflict
	}
	if seq.State.Terminal() {
		return EventSequence{}, ErrConflict
	}

	apply(&seq)
	seq.Revision++

	tag, err := s.Pool.Exec(ctx, `
		UPDATE event_sequences
		SET state = $2, state_updated_at = $3, meta = $4, connection_id = $5,
		    finished_at = $6, error = $7, revision = $8
		WHERE id = $1 AND revision = $9`,
		seq.ID, seq.State, seq.StateUpdatedAt, seq.Meta, nullableString(seq.ConnectionID),
		seq.FinishedAt, nullableString(seq.Error), seq.Revision, expectedRevision)
	if err != nil {
		return EventSequence{}, fmt.Errorf("store: transition sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return EventSequence{}, ErrConflict
	}
	return seq, nil
}

// ListSequencesByConnection finds sequences owned by a connection, used on
// disconnect (to freeze) and on reconnect (to report detected orphans).
func (s *Store) ListSequencesByConnection(ctx context.Context, connectionID string, states ...SequenceState) ([]EventSequence, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, task_id, task_name, name, meta, state, state_updated_at,
		       COALESCE(connection_id, ''), created_at, finished_at, COALESCE(error, ''), expires_at, revision
		FROM event_sequences
		WHERE connection_id = $1 AND ($2::text[] IS NULL OR state = ANY($2))`,
		connectionID, statesToStrings(states))
	if err != nil {
		return nil, fmt.Errorf("store: list sequences by connection: %w", err)
	}
	defer rows.Close()

	var out []EventSequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// ListOrphanCandidates returns frozen sequences whose state has not changed
// since before cutoff — the orphan reaper's sweep query.
func (s *Store) ListOrphanCandidates(ctx context.Context, cutoff time.Time) ([]EventSequence, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, task_id, task_name, name, meta, state, state_updated_at,
		       COALESCE(connection_id, ''), created_at, finished_at, COALESCE(error, ''), expires_at, revision
		FROM event_sequences
		WHERE state = $1 AND state_updated_at < $2`,
		SequenceFrozen, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list orphan candidates: %w", err)
	}
	defer rows.Close()

	var out []EventSequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func statesToStrings(states []SequenceState) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanSequence(row rowScanner) (EventSequence, error) {
	var seq EventSequence
	err := row.Scan(&seq.ID, &seq.AppID, &seq.TaskID, &seq.TaskName, &seq.Name, &seq.Meta,
		&seq.State, &seq.StateUpdatedAt, &seq.ConnectionID, &seq.CreatedAt, &seq.FinishedAt,
		&seq.Error, &seq.ExpiresAt, &seq.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return EventSequence{}, ErrNotFound
	}
	if err != nil {
		return EventSequence{}, fmt.Errorf("store: scan sequence: %w", err)
	}
	return seq, nil
}
