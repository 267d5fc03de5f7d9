package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IncrementCounter upserts (subject, period) and adds delta atomically.
// Last-writer-wins under concurrent increments is the documented semantics;
// PostgreSQL's ON CONFLICT DO UPDATE makes the read-modify-write atomic
// without an explicit lock.
func (s *Store) IncrementCounter(ctx context.Context, subject, period string, delta int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO counters (subject, period, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject, period) DO UPDATE SET value = counters.value + EXCLUDED.value`,
		subject, period, delta)
	if err != nil {
		return fmt.Errorf("store: increment counter: %w", err)
	}
	return nil
}

func (s *Store) GetCounter(ctx context.Context, subject, period string) (int64, error) {
	var value int64
	err := s.Pool.QueryRow(ctx, `
		SELECT value FROM counters WHERE subject = $1 AND period = $2`, subject, period).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		// A counter that has never been incremented simply reads as zero.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get counter: %w", err)
	}
	return value, nil
}
