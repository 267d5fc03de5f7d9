package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertAppLogs bulk-inserts a batch of log lines in one round trip via a
// pipelined batch — the hub's send_log handler passes a frame's lines here
// whole rather than one INSERT per line.
func (s *Store) InsertAppLogs(ctx context.Context, logs []AppLog) error {
	if len(logs) == 0 {
		return nil
	}
	var batch pgx.Batch
	for _, l := range logs {
		batch.Queue(`
			INSERT INTO app_logs (id, app_id, sequence_id, severity, body, extra, t)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			l.ID, l.AppID, nullableString(l.SequenceID), l.Severity, l.Body, l.Extra, l.T)
	}

	results := s.Pool.SendBatch(ctx, &batch)
	defer results.Close()
	for range logs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: insert app logs: %w", err)
		}
	}
	return nil
}

func (s *Store) ListAppLogsBySequence(ctx context.Context, sequenceID string, sinceT int64, limit int) ([]AppLog, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, COALESCE(sequence_id, ''), severity, body, extra, t
		FROM app_logs WHERE sequence_id = $1 AND t > $2 ORDER BY t LIMIT $3`,
		sequenceID, sinceT, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list app logs: %w", err)
	}
	defer rows.Close()

	var out []AppLog
	for rows.Next() {
		var l AppLog
		if err := rows.Scan(&l.ID, &l.AppID, &l.SequenceID, &l.Severity, &l.Body, &l.Extra, &l.T); err != nil {
			return nil, fmt.Errorf("store: scan app log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
