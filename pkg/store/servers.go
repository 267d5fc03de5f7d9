package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertServer records or refreshes the host an agent connected from: the
// hello handshake calls this with the agent's remote IP as id and its
// reported os_info as hostname, best-effort (errors are logged, never fail
// the handshake). Reconnecting from the same IP just bumps last_heartbeat.
func (s *Store) UpsertServer(ctx context.Context, id, hostname string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO servers (id, hostname, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET hostname = $2, last_heartbeat = $3`,
		id, hostname, now)
	if err != nil {
		return fmt.Errorf("store: upsert server: %w", err)
	}
	return nil
}

// ListStaleServers returns hosts whose heartbeat is older than cutoff,
// candidates for dropping from the registry.
func (s *Store) ListStaleServers(ctx context.Context, cutoff time.Time) ([]ServerInfo, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, hostname, started_at, last_heartbeat FROM servers WHERE last_heartbeat < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list stale servers: %w", err)
	}
	defer rows.Close()

	var out []ServerInfo
	for rows.Next() {
		var srv ServerInfo
		if err := rows.Scan(&srv.ID, &srv.Hostname, &srv.StartedAt, &srv.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("store: scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete server: %w", err)
	}
	return nil
}
