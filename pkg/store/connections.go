package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertConnection implements hello's idempotent upsert: calling it twice
// with the same ConnectionInfo.ID updates the existing row (bumping
// revision) instead of inserting a second one.
func (s *Store) UpsertConnection(ctx context.Context, c ConnectionInfo) (ConnectionInfo, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO connection_info
			(id, app_id, ip, os, client_name, client_version, fingerprint, machine_id, instance_id,
			 is_connected, connected_at, disconnected_at, expires_at, event_subscriptions, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, NULL, NULL, $11, 0)
		ON CONFLICT (id) DO UPDATE SET
			app_id = EXCLUDED.app_id, ip = EXCLUDED.ip, os = EXCLUDED.os,
			client_name = EXCLUDED.client_name, client_version = EXCLUDED.client_version,
			fingerprint = EXCLUDED.fingerprint, machine_id = EXCLUDED.machine_id,
			instance_id = EXCLUDED.instance_id, is_connected = true,
			connected_at = EXCLUDED.connected_at, disconnected_at = NULL, expires_at = NULL,
			revision = connection_info.revision + 1
		RETURNING id, app_id, ip, os, client_name, client_version, fingerprint, machine_id,
		          COALESCE(instance_id, ''), is_connected, connected_at, disconnected_at, expires_at,
		          event_subscriptions, revision`,
		c.ID, c.AppID, c.IP, c.OS, c.ClientName, c.ClientVersion, c.Fingerprint, c.MachineID,
		nullableString(c.InstanceID), c.ConnectedAt, c.EventSubscriptions)
	return scanConnection(row)
}

// MarkDisconnected flips is_connected off and sets expires_at, matching
// revision to avoid clobbering a concurrent re-hello from another instance
// that already reconnected the same connection_uuid.
func (s *Store) MarkDisconnected(ctx context.Context, id string, expectedRevision int64, expiresAt, disconnectedAt time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE connection_info
		SET is_connected = false, disconnected_at = $3, expires_at = $4, revision = revision + 1
		WHERE id = $1 AND revision = $2`,
		id, expectedRevision, disconnectedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("store: mark disconnected: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (ConnectionInfo, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, app_id, ip, os, client_name, client_version, fingerprint, machine_id,
		       COALESCE(instance_id, ''), is_connected, connected_at, disconnected_at, expires_at,
		       event_subscriptions, revision
		FROM connection_info WHERE id = $1`, id)
	return scanConnection(row)
}

func (s *Store) SetEventSubscriptions(ctx context.Context, id string, subs []string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE connection_info SET event_subscriptions = $2, revision = revision + 1 WHERE id = $1`,
		id, subs)
	if err != nil {
		return fmt.Errorf("store: set event subscriptions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredConnections finds disconnected rows past their TTL, for the
// cleanup sweep that reaps stale ConnectionInfo rows.
func (s *Store) ListExpiredConnections(ctx context.Context, now time.Time) ([]ConnectionInfo, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, ip, os, client_name, client_version, fingerprint, machine_id,
		       COALESCE(instance_id, ''), is_connected, connected_at, disconnected_at, expires_at,
		       event_subscriptions, revision
		FROM connection_info WHERE is_connected = false AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list expired connections: %w", err)
	}
	defer rows.Close()

	var out []ConnectionInfo
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListHangingConnections finds rows still marked is_connected=true — left
// that way by a process that crashed before it could run its disconnect
// handler. Used by the boot-time cleanup sweep.
func (s *Store) ListHangingConnections(ctx context.Context) ([]ConnectionInfo, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, app_id, ip, os, client_name, client_version, fingerprint, machine_id,
		       COALESCE(instance_id, ''), is_connected, connected_at, disconnected_at, expires_at,
		       event_subscriptions, revision
		FROM connection_info WHERE is_connected = true`)
	if err != nil {
		return nil, fmt.Errorf("store: list hanging connections: %w", err)
	}
	defer rows.Close()

	var out []ConnectionInfo
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConnected answers the hello handshake's connections_total.
func (s *Store) CountConnected(ctx context.Context, appID string) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM connection_info WHERE app_id = $1 AND is_connected = true`, appID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count connected: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM connection_info WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete connection: %w", err)
	}
	return nil
}

func scanConnection(row rowScanner) (ConnectionInfo, error) {
	var c ConnectionInfo
	err := row.Scan(&c.ID, &c.AppID, &c.IP, &c.OS, &c.ClientName, &c.ClientVersion, &c.Fingerprint,
		&c.MachineID, &c.InstanceID, &c.IsConnected, &c.ConnectedAt, &c.DisconnectedAt, &c.ExpiresAt,
		&c.EventSubscriptions, &c.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConnectionInfo{}, ErrNotFound
	}
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("store: scan connection: %w", err)
	}
	return c, nil
}
