package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertSecurityCode stores a one-time code for the two-step application
// registration flow.
func (s *Store) InsertSecurityCode(ctx context.Context, c OneTimeSecurityCode) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO onetime_security_codes (code, purpose, payload, ip_address, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.Code, c.Purpose, c.Payload, c.IPAddress, c.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert security code: %w", err)
	}
	return nil
}

// ConfirmSecurityCode marks a live, unexpired code confirmed and extends its
// expiry to confirmedTTL from now, matching the bootstrap flow's "confirmed
// codes live longer" rule.
func (s *Store) ConfirmSecurityCode(ctx context.Context, code string, now time.Time, confirmedTTL time.Duration) (OneTimeSecurityCode, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE onetime_security_codes
		SET confirmed = true, expires_at = $2
		WHERE code = $1 AND used_at IS NULL AND expires_at > $3
		RETURNING code, purpose, payload, confirmed, ip_address, expires_at, used_at`,
		code, now.Add(confirmedTTL), now)

	c, err := scanSecurityCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return OneTimeSecurityCode{}, ErrNotFound
	}
	return c, err
}

// ConsumeSecurityCode atomically marks a live, unexpired code used and
// returns its payload. A code can only be consumed once; a second call
// returns ErrNotFound.
func (s *Store) ConsumeSecurityCode(ctx context.Context, code string, now time.Time) (OneTimeSecurityCode, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE onetime_security_codes
		SET used_at = $2
		WHERE code = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING code, purpose, payload, confirmed, ip_address, expires_at, used_at`,
		code, now)

	c, err := scanSecurityCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return OneTimeSecurityCode{}, ErrNotFound
	}
	return c, err
}

func scanSecurityCode(row rowScanner) (OneTimeSecurityCode, error) {
	var c OneTimeSecurityCode
	err := row.Scan(&c.Code, &c.Purpose, &c.Payload, &c.Confirmed, &c.IPAddress, &c.ExpiresAt, &c.UsedAt)
	if err != nil {
		return OneTimeSecurityCode{}, fmt.Errorf("store: scan security code: %w", err)
	}
	return c, nil
}

// PurgeExpiredSecurityCodes deletes codes past expiry plus a 60s slack,
// approximating the spec's TTL index semantics on a backend without one.
func (s *Store) PurgeExpiredSecurityCodes(ctx context.Context, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM onetime_security_codes WHERE expires_at < $1`,
		now.Add(-60*time.Second))
	if err != nil {
		return fmt.Errorf("store: purge expired security codes: %w", err)
	}
	return nil
}
