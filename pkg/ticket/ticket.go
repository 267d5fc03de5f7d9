// Package ticket implements the short-lived signed tokens presented as a
// query parameter on the WebSocket upgrade, and the tagged-sum registry they
// belong to: a single codec that stamps a type discriminator into every
// token and refuses to decode a token into a kind other than the one the
// caller asked for.
package ticket

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind discriminates the token types the registry knows how to mint and
// verify. Distinct from Subject, which identifies who the token is for.
type Kind string

const (
	// KindApplication is presented by an agent process on the WS upgrade.
	KindApplication Kind = "ws-ticket:Application"
	// KindUser is presented by an operator's browser session on the WS upgrade.
	KindUser Kind = "ws-ticket:User"
)

const (
	applicationTicketTTL = 2 * time.Minute
	userTicketTTL        = 5 * time.Minute
)

// ErrWrongKind is returned by Verify when a token decodes successfully but
// carries a different Kind than the caller requested.
var ErrWrongKind = errors.New("ticket: wrong token kind")

// claims is the JWT payload shape shared by every ticket kind. kind is the
// tagged-sum discriminator; sub is the application or user id depending on it.
type claims struct {
	Kind Kind `json:"token_type"`
	jwt.RegisteredClaims
}

// Registry mints and verifies tickets with a single signing key. Safe for
// concurrent use — jwt.Parse/NewWithClaims hold no shared mutable state.
type Registry struct {
	signingKey []byte
}

// NewRegistry constructs a Registry with the given HMAC signing key.
func NewRegistry(signingKey []byte) *Registry {
	return &Registry{signingKey: signingKey}
}

// IssueApplication mints a KindApplication ticket for appID with the default
// application lifetime.
func (r *Registry) IssueApplication(appID string) (string, error) {
	return r.issue(KindApplication, appID, applicationTicketTTL)
}

// IssueUser mints a KindUser ticket for userID with the default user lifetime.
func (r *Registry) IssueUser(userID string) (string, error) {
	return r.issue(KindUser, userID, userTicketTTL)
}

func (r *Registry) issue(kind Kind, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString(r.signingKey)
	if err != nil {
		return "", fmt.Errorf("ticket: sign: %w", err)
	}
	return signed, nil
}

// Verify decodes raw and checks that it is valid, unexpired, and of the
// requested kind. Returns the subject (app id or user id) on success.
func (r *Registry) Verify(raw string, want Kind) (subject string, err error) {
	token, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("ticket: unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("ticket: parse: %w", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", errors.New("ticket: invalid token")
	}
	if c.Kind != want {
		return "", ErrWrongKind
	}
	return c.Subject, nil
}
