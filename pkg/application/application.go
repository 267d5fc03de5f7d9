// Package application implements Application CRUD, soft-delete, the hard
// "wipe" operation, and the two-step numeric-code registration flow an
// unauthenticated agent uses to bootstrap itself into a new Application.
package application

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/store"
)

const (
	registrationCodeTTL    = 10 * time.Minute
	registrationConfirmTTL = 10 * 24 * time.Hour
	registrationPurpose    = "register_application"
	deletedNamePrefix      = "[DELETED] "
)

// Service implements Application lifecycle operations.
type Service struct {
	store *store.Store
}

// New constructs a Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Descriptor is what an operator supplies to create an Application directly.
type Descriptor struct {
	Name        string
	DisplayName string
	Tags        []string
	Disabled    bool
}

// Create persists a new Application. Fails with apperr.Conflict if Name
// collides with a live row.
func (s *Service) Create(ctx context.Context, d Descriptor) (store.Application, error) {
	app := store.Application{
		ID:          uuid.NewString(),
		Name:        d.Name,
		DisplayName: orDefault(d.DisplayName, d.Name),
		Tags:        d.Tags,
		Disabled:    d.Disabled,
		AccessKey:   generateAccessKey(),
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertApplication(ctx, app); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Application{}, apperr.Conflict("application named %q already exists", d.Name)
		}
		return store.Application{}, apperr.Internal(err)
	}
	return app, nil
}

// Update overwrites display_name/tags/disabled; nil means "leave unchanged".
type Update struct {
	DisplayName *string
	Tags        *[]string
	Disabled    *bool
}

// Apply mutates app in place with u's non-nil fields.
func (u Update) Apply(app *store.Application) {
	if u.DisplayName != nil {
		app.DisplayName = *u.DisplayName
	}
	if u.Tags != nil {
		app.Tags = *u.Tags
	}
	if u.Disabled != nil {
		app.Disabled = *u.Disabled
	}
}

// Update fetches, mutates, and persists an Application.
func (s *Service) Update(ctx context.Context, id string, u Update) (store.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return store.Application{}, mapNotFound(err, "application %s not found", id)
	}
	u.Apply(&app)
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return store.Application{}, mapNotFound(err, "application %s not found", id)
	}
	return app, nil
}

// Delete soft-deletes an Application: it is renamed out of the unique-name
// namespace (freeing the name for reuse) and stamped deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return mapNotFound(err, "application %s not found", id)
	}
	if app.DeletedAt != nil {
		return nil // already deleted; idempotent
	}
	renamed := fmt.Sprintf("%s%s-%d", deletedNamePrefix, app.Name, time.Now().Unix())
	if err := s.store.SoftDeleteApplication(ctx, id, renamed, time.Now().Unix()); err != nil {
		return mapNotFound(err, "application %s not found", id)
	}
	return nil
}

// Wipe hard-deletes every sequence, event, and log belonging to app — an
// operator-only operation distinct from the reversible-in-name-only soft
// delete. The application row itself is left untouched by Wipe; callers that
// want both call Delete too.
func (s *Service) Wipe(ctx context.Context, appID string) error {
	if err := s.store.WipeApplicationData(ctx, appID); err != nil {
		return apperr.Internal(fmt.Errorf("wipe application %s: %w", appID, err))
	}
	return nil
}

// IssueRegistrationCode mints a short-lived numeric code an operator hands
// to a would-be agent out of band.
func (s *Service) IssueRegistrationCode(ctx context.Context, ipAddress string) (store.OneTimeSecurityCode, error) {
	code := store.OneTimeSecurityCode{
		Code:      generateNumericCode(8),
		Purpose:   registrationPurpose,
		IPAddress: ipAddress,
		ExpiresAt: time.Now().Add(registrationCodeTTL),
	}
	if err := s.store.InsertSecurityCode(ctx, code); err != nil {
		return store.OneTimeSecurityCode{}, apperr.Internal(err)
	}
	return code, nil
}

// ConfirmRegistrationCode marks a code confirmed and extends its lifetime,
// matching the bootstrap flow's "confirmed codes live ten days" rule.
func (s *Service) ConfirmRegistrationCode(ctx context.Context, code string) (store.OneTimeSecurityCode, error) {
	confirmed, err := s.store.ConfirmSecurityCode(ctx, code, time.Now(), registrationConfirmTTL)
	if err != nil {
		return store.OneTimeSecurityCode{}, mapNotFound(err, "registration code is invalid or expired")
	}
	return confirmed, nil
}

// RedeemDescriptor is what an agent supplies to finish self-registration.
type RedeemDescriptor struct {
	Code        string
	Name        string
	DisplayName string
}

// Redeem consumes a confirmed registration code and creates a new
// Application with a fresh access key.
func (s *Service) Redeem(ctx context.Context, d RedeemDescriptor) (store.Application, error) {
	consumed, err := s.store.ConsumeSecurityCode(ctx, d.Code, time.Now())
	if err != nil {
		return store.Application{}, mapNotFound(err, "registration code is invalid, expired, or already used")
	}
	if consumed.Purpose != registrationPurpose {
		return store.Application{}, apperr.Validation("code was not issued for application registration")
	}
	if !consumed.Confirmed {
		return store.Application{}, apperr.Authorization("registration code has not been confirmed")
	}
	return s.Create(ctx, Descriptor{Name: d.Name, DisplayName: d.DisplayName})
}

func mapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return apperr.Internal(err)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// generateAccessKey mints a long-lived opaque bearer credential.
func generateAccessKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("application: crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// generateNumericCode mints a decimal code of the given length, left-padded
// with zeros, for a human to read aloud or retype.
func generateNumericCode(length int) string {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(fmt.Sprintf("application: crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("%0*d", length, n)
}
