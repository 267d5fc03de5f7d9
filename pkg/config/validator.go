package config

import (
	"errors"
	"fmt"
	"os"
)

// Validator checks a loaded Config for problems ValidateAll can report
// together, rather than stopping at the first one.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and joins every failure into one error, so
// an operator fixing a misconfigured hubd.yaml sees all the problems in one
// pass instead of one per restart.
func (v *Validator) ValidateAll() error {
	return errors.Join(
		v.validateServer(),
		v.validateDatabase(),
		v.validateBackplane(),
		v.validateSecurity(),
		v.validateConnection(),
		v.validateRetention(),
	)
}

func (v *Validator) validateServer() error {
	s := v.cfg.Server
	if s.Addr == "" {
		return NewValidationError("server", "addr", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	var errs []error
	if d.Host == "" {
		errs = append(errs, NewValidationError("database", "host", fmt.Errorf("must not be empty")))
	}
	if d.Port <= 0 || d.Port > 65535 {
		errs = append(errs, NewValidationError("database", "port", fmt.Errorf("must be between 1 and 65535, got %d", d.Port)))
	}
	if d.User == "" {
		errs = append(errs, NewValidationError("database", "user", fmt.Errorf("must not be empty")))
	}
	if d.Database == "" {
		errs = append(errs, NewValidationError("database", "database", fmt.Errorf("must not be empty")))
	}
	return errors.Join(errs...)
}

func (v *Validator) validateBackplane() error {
	switch v.cfg.Backplane.Mode {
	case BackplaneModePostgres, BackplaneModeMemory:
		return nil
	default:
		return NewValidationError("backplane", "mode", fmt.Errorf("must be %q or %q, got %q",
			BackplaneModePostgres, BackplaneModeMemory, v.cfg.Backplane.Mode))
	}
}

func (v *Validator) validateSecurity() error {
	envName := v.cfg.Security.TicketSigningKeyEnv
	if envName == "" {
		return NewValidationError("security", "ticket_signing_key_env", fmt.Errorf("must not be empty"))
	}
	if os.Getenv(envName) == "" {
		return NewValidationError("security", "ticket_signing_key_env",
			fmt.Errorf("environment variable %s is not set", envName))
	}
	return nil
}

func (v *Validator) validateConnection() error {
	c := v.cfg.Connection
	var errs []error
	switch c.HangingPolicy {
	case HangingConnectionRemove, HangingConnectionLog:
	default:
		errs = append(errs, NewValidationError("connection", "hanging_policy", fmt.Errorf("must be %q or %q, got %q",
			HangingConnectionRemove, HangingConnectionLog, c.HangingPolicy)))
	}
	if c.DisconnectedTTL <= 0 {
		errs = append(errs, NewValidationError("connection", "disconnected_ttl", fmt.Errorf("must be positive, got %v", c.DisconnectedTTL)))
	}
	return errors.Join(errs...)
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	var errs []error
	if r.EventTTL <= 0 {
		errs = append(errs, NewValidationError("retention", "event_ttl", fmt.Errorf("must be positive, got %v", r.EventTTL)))
	}
	if r.AppLogTTL <= 0 {
		errs = append(errs, NewValidationError("retention", "app_log_ttl", fmt.Errorf("must be positive, got %v", r.AppLogTTL)))
	}
	return errors.Join(errs...)
}
