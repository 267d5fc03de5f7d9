package config

import (
	"errors"
	"fmt"
)

// ErrConfigNotFound indicates hubd.yaml was not found in the config directory.
var ErrConfigNotFound = errors.New("configuration file not found")

// ErrInvalidYAML indicates hubd.yaml failed to parse.
var ErrInvalidYAML = errors.New("invalid YAML syntax")

// LoadError wraps a configuration-loading failure with the file it came from.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.File, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError wraps err with the file that caused it.
func NewLoadError(file string, err error) *LoadError { return &LoadError{File: file, Err: err} }

// ValidationError is one problem Validator found with a specific field.
// Validator.ValidateAll joins every ValidationError it collects with
// errors.Join, so a misconfigured deployment sees every problem at once
// instead of fixing and re-running one error at a time.
type ValidationError struct {
	Section string // e.g. "database", "connection", "retention"
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Section, e.Field, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError reports a problem with section.field.
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}
