// Package errs holds the error kinds shared across the control plane.
// Callers wrap them with fmt.Errorf("...: %w", ...) and test with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUpstream      = errors.New("upstream unavailable")
	ErrJobResolution = errors.New("job resolution failed")
	ErrJobSubmit     = errors.New("job submit failed")
	ErrTimeout       = errors.New("timeout")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
)

// Validation returns an ErrValidation carrying a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict returns an ErrConflict carrying a formatted reason.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing thing.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Upstream wraps err as ErrUpstream.
func Upstream(what string, err error) error {
	return fmt.Errorf("%s: %w: %v", what, ErrUpstream, err)
}
