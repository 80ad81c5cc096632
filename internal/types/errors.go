// Package types defines the error taxonomy shared across the forest engine.
//
// Four failure classes cross package boundaries:
//   - ValidationError:         malformed generated tree drafts, bad user input
//   - NotFoundError:           missing node, session, or user
//   - ServiceUnavailableError: generation or persistence collaborator unreachable
//   - FatalSchedulingError:    persistence failure inside a heartbeat tick
//
// Duplicate completions and already-running sessions are benign no-ops, not
// errors; callers signal them through result flags.
package types

import (
	"errors"
	"fmt"
)

// ValidationError indicates structurally invalid input that was rejected
// before any state mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidationError creates a ValidationError with a formatted reason.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates a missing entity (node, session, user, snapshot).
type NotFoundError struct {
	Kind string // "node", "session", "user", "snapshot"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFoundError creates a NotFoundError for the given entity kind and id.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ServiceUnavailableError indicates an unreachable external collaborator.
// The operation that hit it is retryable; no state was corrupted.
type ServiceUnavailableError struct {
	Service string // "generation", "persistence"
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s service unavailable: %v", e.Service, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// NewServiceUnavailableError wraps an underlying transport failure.
func NewServiceUnavailableError(service string, err error) *ServiceUnavailableError {
	return &ServiceUnavailableError{Service: service, Err: err}
}

// FatalSchedulingError terminates exactly one session's heartbeat loop.
// Other sessions are unaffected; restart policy is an external concern.
type FatalSchedulingError struct {
	UserID string
	Err    error
}

func (e *FatalSchedulingError) Error() string {
	return fmt.Sprintf("heartbeat terminated for user %s: %v", e.UserID, e.Err)
}

func (e *FatalSchedulingError) Unwrap() error { return e.Err }

// NewFatalSchedulingError wraps a tick persistence failure.
func NewFatalSchedulingError(userID string, err error) *FatalSchedulingError {
	return &FatalSchedulingError{UserID: userID, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsServiceUnavailable reports whether err is a ServiceUnavailableError.
func IsServiceUnavailable(err error) bool {
	var su *ServiceUnavailableError
	return errors.As(err, &su)
}

// IsFatalScheduling reports whether err is a FatalSchedulingError.
func IsFatalScheduling(err error) bool {
	var fs *FatalSchedulingError
	return errors.As(err, &fs)
}
