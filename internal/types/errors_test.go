package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorPredicates(t *testing.T) {
	ve := NewValidationError("bad draft: %d orphans", 2)
	nf := NewNotFoundError("node", "abc-123")
	su := NewServiceUnavailableError("generation", errors.New("connection refused"))
	fs := NewFatalSchedulingError("user-1", errors.New("disk full"))

	if !IsValidation(ve) || IsValidation(nf) {
		t.Error("IsValidation misclassified")
	}
	if !IsNotFound(nf) || IsNotFound(ve) {
		t.Error("IsNotFound misclassified")
	}
	if !IsServiceUnavailable(su) || IsServiceUnavailable(fs) {
		t.Error("IsServiceUnavailable misclassified")
	}
	if !IsFatalScheduling(fs) || IsFatalScheduling(su) {
		t.Error("IsFatalScheduling misclassified")
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	inner := NewNotFoundError("session", "user-9")
	wrapped := fmt.Errorf("completing task: %w", inner)
	if !IsNotFound(wrapped) {
		t.Error("expected IsNotFound to unwrap")
	}

	cause := errors.New("timeout")
	su := NewServiceUnavailableError("generation", cause)
	if !errors.Is(su, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestErrorMessages(t *testing.T) {
	nf := NewNotFoundError("node", "n1")
	if nf.Error() != "node not found: n1" {
		t.Errorf("unexpected message: %s", nf.Error())
	}
	fs := NewFatalSchedulingError("u1", errors.New("boom"))
	if fs.UserID != "u1" {
		t.Errorf("unexpected user id: %s", fs.UserID)
	}
}
