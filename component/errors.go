package component

import (
	"errors"
	"fmt"
)

var (
	// ErrComponentNotFound is returned when no registered component matches a reference.
	ErrComponentNotFound = errors.New("component not found")

	// ErrIntegrityCheckFailed is returned when a binary does not match its digest.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
)

// NotFoundError names the missing component reference.
type NotFoundError struct {
	ID         string
	Constraint string
}

func (e *NotFoundError) Error() string {
	if e.Constraint == "" {
		return fmt.Sprintf("component not found: %s", e.ID)
	}
	return fmt.Sprintf("component not found: %s (%s)", e.ID, e.Constraint)
}

// Is implements errors.Is matching against ErrComponentNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrComponentNotFound
}

// IntegrityError indicates a digest mismatch.
type IntegrityError struct {
	Expected Digest
	Actual   Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: expected %s, got %s", e.Expected, e.Actual)
}

// Is implements errors.Is matching against ErrIntegrityCheckFailed.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityCheckFailed
}
