// Package errors defines the shared error vocabulary for the platform core.
//
// The categories mirror how failures propagate: validation and authorization
// errors surface to callers synchronously before any event is written,
// conflict errors are retried inside the event store, and projection errors
// surface only for critical event types.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an RPC precondition is violated.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized is returned when the principal lacks the required privilege.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when a projection row cannot be found.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a stream version collision exhausts retries.
	ErrVersionConflict = errors.New("stream version conflict")
	// ErrProjection is returned when a projection handler fails for a critical event.
	ErrProjection = errors.New("projection failed")
	// ErrUnhandledEvent is returned when a router receives an event type it does not cover.
	ErrUnhandledEvent = errors.New("unhandled event type")
	// ErrInvalidEventType is returned when an event type fails the format check.
	ErrInvalidEventType = errors.New("invalid event type format")
	// ErrReasonRequired is returned when a business-meaningful event lacks a reason.
	ErrReasonRequired = errors.New("reason required for event type")
	// ErrDuplicateSlug is returned when an organization slug already exists.
	ErrDuplicateSlug = errors.New("organization slug already exists")
	// ErrInconsistentState is returned when an existing aggregate is not in the expected state.
	ErrInconsistentState = errors.New("aggregate in inconsistent state")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context, preserving the chain for Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
