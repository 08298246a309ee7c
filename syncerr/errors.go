// Package syncerr defines the error taxonomy shared by the collection
// managers, the supervisor and the transport adapters.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("entity not found")
	ErrStopped  = errors.New("collection is stopped")
	ErrGuest    = errors.New("operation requires an authenticated identity")
)

// ValidationError is bad input caught before any network call.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransportError is a failed fetch or write. Callers may retry.
type TransportError struct {
	Op    string
	Table string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SubscriptionFault is reported once the supervisor has exhausted its
// reconnect budget.
type SubscriptionFault struct {
	Table    string
	Owner    string
	Attempts int
	Err      error
}

func (e *SubscriptionFault) Error() string {
	return fmt.Sprintf("subscription to %s for %s failed after %d attempts: %v", e.Table, e.Owner, e.Attempts, e.Err)
}

func (e *SubscriptionFault) Unwrap() error { return e.Err }

// ConflictError means the backend rejected a write because the entity is no
// longer in the state the write expected.
type ConflictError struct {
	Table  string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Table, e.ID, e.Reason)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

func IsSubscriptionFault(err error) bool {
	var f *SubscriptionFault
	return errors.As(err, &f)
}
