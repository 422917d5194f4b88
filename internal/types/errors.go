package types

import (
	"errors"
	"fmt"
)

// ErrConcurrentClearing is returned when a clearing run is requested while
// another run for the same venue is still in flight. Callers should back off
// and retry; the rejected run performs no writes.
var ErrConcurrentClearing = errors.New("clearing run already in progress")

// ValidationError rejects a malformed offer or bid at the API boundary,
// before it can reach the order store or the matching engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
