// Package services holds the domain logic between the HTTP surface and the
// stores: accounts and credentials, job lifecycle, the library, and the
// glue to the admission queue.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist or the caller
	// may not know it exists.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned for state changes the job's current
	// state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
