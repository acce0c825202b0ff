package account

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email is already registered")
	// ErrInvalidOrUsedOneTimeToken covers unknown, expired and already
	// consumed one-time tokens alike.
	ErrInvalidOrUsedOneTimeToken = errors.New("invalid or used one-time token")
)

// ValidationError reports a client-correctable input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
