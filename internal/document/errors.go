package document

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates a missing or expired session token.
	ErrUnauthenticated = errors.New("document: unauthenticated")
	// ErrForbidden indicates a valid session with insufficient access.
	ErrForbidden = errors.New("document: forbidden")
	// ErrNotFound indicates a referenced document or user is absent from durable storage.
	ErrNotFound = errors.New("document: not found")
	// ErrInvalidMetadata indicates malformed metadata encountered during load.
	ErrInvalidMetadata = errors.New("document: invalid metadata")
)

// Error carries an operation.reason code alongside the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *Error) Code() string {
	return e.code
}

func newError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}
