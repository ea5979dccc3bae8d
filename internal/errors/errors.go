// Package errors provides structured error handling with type-based HTTP
// status code mapping for the session multiplexer's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for response formatting and logs.
type ErrorType string

const (
	// TypeInvalidInput indicates a malformed tenant id or escrow token,
	// rejected before any I/O (HTTP 400)
	TypeInvalidInput ErrorType = "invalid_input"
	// TypeEscrow indicates a remote upload/download failure after retries
	// were exhausted (HTTP 502)
	TypeEscrow ErrorType = "escrow"
	// TypePersistence indicates an unreadable or unwritable backing store
	// (HTTP 500)
	TypePersistence ErrorType = "persistence"
	// TypeDisconnect indicates a protocol-level disconnect (HTTP 500)
	TypeDisconnect ErrorType = "disconnect"
	// TypeTimeout indicates no terminal state within the connect window
	// (HTTP 408)
	TypeTimeout ErrorType = "timeout"
	// TypeInternal indicates any other server-side failure (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and cause.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeInvalidInput:
		return http.StatusBadRequest
	case TypeTimeout:
		return http.StatusRequestTimeout
	case TypeEscrow:
		return http.StatusBadGateway
	case TypePersistence, TypeDisconnect, TypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// InvalidInput creates a new input validation error (HTTP 400).
func InvalidInput(message string) *Error {
	return &Error{Type: TypeInvalidInput, Message: message}
}

// Escrow creates a new escrow error wrapping the remote failure.
func Escrow(message string, cause error) *Error {
	return &Error{Type: TypeEscrow, Message: message, Cause: cause}
}

// Persistence creates a new backing-store error.
func Persistence(message string, cause error) *Error {
	return &Error{Type: TypePersistence, Message: message, Cause: cause}
}

// Disconnect creates a new protocol disconnect error.
func Disconnect(message string) *Error {
	return &Error{Type: TypeDisconnect, Message: message}
}

// Timeout creates a new connect-window timeout error.
func Timeout(message string) *Error {
	return &Error{Type: TypeTimeout, Message: message}
}

// Internal creates a new internal error (HTTP 500).
func Internal(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause}
}

// GetType extracts the ErrorType from any error, defaulting to TypeInternal
// for unstructured errors.
func GetType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// HTTPStatus extracts the HTTP status from any error, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsType reports whether err carries the given structured error type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}
