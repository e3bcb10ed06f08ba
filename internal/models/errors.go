package models

import (
	"errors"
	"fmt"
)

// ErrorKind represents different categories of errors
type ErrorKind int

const (
	ErrNotFound ErrorKind = iota
	ErrInvalidPackage
	ErrAlreadyExists
	ErrPayloadTooLarge
	ErrPermissionDenied
	ErrIo
	ErrUnauthorized
	ErrForbidden
	ErrConfig
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "NotFound"
	case ErrInvalidPackage:
		return "InvalidPackage"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrPayloadTooLarge:
		return "PayloadTooLarge"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrIo:
		return "Io"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrForbidden:
		return "Forbidden"
	case ErrConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// RepoError is the tagged error returned by every subsystem. Message is
// safe to show to clients; Err carries the underlying cause for logs only.
type RepoError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface
func (e *RepoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error
func (e *RepoError) Unwrap() error {
	return e.Err
}

// NewError creates a RepoError with a client-safe message.
func NewError(kind ErrorKind, format string, args ...interface{}) *RepoError {
	return &RepoError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a client-safe message.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *RepoError {
	return &RepoError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to ErrIo for foreign errors.
func KindOf(err error) ErrorKind {
	var re *RepoError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrIo
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RepoError
	return errors.As(err, &re) && re.Kind == kind
}

// PublicMessage returns the sanitized message for the HTTP boundary.
// Paths and OS-level details never travel through here.
func PublicMessage(err error) string {
	var re *RepoError
	if errors.As(err, &re) {
		switch re.Kind {
		case ErrPermissionDenied, ErrIo:
			return "Internal server error"
		default:
			return re.Message
		}
	}
	return "Internal server error"
}
