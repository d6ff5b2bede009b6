// Package apierrors defines the abstract error kinds the core engine
// raises at port boundaries, and their mapping onto HTTP status codes.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the abstract error categories from the error handling design.
type Kind int

const (
	Unknown Kind = iota
	InvalidArchive
	BuildFailed
	FunctionUnavailable
	NotFound
	Unauthorized
	SignatureInvalid
	Overloaded
	Timeout
	RuntimeUnavailable
	StoreConflict
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidArchive:
		return "InvalidArchive"
	case BuildFailed:
		return "BuildFailed"
	case FunctionUnavailable:
		return "FunctionUnavailable"
	case NotFound:
		return "NotFound"
	case Unauthorized:
		return "Unauthorized"
	case SignatureInvalid:
		return "SignatureInvalid"
	case Overloaded:
		return "Overloaded"
	case Timeout:
		return "Timeout"
	case RuntimeUnavailable:
		return "RuntimeUnavailable"
	case StoreConflict:
		return "StoreConflict"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// StatusCode implements the user-visible mapping table.
func (k Kind) StatusCode() int {
	switch k {
	case InvalidArchive:
		return http.StatusBadRequest
	case SignatureInvalid, Unauthorized:
		return http.StatusForbidden
	case NotFound, FunctionUnavailable:
		return http.StatusNotFound
	case Overloaded:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case BuildFailed:
		return http.StatusBadGateway
	case RuntimeUnavailable:
		return http.StatusServiceUnavailable
	case StoreConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an underlying cause with one of the abstract kinds.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with a message.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap tags an existing error with a Kind.
func Wrap(k Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// As extracts the Kind from err, defaulting to Internal when err carries none.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return Unknown
	}
	return Internal
}

// Is reports whether err is tagged with the given Kind.
func Is(err error, k Kind) bool {
	return As(err) == k
}
