package catalog

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a catalog failure for the caller's retry decision.
type ErrorKind int

const (
	// KindNetwork covers transport failures and unexpected server errors;
	// the operation may be retried.
	KindNetwork ErrorKind = iota
	// KindAuth means the app credentials are invalid or expired. Not
	// retryable until credentials are refreshed.
	KindAuth
	// KindValidation means the request payload was rejected. Not retryable.
	KindValidation
	// KindNotFound means the addressed resource does not exist.
	KindNotFound
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "network"
	}
}

// Error is the typed failure surfaced by every catalog operation.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("catalog %s error: %s", e.Kind, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("catalog %s error: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("catalog %s error (status %d)", e.Kind, e.Status)
}

// Unwrap exposes the underlying transport error, if any.
func (e *Error) Unwrap() error { return e.cause }

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusNotFound:
		return KindNotFound
	default:
		return KindNetwork
	}
}

func kindIs(err error, kind ErrorKind) bool {
	var catErr *Error
	if errors.As(err, &catErr) {
		return catErr.Kind == kind
	}
	return false
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool { return kindIs(err, KindAuth) }

// IsValidation reports whether err is a rejected-input failure.
func IsValidation(err error) bool { return kindIs(err, KindValidation) }

// IsNotFound reports whether err addresses a missing resource.
func IsNotFound(err error) bool { return kindIs(err, KindNotFound) }

// IsNetwork reports whether err is a transient transport or server failure.
func IsNetwork(err error) bool { return kindIs(err, KindNetwork) }
