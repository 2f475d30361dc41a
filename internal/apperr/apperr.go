// Package apperr defines the error-kind taxonomy the orchestrator and its
// components use to classify failures, and the HTTP status each kind maps
// to. Components return plain wrapped errors; callers at the boundary use
// errors.As to recover a *Error and pick a status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy entries from the error-handling design.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindSecurity         Kind = "security_violation"
	KindNotFound         Kind = "not_found"
	KindNotImplemented   Kind = "not_implemented"
	KindNotInitialized   Kind = "service_not_initialized"
	KindLLMUnavailable   Kind = "llm_unavailable"
	KindRetrieval        Kind = "retrieval"
	KindComponentFailure Kind = "component_failure"
)

// Error is a typed, wrapped application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusCode maps a Kind to its HTTP status per the error-handling design.
func StatusCode(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindSecurity:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindNotInitialized:
		return http.StatusServiceUnavailable
	case KindLLMUnavailable:
		return http.StatusServiceUnavailable
	case KindRetrieval, KindComponentFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err, defaulting to KindComponentFailure.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindComponentFailure
}
