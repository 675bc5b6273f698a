// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the service-wide categories.
// Kinds map to HTTP status codes at the protocol boundary and to stable
// audit codes everywhere else.
type Kind string

// Error kinds recognized across the service.
const (
	KindInvalid          Kind = "invalid"
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindTimeout          Kind = "timeout"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
	KindSecurity         Kind = "security"
	KindBackend          Kind = "backend"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrPoolClosed       = errors.New("browser pool is closed")
	ErrPoolTimeout      = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy = errors.New("browser is unhealthy")
	ErrBrowserNotFound  = errors.New("browser not found")
	ErrNotLeaseOwner    = errors.New("browser is not leased to this session")
	ErrQueueCleared     = errors.New("acquisition queue cleared")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrSessionInvalid  = errors.New("invalid session data")

	// Context errors
	ErrContextNotFound = errors.New("context not found")
	ErrContextClosed   = errors.New("context is closed")
	ErrNotOwner        = errors.New("caller does not own this resource")

	// Page errors
	ErrPageNotFound  = errors.New("page not found")
	ErrPageLimit     = errors.New("page limit reached for browser")
	ErrCrossSession  = errors.New("page belongs to another session")
	ErrActionInvalid = errors.New("invalid action")

	// Store errors
	ErrStoreUnavailable = errors.New("session store backend unavailable")
	ErrStoreClosed      = errors.New("session store is closed")
	ErrReplicaInactive  = errors.New("replica is inactive")
	ErrMigrationActive  = errors.New("a migration is already running")

	// Cancellation
	ErrCanceled = errors.New("operation canceled")
)

// Error is the structured error carried across component boundaries.
// Code is a stable machine-readable identifier suitable for audit records
// and dashboards; Message is human-readable and never contains client
// payloads.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with the given kind, code and message.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError wraps an underlying error with a kind and stable code.
func WrapError(kind Kind, code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Errorf creates a structured error with a formatted message.
func Errorf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain.
// Sentinel errors map to their natural kinds; anything unclassified is
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrPoolTimeout), errors.Is(err, ErrCanceled):
		return KindTimeout
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrQueueCleared),
		errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrStoreClosed):
		return KindUnavailable
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrContextNotFound),
		errors.Is(err, ErrBrowserNotFound), errors.Is(err, ErrPageNotFound),
		errors.Is(err, ErrSessionExpired):
		return KindNotFound
	case errors.Is(err, ErrContextClosed), errors.Is(err, ErrMigrationActive):
		return KindConflict
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrCrossSession),
		errors.Is(err, ErrNotLeaseOwner):
		return KindPermissionDenied
	case errors.Is(err, ErrActionInvalid), errors.Is(err, ErrSessionInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// CodeOf extracts the stable error code from an error chain.
// Falls back to the kind name when no structured code is present.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return string(KindOf(err))
}

// HTTPStatus maps an error kind to its boundary HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalid, KindSecurity:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindUnavailable, KindBackend:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
