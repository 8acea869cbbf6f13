// Package errs defines the gateway's error-kind taxonomy and the mapping
// from a kind to an HTTP status + detail string at the API boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a recoverable failure category, not a concrete type.
type Kind int

const (
	// KindNoAvailableNode means the scheduler found no eligible node.
	KindNoAvailableNode Kind = iota
	// KindUpstreamUnavailable means the chosen node failed before the first byte.
	KindUpstreamUnavailable
	// KindUpstreamTruncated means the upstream stream broke mid-response.
	KindUpstreamTruncated
	// KindBadDataset means the uploaded dataset failed validation.
	KindBadDataset
	// KindBadRequest means caller-supplied input was invalid.
	KindBadRequest
	// KindJobNotFound means the referenced job_id doesn't exist.
	KindJobNotFound
	// KindInternal covers anything else that reaches the boundary.
	KindInternal
)

// Error wraps a Kind with a short, leak-free detail message.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.cause)
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a detail string.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error of the given kind, keeping cause for logging but
// never surfacing it to callers.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// NoAvailableNode is the sentinel the dispatcher returns when no node can
// be acquired; the scheduler has its own scheduler.ErrNoNodeAvailable.
var NoAvailableNode = New(KindNoAvailableNode, "no node available")

// JobNotFound is the sentinel the HTTP facade returns for an unknown job_id.
var JobNotFound = New(KindJobNotFound, "job not found")

// StatusCode maps a Kind to the §7/§6.3 HTTP status code.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNoAvailableNode:
			return http.StatusServiceUnavailable
		case KindUpstreamUnavailable:
			return http.StatusBadGateway
		case KindBadDataset, KindBadRequest:
			return http.StatusBadRequest
		case KindJobNotFound:
			return http.StatusNotFound
		case KindUpstreamTruncated:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

// Detail extracts a short, safe-to-expose detail string for the
// `{"detail": "..."}` response body. Never leaks stack traces or paths.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return "internal error"
}
