// Package apperr defines the error taxonomy from spec.md §7: the small set
// of error kinds every service layer (CMI, write pipeline, notifier, domain
// services) classifies failures into before they reach a transport (HTTP,
// MCP tool call). Grounded on the teacher's internal/registry/store error
// types, generalized from separate structs into one Kind-tagged type so
// transports can switch on a single field instead of a type assertion per
// error.
package apperr

import "fmt"

// Kind is one of the error categories spec.md §7 names.
type Kind string

const (
	// Invalid is a client-side validation failure (bad input shape, unknown
	// module id, dimension mismatch).
	Invalid Kind = "invalid"
	// NotFound means the resource does not exist, or exists in a different
	// tenant's subtree — spec.md §8 Isolation requires the two be
	// indistinguishable from outside, so Unauthorized also maps here.
	NotFound Kind = "not_found"
	// Conflict is a uniqueness or concurrent-write violation.
	Conflict Kind = "conflict"
	// EmbeddingUnavailable means the embedding provider failed or timed out.
	EmbeddingUnavailable Kind = "embedding_unavailable"
	// StoreUnavailable means a module store or the CMI index failed or timed out.
	StoreUnavailable Kind = "store_unavailable"
	// NotifierUnavailable means the change-notification transport failed or timed out.
	NotifierUnavailable Kind = "notifier_unavailable"
	// DeadlineExceeded means an operation's context deadline elapsed.
	DeadlineExceeded Kind = "deadline_exceeded"
	// Internal is everything else — a bug, not a classified failure mode.
	Internal Kind = "internal"
)

// Transient reports whether callers should retry this kind with bounded
// exponential backoff per spec.md §7, rather than surface it immediately.
func (k Kind) Transient() bool {
	switch k {
	case EmbeddingUnavailable, StoreUnavailable, NotifierUnavailable:
		return true
	default:
		return false
	}
}

// Error is the concrete error type every service layer returns.
type Error struct {
	Kind     Kind
	Resource string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Of builds an *Error of the given kind, resource and message, wrapping cause.
func Of(kind Kind, resource, message string, cause error) *Error {
	return &Error{Kind: kind, Resource: resource, Message: message, Cause: cause}
}

func NewNotFound(resource, id string) *Error {
	return &Error{Kind: NotFound, Resource: resource, Message: fmt.Sprintf("not found: %s", id)}
}

func NewInvalid(field, message string) *Error {
	return &Error{Kind: Invalid, Resource: field, Message: message}
}

func NewConflict(message string) *Error {
	return &Error{Kind: Conflict, Message: message}
}

func NewUnavailable(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
