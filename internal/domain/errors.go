package domain

import (
	"errors"
	"fmt"
)

// Kind buckets an error for retry and HTTP translation decisions.
type Kind int

const (
	// KindUnknown is the zero value — unclassified errors map to it.
	KindUnknown Kind = iota

	// KindValidation — malformed payload, unknown run, oversize request.
	KindValidation

	// KindNotFound — the referenced object or run does not exist.
	KindNotFound

	// KindConflict — CAS loss beyond the retry bound, precondition failure,
	// terminal-state mutation, duplicate run ID.
	KindConflict

	// KindTransient — store or queue timeout/throttling; safe to retry.
	KindTransient

	// KindPermanent — misconfiguration, missing credentials, corrupt payload
	// after retries. Retrying will not help.
	KindPermanent

	// KindCancelled — an explicit stop request observed by the worker.
	KindCancelled

	// KindSolverFailure — a non-transient failure raised by the solver.
	KindSolverFailure
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	case KindSolverFailure:
		return "solver_failure"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a classification kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E wraps err with the given kind. A nil err returns nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new classified error.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }
