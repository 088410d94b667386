package engine

import (
	"errors"

	"waypoint/internal/event"
)

// Handler error taxonomy. The dispatch boundary maps each class to an outcome: validation and rate
// limiting are dropped silently, permission denied is silent unless wrapped by Public, not-found and
// conflict reach the sender as an error event.
var (
	ErrValidation       = errors.New("validation rejected")
	ErrRateLimited      = errors.New("rate limited")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPersistence      = errors.New("persistence failure")

	// ErrStopped is returned when posting to an engine whose loop has exited.
	ErrStopped = errors.New("engine stopped")

	// errNoChange marks an accepted event that left state untouched.
	errNoChange = errors.New("no change")
)

// PublicError is a handler error shown to the sender.
type PublicError struct {
	Err     error
	Message string
}

func (e *PublicError) Error() string { return e.Err.Error() + ": " + e.Message }

func (e *PublicError) Unwrap() error { return e.Err }

// Public wraps sentinel with a message for the sender.
func Public(sentinel error, msg string) error {
	return &PublicError{Err: sentinel, Message: msg}
}

// outcome names the metric label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errNoChange):
		return "noop"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	default:
		return "error"
	}
}

// errorPayload returns the error event for err, and false when err is not reported to the sender.
func errorPayload(kind event.Kind, err error) (event.ErrorPayload, bool) {
	var pub *PublicError
	isPublic := errors.As(err, &pub)
	msg := ""
	if isPublic {
		msg = pub.Message
	}
	p := event.ErrorPayload{Message: msg, Event: kind}
	switch {
	case err == nil, errors.Is(err, errNoChange), errors.Is(err, ErrValidation), errors.Is(err, ErrRateLimited):
		return p, false
	case errors.Is(err, ErrPermissionDenied):
		p.Code = event.CodePermissionDenied
		return p, isPublic
	case errors.Is(err, ErrNotFound):
		p.Code = event.CodeNotFound
	case errors.Is(err, ErrConflict):
		p.Code = event.CodeConflict
	case errors.Is(err, ErrPersistence):
		p.Code = event.CodePersistenceFailed
	default:
		p.Code = event.CodeInternal
		p.Message = "internal error"
		return p, true
	}
	if p.Message == "" {
		p.Message = err.Error()
	}
	return p, true
}
