package scheduling

import (
	"errors"
	"fmt"
)

// Sentinel errors for every failure kind the booking core reports. Callers
// match them with errors.Is; the typed errors below wrap them with detail.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("reservation conflict")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrStaleWrite            = errors.New("stale write")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// ValidationError reports a malformed or out-of-range field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError carries the committed reservation the candidate overlaps.
type ConflictError struct {
	Existing *Reservation
}

func (e *ConflictError) Error() string {
	if e.Existing == nil {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("overlaps reservation %s (%s %s-%s)",
		e.Existing.ID, e.Existing.Date, e.Existing.StartTime, e.Existing.EndTime)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransitionError reports an event that is not legal from the current status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a reservation that is %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// dependencyError marks a collaborator failure as transient.
type dependencyError struct {
	op  string
	err error
}

func (e *dependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *dependencyError) Unwrap() error { return e.err }

func (e *dependencyError) Is(target error) bool { return target == ErrDependencyUnavailable }

func unavailable(op string, err error) error {
	return &dependencyError{op: op, err: err}
}
