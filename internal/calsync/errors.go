package calsync

import (
	"context"
	"errors"

	"calsync/internal/calendar"
)

var (
	// ErrNotConfigured means no target calendar was given and the user has
	// not picked a preferred one.
	ErrNotConfigured = errors.New("calsync: no calendar selected")
	// ErrMissingStartTime means the entity cannot be placed on a calendar.
	// It is a data problem and not retryable.
	ErrMissingStartTime = errors.New("calsync: entity has no start time")
)

// TransientError wraps a native calendar failure that a later attempt or a
// reconciliation pass may recover from.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "calsync: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify passes permission and cancellation errors through unchanged and
// wraps everything else as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, calendar.ErrPermissionDenied) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
