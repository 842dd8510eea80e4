package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("version conflict")
	ErrCancelled         = errors.New("cancelled")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CancelledMessage is the error_message written by an explicit cancel.
const CancelledMessage = "cancelled"

// TransientError marks a failure worth retrying (network, AI backend, queue).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the queue retries it. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var existing *TransientError
	if errors.As(err, &existing) {
		return err
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether the task queue may re-run the task.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrCancelled) {
		return false
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with a message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
