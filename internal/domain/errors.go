package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL        = errors.New("invalid URL")
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job already queued")
	ErrResolutionFailed  = errors.New("metadata resolution failed")
	ErrCancelled         = errors.New("download cancelled")
	ErrInvalidEntry      = errors.New("invalid playlist entry")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Failure categories used when an engine error carries no category of its own.
const (
	CategoryUnexpected = "UnexpectedError"
	CategoryPanic      = "Panic"
	CategoryShutdown   = "Shutdown"
)

// ExecutionError is an engine-reported transfer or post-processing failure.
type ExecutionError struct {
	Category string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return e.Category
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// FailureCategory returns the category recorded on a failed job for err.
func FailureCategory(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Category != "" {
		return execErr.Category
	}
	return CategoryUnexpected
}
