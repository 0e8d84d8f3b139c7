package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Task-related errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
	ErrTaskTerminal      = errors.New("task already in terminal state")

	// Envelope validation errors
	ErrMissingTaskID    = errors.New("missing task_id")
	ErrMissingTaskType  = errors.New("missing task_type")
	ErrMissingModelSpec = errors.New("missing model_spec")
	ErrMissingPayload   = errors.New("missing payload")
	ErrMissingCallback  = errors.New("missing callback")

	// Worker errors
	ErrWorkerBusy         = errors.New("worker busy")
	ErrWorkerShuttingDown = errors.New("worker shutting down")
	ErrNoWorkerAvailable  = errors.New("no capable worker available")
	ErrAdapterNotFound    = errors.New("no adapter registered for task type")

	// Discovery-related errors
	ErrServiceNotFound      = errors.New("service not found")
	ErrDiscoveryUnavailable = errors.New("discovery service unavailable")

	// Storage errors
	ErrObjectNotFound = errors.New("object not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// PlatformError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PlatformError struct {
	Op      string // Operation that failed (e.g., "store.SetTask")
	Kind    string // Error kind (e.g., "task", "queue", "storage")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *PlatformError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *PlatformError) Unwrap() error {
	return e.Err
}

// NewPlatformError creates a new PlatformError.
func NewPlatformError(op, kind string, err error) *PlatformError {
	return &PlatformError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDiscoveryUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrWorkerBusy) ||
		errors.Is(err, ErrNoWorkerAvailable)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, ErrAdapterNotFound)
}

// IsValidation checks if an error represents invalid submitter input.
// Validation failures are never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingTaskID) ||
		errors.Is(err, ErrMissingTaskType) ||
		errors.Is(err, ErrMissingModelSpec) ||
		errors.Is(err, ErrMissingPayload) ||
		errors.Is(err, ErrMissingCallback)
}
