package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Input errors
	ErrEmptyQuery   = errors.New("query is empty")
	ErrQueryTooLong = errors.New("query exceeds maximum length")

	// Worker-related errors
	ErrWorkerNotAvailable = errors.New("worker not available")
	ErrWorkerFailed       = errors.New("worker execution failed")

	// State errors
	ErrThreadNotFound  = errors.New("thread not found")
	ErrVersionConflict = errors.New("state version conflict")
	ErrStateCorrupted  = errors.New("state record corrupted")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrEngineClosed       = errors.New("engine is closed")

	// Dependency errors
	ErrStateStoreUnavailable = errors.New("state store unavailable")
	ErrLLMUnavailable        = errors.New("llm client unavailable")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")

	// Network errors
	ErrConnectionFailed = errors.New("connection failed")
)

// ErrorKind classifies an engine failure for retry decisions and for the
// user-visible error payload. Kinds are stable strings, not types.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindInvalidInput          ErrorKind = "invalid_input"
	KindIntentError           ErrorKind = "intent_error"
	KindPlanError             ErrorKind = "plan_error"
	KindWorkerFailed          ErrorKind = "worker_failed"
	KindWorkerTimeout         ErrorKind = "worker_timeout"
	KindDependencyFailed      ErrorKind = "dependency_failed"
	KindRunTimeout            ErrorKind = "run_timeout"
	KindCancelled             ErrorKind = "cancelled"
	KindStateStoreUnavailable ErrorKind = "state_store_unavailable"
	KindLLMUnavailable        ErrorKind = "llm_unavailable"
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op       string    // Operation that failed (e.g., "scheduler.Run")
	Kind     ErrorKind // Error kind from the taxonomy above
	ThreadID string    // Optional thread the error belongs to
	Message  string    // Human-readable message
	Err      error     // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ThreadID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ThreadID, e.Err)
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

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op string, kind ErrorKind, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// KindOf extracts the ErrorKind from an error chain. Errors without an
// EngineError in the chain map onto the closest sentinel-derived kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ee *EngineError
	if errors.As(err, &ee) && ee.Kind != KindNone {
		return ee.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrQueryTooLong):
		return KindInvalidInput
	case errors.Is(err, ErrStateStoreUnavailable):
		return KindStateStoreUnavailable
	case errors.Is(err, ErrLLMUnavailable):
		return KindLLMUnavailable
	case errors.Is(err, ErrTimeout):
		return KindWorkerTimeout
	case errors.Is(err, ErrWorkerFailed), errors.Is(err, ErrWorkerNotAvailable):
		return KindWorkerFailed
	default:
		return KindWorkerFailed
	}
}

// IsRetryable checks if an error is retryable at the engine level.
// Worker failures and timeouts are retried through the evaluator loop;
// storage unavailability is retryable at the commit site.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindWorkerFailed, KindWorkerTimeout, KindStateStoreUnavailable:
		return true
	default:
		return false
	}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound) ||
		errors.Is(err, ErrWorkerNotAvailable)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
