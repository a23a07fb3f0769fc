// Package errors provides classified error handling for the ingestion and
// correlation pipeline. Every error surfaced by a component is classified as
// transient (retry), invalid (quarantine candidate), or fatal (stop the
// consumer), and wrapped with component/method context.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass splits failures three ways: transient errors are retried with
// backoff, invalid errors are quarantine candidates, fatal errors stop the
// affected consumer.
type ErrorClass int

const (
	// ErrorTransient marks temporary failures worth retrying.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid marks failures caused by the input itself.
	ErrorInvalid
	// ErrorFatal marks unrecoverable failures that must stop processing.
	ErrorFatal
)

// String returns the lowercase class name.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables shared across pipeline components.
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Event errors
	ErrSchemaViolation   = errors.New("event failed schema validation")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrLateArrival       = errors.New("event arrived after watermark")
	ErrCausalityViolated = errors.New("event depends on a member not yet present")
	ErrUnknownStream     = errors.New("unknown event stream")
	ErrUnknownEventType  = errors.New("unknown event type")

	// Store errors
	ErrKeyNotFound        = errors.New("key not found")
	ErrRevisionConflict   = errors.New("revision conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Correlation errors
	ErrGroupClosed       = errors.New("convergence group already closed")
	ErrBelowThreshold    = errors.New("confidence below minimum threshold")
	ErrNoOpenGroup       = errors.New("no open group for canonical key")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Circuit breaker errors
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError attaches an ErrorClass and origin context to an error.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the wrapped error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrRevisionConflict) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Last resort: recognize common transient phrasing from drivers that
	// return bare errors.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "temporary", "try again"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// IsFatal reports whether err must stop the consumer.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrMaxRetriesExceeded)
}

// IsInvalid reports whether err was caused by the input itself.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrSchemaViolation) ||
		errors.Is(err, ErrCausalityViolated) ||
		errors.Is(err, ErrLateArrival) ||
		errors.Is(err, ErrUnknownStream) ||
		errors.Is(err, ErrUnknownEventType)
}

// Classify returns the class of err, defaulting to transient so that unknown
// errors are retried rather than dropped.
func Classify(err error) ErrorClass {
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// Wrap adds "component.method: action failed: err" context.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method, action string) error {
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, err, component, method, action)
}
