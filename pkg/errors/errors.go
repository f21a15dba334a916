package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the discriminator of the error taxonomy.
type Kind string

const (
	KindValidationFailed  Kind = "validation_failed"
	KindDuplicateIgnored  Kind = "duplicate_ignored"
	KindRateLimited       Kind = "rate_limited"
	KindPriceUnavailable  Kind = "price_unavailable"
	KindTransient         Kind = "transient"
	KindPrecisionError    Kind = "precision_error"
	KindPermanentFailure  Kind = "permanent_failure"
	KindSinkUnavailable   Kind = "sink_unavailable"
	KindInsufficientData  Kind = "insufficient_data"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
	KindUnknown           Kind = "unknown"
	KindCanceled          Kind = "canceled"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindConfigInvalid     Kind = "config_invalid"
	KindDependencyMissing Kind = "dependency_unavailable"
)

// Sentinels, one per kind. DomainError.Is matches them by kind.
var (
	// ErrValidationFailed indicates a payload schema or field constraint violation
	ErrValidationFailed = errors.New("validation failed")

	// ErrDuplicateIgnored indicates a second arrival of a known record
	ErrDuplicateIgnored = errors.New("duplicate ignored")

	// ErrRateLimited indicates the tenant exceeded its admission window
	ErrRateLimited = errors.New("rate limited")

	// ErrPriceUnavailable indicates no active price table covers the usage
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrTransient indicates a network or storage blip worth retrying
	ErrTransient = errors.New("transient failure")

	// ErrPrecisionError indicates decimal overflow or inexact arithmetic
	ErrPrecisionError = errors.New("decimal precision exceeded")

	// ErrPermanentFailure indicates retries are exhausted
	ErrPermanentFailure = errors.New("permanent failure")

	// ErrSinkUnavailable indicates the audit sink could not acknowledge
	ErrSinkUnavailable = errors.New("audit sink unavailable")

	// ErrInsufficientData indicates a series too short to forecast
	ErrInsufficientData = errors.New("insufficient data")

	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a write conflicting with existing state
	ErrConflict = errors.New("conflict")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrConfigInvalid indicates rejected configuration
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrDependencyUnavailable indicates a dependency could not be reached at startup
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

var sentinelKinds = map[error]Kind{
	ErrValidationFailed:      KindValidationFailed,
	ErrDuplicateIgnored:      KindDuplicateIgnored,
	ErrRateLimited:           KindRateLimited,
	ErrPriceUnavailable:      KindPriceUnavailable,
	ErrTransient:             KindTransient,
	ErrPrecisionError:        KindPrecisionError,
	ErrPermanentFailure:      KindPermanentFailure,
	ErrSinkUnavailable:       KindSinkUnavailable,
	ErrInsufficientData:      KindInsufficientData,
	ErrNotFound:              KindNotFound,
	ErrConflict:              KindConflict,
	ErrInternal:              KindInternal,
	ErrConfigInvalid:         KindConfigInvalid,
	ErrDependencyUnavailable: KindDependencyMissing,
}

// DomainError wraps an error with its taxonomy kind and the component that raised it
type DomainError struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	prefix := string(e.Kind)
	if e.Component != "" {
		prefix = e.Component + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind
func (e *DomainError) Is(target error) bool {
	kind, ok := sentinelKinds[target]
	return ok && kind == e.Kind
}

// NewDomainError creates a new domain error
func NewDomainError(kind Kind, component, message string, err error) *DomainError {
	return &DomainError{
		Kind:      kind,
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// E is shorthand for NewDomainError with a formatted message and no cause
func E(kind Kind, component, format string, args ...interface{}) *DomainError {
	return NewDomainError(kind, component, fmt.Sprintf(format, args...), nil)
}

// KindOf resolves the taxonomy kind of err through any wrapping
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidationFailed
	}

	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	}

	return KindUnknown
}

// ComponentOf returns the component recorded on the outermost DomainError, if any
func ComponentOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Component
	}
	return ""
}

// IsDeterministic reports whether retrying err can never succeed
func IsDeterministic(err error) bool {
	switch KindOf(err) {
	case KindValidationFailed, KindPrecisionError, KindDuplicateIgnored, KindRateLimited:
		return true
	default:
		return false
	}
}

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("validation error: field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Is lets errors.Is(err, ErrValidationFailed) match field errors
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// MultiError wraps multiple errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Unwrap exposes all collected errors to errors.Is/As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the list
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError returns the MultiError as an error, or nil if no errors
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
