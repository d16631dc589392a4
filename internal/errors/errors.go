package errors

import (
	"fmt"
)

// LoreError is the structured error type for lorekeep.
// It provides context for error handling, logging, and API presentation.
type LoreError struct {
	// Kind is the stable machine-readable identifier (e.g. "embed_failed").
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Storage, Provider, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *LoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *LoreError) Unwrap() error {
	return e.Cause
}

// Is matches two LoreErrors by kind, enabling errors.Is.
func (e *LoreError) Is(target error) bool {
	if t, ok := target.(*LoreError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *LoreError) WithDetail(key, value string) *LoreError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *LoreError) WithSuggestion(suggestion string) *LoreError {
	e.Suggestion = suggestion
	return e
}

// New creates a LoreError with the given kind and message.
// Category, severity, and the retryable flag are derived from the kind.
func New(kind Kind, message string, cause error) *LoreError {
	return &LoreError{
		Kind:      kind,
		Message:   message,
		Category:  categoryFromKind(kind),
		Severity:  severityFromKind(kind),
		Cause:     cause,
		Retryable: isRetryableKind(kind),
	}
}

// Newf creates a LoreError with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *LoreError {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a LoreError from an existing error.
// The wrapped error's message becomes the LoreError message.
func Wrap(kind Kind, err error) *LoreError {
	if err == nil {
		return nil
	}
	return New(kind, err.Error(), err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(kind Kind, err error, format string, args ...any) *LoreError {
	if err == nil {
		return nil
	}
	return New(kind, fmt.Sprintf(format, args...), err)
}

// NotFound creates a not_found error for an entity.
func NotFound(entity, id string) *LoreError {
	return Newf(KindNotFound, "%s not found: %s", entity, id).WithDetail("id", id)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *LoreError {
	return New(KindUnauthorized, message, nil)
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *LoreError {
	return New(KindForbidden, message, nil)
}

// InvalidInput creates a validation error.
func InvalidInput(message string) *LoreError {
	return New(KindInvalidInput, message, nil)
}

// IsRetryable checks if an error is retryable.
// Returns true only for a LoreError with the Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if le, ok := err.(*LoreError); ok {
		return le.Retryable
	}
	return false
}

// IsKind reports whether err is a LoreError of the given kind,
// walking the Unwrap chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if le, ok := err.(*LoreError); ok && le.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// GetKind extracts the kind from an error chain.
// Returns KindInternal when no LoreError is present.
func GetKind(err error) Kind {
	for err != nil {
		if le, ok := err.(*LoreError); ok {
			return le.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}

// GetCategory extracts the category from a LoreError.
// Returns CategoryInternal if err is not a LoreError.
func GetCategory(err error) Category {
	if le, ok := err.(*LoreError); ok {
		return le.Category
	}
	return CategoryInternal
}
