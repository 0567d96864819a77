// Package errors provides the structured error type used throughout Loom.
// Every error carries a category (which component raised it) and a code
// (what kind of failure it is) so callers can branch without string
// matching and the API boundary can map failures to responses.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies errors by component.
type Category string

const (
	CategorySchema   Category = "SCHEMA"
	CategoryQuery    Category = "QUERY"
	CategoryTable    Category = "TABLE"
	CategoryStorage  Category = "STORAGE"
	CategorySurface  Category = "SURFACE"
	CategoryInternal Category = "INTERNAL"
)

// Error codes shared across categories.
const (
	// CodeMalformed marks bad input: query syntax, sort tokens, type
	// declarations, invalid schemas.
	CodeMalformed = "MALFORMED"

	// CodeNotFound marks a missing schema or record where presence was
	// required.
	CodeNotFound = "NOT_FOUND"

	// CodeNotSupported marks an operation the active backend or evaluator
	// cannot perform.
	CodeNotSupported = "NOT_SUPPORTED"

	// CodeConflict marks invariant violations: duplicate table names,
	// multiple rows where uniqueness was assumed.
	CodeConflict = "CONFLICT"

	// CodeUnexpected marks internal storage failures.
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type.
type Error struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(category Category, code, format string, args ...interface{}) *Error {
	return &Error{Category: category, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *Error {
	return &Error{Category: category, Code: code, Message: message, Cause: cause}
}

// Code extracts the error code from an error chain, or "" when the chain
// holds no structured error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As finds the first structured error in the chain.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// IsNotFound reports whether the error chain carries a NOT_FOUND code.
func IsNotFound(err error) bool { return Code(err) == CodeNotFound }

// IsMalformed reports whether the error chain carries a MALFORMED code.
func IsMalformed(err error) bool { return Code(err) == CodeMalformed }

// IsNotSupported reports whether the error chain carries a NOT_SUPPORTED code.
func IsNotSupported(err error) bool { return Code(err) == CodeNotSupported }

// IsConflict reports whether the error chain carries a CONFLICT code.
func IsConflict(err error) bool { return Code(err) == CodeConflict }

// Convenience constructors for common cases.

func Malformed(category Category, format string, args ...interface{}) *Error {
	return Newf(category, CodeMalformed, format, args...)
}

func NotFound(category Category, format string, args ...interface{}) *Error {
	return Newf(category, CodeNotFound, format, args...)
}

func NotSupported(category Category, format string, args ...interface{}) *Error {
	return Newf(category, CodeNotSupported, format, args...)
}

func Conflict(category Category, format string, args ...interface{}) *Error {
	return Newf(category, CodeConflict, format, args...)
}

func Internal(message string, cause error) *Error {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}

func Storage(message string, cause error) *Error {
	return Wrap(CategoryStorage, CodeUnexpected, message, cause)
}
