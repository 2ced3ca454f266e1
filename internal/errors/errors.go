// Package errors defines structured error types returned by the entity store.
//
// Every error carries an [ErrorCode]. ErrorCode implements error, so callers
// match on the category with the standard library:
//
//	if errors.Is(err, dberrors.ErrConflict) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode defines specific error categories for the store.
type ErrorCode string

// Error implements error so that an ErrorCode can be used as an errors.Is target.
func (c ErrorCode) Error() string {
	return string(c)
}

const (
	// ErrValidationFailed is returned when an argument is malformed.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"

	// ErrNotFound is returned when an entity is not found. It also matches
	// ErrPropertyNotFound and ErrResourceNotFound.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrPropertyNotFound is returned when a named property does not exist.
	ErrPropertyNotFound ErrorCode = "PROPERTY_NOT_FOUND"
	// ErrResourceNotFound is returned when a resource file does not exist.
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	// ErrConflict is returned when a write carries a stale revision.
	ErrConflict ErrorCode = "CONFLICT"
	// ErrSchema is returned when a record type has missing or invalid tags.
	ErrSchema ErrorCode = "SCHEMA_ERROR"
	// ErrSecurity is returned when a resource path escapes its root.
	ErrSecurity ErrorCode = "SECURITY_VIOLATION"
	// ErrPropertyProtected is returned on an attempt to mutate a protected field.
	ErrPropertyProtected ErrorCode = "PROPERTY_PROTECTED"
	// ErrStorageError is returned when a filesystem operation fails.
	ErrStorageError ErrorCode = "STORAGE_ERROR"
)

// Error is a concrete error type with code, message and optional details.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	for k, v := range details {
		e.details[k] = v
	}
	return e
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Message returns the message without the wrapped cause.
func (e *Error) Message() string {
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is this error's code. ErrNotFound also matches
// the property and resource variants.
func (e *Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	if !ok {
		return false
	}
	if code == e.code {
		return true
	}
	return code == ErrNotFound && (e.code == ErrPropertyNotFound || e.code == ErrResourceNotFound)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return ""
}

// Predefined error constructors for common cases

// NotFound creates an entity not found error.
func NotFound(what string) *Error {
	return New(ErrNotFound, fmt.Sprintf("%s not found", what))
}

// PropertyNotFound creates a property not found error.
func PropertyNotFound(name string) *Error {
	return New(ErrPropertyNotFound, fmt.Sprintf("Property '%s' not found.", name)).WithDetail("property", name)
}

// ResourceNotFound creates a resource not found error.
func ResourceNotFound(path string) *Error {
	return New(ErrResourceNotFound, fmt.Sprintf("Resource '%s' not found.", path)).WithDetail("path", path)
}

// Conflict creates the stale revision error.
func Conflict() *Error {
	return New(ErrConflict, "Invalid revision. Reload object and try again.")
}

// Security creates a path traversal error naming the offending path.
func Security(path string) *Error {
	return New(ErrSecurity, fmt.Sprintf("Cannot work with resources from a higher file structure. (%s)", path)).WithDetail("path", path)
}

// PropertyProtected creates the error returned on an update of a protected
// property. kind is the tag kind, e.g. "Id" or "Revision".
func PropertyProtected(kind, name string) *Error {
	return New(ErrPropertyProtected, fmt.Sprintf("Update of @%s annotated property '%s' is not allowed.", kind, name)).
		WithDetail("property", name)
}

// Schema creates a schema error.
func Schema(format string, args ...any) *Error {
	return Newf(ErrSchema, format, args...)
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return Newf(ErrValidationFailed, format, args...)
}

// Storage creates a storage error wrapping the underlying I/O failure.
func Storage(message string, err error) *Error {
	return New(ErrStorageError, message).Wrap(err)
}
