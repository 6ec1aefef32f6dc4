package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies operational failures that happen outside the HTTP
// request path: reading provisioning sources, unsealing credentials,
// seeding the store. The request path speaks ProblemDetails; these types
// exist so startup and the import tooling can say what kind of failure
// stopped them.
type ErrorType string

const (
	ErrTypeNetwork  ErrorType = "NETWORK"
	ErrTypeParsing  ErrorType = "PARSING"
	ErrTypeStorage  ErrorType = "STORAGE"
	ErrTypeNotFound ErrorType = "NOT_FOUND"
	ErrTypeConfig   ErrorType = "CONFIG"
)

// AppError carries a failure classification plus free-form context for
// the reporting site's log line. It wraps its cause, so errors.Is and
// errors.As see through it.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithContext attaches a key/value pair for structured logging where the
// error is finally reported.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewAppError builds a classified error. The typed constructors below are
// the usual entry points.
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{Type: errType, Message: message, Cause: cause}
}

// NewNetworkError marks a failure reaching a remote dependency, such as
// the Sheets API.
func NewNetworkError(message string, cause error) *AppError {
	return NewAppError(ErrTypeNetwork, message, cause)
}

// NewParsingError marks malformed input from a provisioning source.
func NewParsingError(message string, cause error) *AppError {
	return NewAppError(ErrTypeParsing, message, cause)
}

// NewStorageError marks a persistence failure outside the request path.
func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewNotFoundError marks a missing file or resource.
func NewNotFoundError(resource string, cause error) *AppError {
	return NewAppError(ErrTypeNotFound, resource+" not found", cause)
}

// NewConfigError marks configuration discovered to be unusable at the
// point of use rather than at load time.
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

// AsAppError extracts the classification from an error chain. Callers use
// it to pick log wording; an unclassified error simply reports false.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
