package optimization

import (
	"errors"
	"fmt"
)

// Error kinds reported by the optimization packages. Match them with errors.Is.
var (
	// ErrValueOutOfRange reports a scalar outside its admissible range, such as
	// a problem dimension below one or a negative evaluation budget.
	ErrValueOutOfRange = errors.New("value out of range")
	// ErrUnrecognizedParameter reports an unknown optimizer parameter key.
	ErrUnrecognizedParameter = errors.New("unrecognized parameter")
	// ErrInvalidBounds reports a coordinate whose lower bound exceeds its upper bound.
	ErrInvalidBounds = errors.New("invalid bounds")
	// ErrDimensionMismatch reports a vector whose length differs from the problem dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrEvaluation reports a failure returned by the objective function.
	ErrEvaluation = errors.New("objective evaluation failed")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error, usually one of the Err* kinds above.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = e.Component + ": " + e.Op
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%v: %s", e.Err, msg)
		} else {
			msg = e.Err.Error()
		}
	}
	if prefix != "" {
		return prefix + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates an error of the given kind with a formatted message.
func NewError(kind error, format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     kind,
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError reports whether err, or any error it wraps, is an *Error.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
