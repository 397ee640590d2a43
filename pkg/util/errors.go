// Package util provides logging, common error types, and the bounded retry
// combinator shared by the session, precheck and upgrade packages.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrNotConnected      = errors.New("device not connected")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrValidationFailed  = errors.New("validation failed")
	ErrUnsupported       = errors.New("operation not supported by provider")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrDuplicateTarget   = errors.New("duplicate device target")
	ErrQueryParseFailure = errors.New("unable to parse device query output")
)

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// ParseError reports device output that could not be interpreted.
type ParseError struct {
	Query  string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s output: %s", e.Query, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return ErrQueryParseFailure
}

// NewParseError creates a parse error for the named query.
func NewParseError(query, format string, args ...interface{}) *ParseError {
	return &ParseError{Query: query, Detail: fmt.Sprintf(format, args...)}
}
