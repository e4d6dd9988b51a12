// Package errors provides standardized error messaging for witgen
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryUnsatisfiable ErrorCategory = "UNSATISFIABLE"
	CategoryLayout        ErrorCategory = "LAYOUT"
	CategoryInstantiation ErrorCategory = "INSTANTIATION"
	CategoryInternal      ErrorCategory = "INTERNAL"
	CategoryInput         ErrorCategory = "INPUT"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newStandardError(2, category, code, message, context)
}

func newStandardError(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Is matches errors of the same category and code, so callers can test with
// errors.Is against the sentinel constructors below.
func (e *StandardError) Is(target error) bool {
	var t *StandardError
	if !errors.As(target, &t) {
		return false
	}

	return e.Category == t.Category && (t.Code == "" || e.Code == t.Code)
}

// Common error constructors
func UnsatisfiableRequirement(requirement, function string) *StandardError {
	return newStandardError(2, CategoryUnsatisfiable, "NO_FULFILLMENT",
		fmt.Sprintf("Requirement %s of %s has no fulfillment and no explicit parameter", requirement, function),
		map[string]interface{}{"requirement": requirement, "function": function})
}

func LayoutMismatch(conformance, detail string) *StandardError {
	return newStandardError(2, CategoryLayout, "WITNESS_MISMATCH",
		fmt.Sprintf("Witnesses of %s do not match the protocol layout: %s", conformance, detail),
		map[string]interface{}{"conformance": conformance, "detail": detail})
}

func InstantiationMismatch(table string, expected, got int) *StandardError {
	return newStandardError(2, CategoryInstantiation, "BAD_WITNESS_TABLE_COUNT",
		fmt.Sprintf("Instantiating %s: expected %d conditional witness tables, got %d", table, expected, got),
		map[string]interface{}{"table": table, "expected": expected, "got": got})
}

func ImpossiblePath(path string) *StandardError {
	return newStandardError(2, CategoryInternal, "IMPOSSIBLE_PATH",
		fmt.Sprintf("Following impossible metadata path %s", path),
		map[string]interface{}{"path": path})
}

func Internal(format string, args ...interface{}) *StandardError {
	return newStandardError(2, CategoryInternal, "INTERNAL", fmt.Sprintf(format, args...), nil)
}

func InvalidInput(format string, args ...interface{}) *StandardError {
	return newStandardError(2, CategoryInput, "INVALID_INPUT", fmt.Sprintf(format, args...), nil)
}

// Recover converts a panic carrying a *StandardError into a returned error.
// Other panics are re-raised. Use as: defer errors.Recover(&err).
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}

	if se, ok := r.(*StandardError); ok {
		*err = se
		return
	}

	panic(r)
}
