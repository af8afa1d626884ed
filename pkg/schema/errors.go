package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Validation errors: bad input shape, caught before any state executes.
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeArityMismatch = "ARITY_MISMATCH"

	// Action errors: failure during a single action.
	ErrCodeExecution     = "EXECUTION_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeExpression    = "EXPRESSION_ERROR"
	ErrCodeInterpolation = "INTERPOLATION_ERROR"

	// Executor errors: structural failure of the run itself, always fatal.
	ErrCodeCycleLimit   = "CYCLE_LIMIT_EXCEEDED"
	ErrCodeNestingDepth = "NESTING_DEPTH_EXCEEDED"

	// Supporting layers.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeAgent             = "AGENT_ERROR"
	ErrCodeAborted           = "ABORTED"
)

// MachinaError is the structured error type for all machina operations.
type MachinaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StateID string         `json:"state_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *MachinaError) Error() string {
	if e.StateID != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.StateID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MachinaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new MachinaError.
func NewError(code, message string) *MachinaError {
	return &MachinaError{Code: code, Message: message}
}

// NewErrorf creates a new MachinaError with a formatted message.
func NewErrorf(code, format string, args ...any) *MachinaError {
	return &MachinaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches a state ID to the error.
func (e *MachinaError) WithState(stateID string) *MachinaError {
	e.StateID = stateID
	return e
}

// WithCause attaches an underlying cause.
func (e *MachinaError) WithCause(err error) *MachinaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MachinaError) WithDetails(details map[string]any) *MachinaError {
	e.Details = details
	return e
}

// ErrorCode extracts the machina error code from err, or "" if err is not
// a MachinaError.
func ErrorCode(err error) string {
	var me *MachinaError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsTimeout reports whether err is an action timeout.
func IsTimeout(err error) bool {
	return ErrorCode(err) == ErrCodeTimeout
}
