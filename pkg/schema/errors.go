package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeStepExecution       = "STEP_EXECUTION_ERROR"
	ErrCodeConditionEvaluation = "CONDITION_EVALUATION_ERROR"
	ErrCodeStrategyExhausted   = "STRATEGY_EXHAUSTED"
	ErrCodeLoopDetected        = "LOOP_DETECTED"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeWorkflowFailed      = "WORKFLOW_FAILED"

	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeStore       = "STORE_ERROR"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
)

// StrategyFailure records one strategy that was attempted and did not win.
type StrategyFailure struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

// FlowError is the structured error type for all browserflow operations.
// Terminal workflow failures always carry the step where they occurred and,
// for escalation failures, every strategy that was attempted.
type FlowError struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Step     string            `json:"step,omitempty"`
	Attempts []StrategyFailure `json:"attempts,omitempty"`
	Details  map[string]any    `json:"details,omitempty"`
	Cause    error             `json:"-"`
}

func (e *FlowError) Error() string {
	var b strings.Builder
	b.WriteString("[" + e.Code + "] ")
	if e.Step != "" {
		b.WriteString("step " + e.Step + ": ")
	}
	b.WriteString(e.Message)
	if len(e.Attempts) > 0 {
		parts := make([]string, len(e.Attempts))
		for i, a := range e.Attempts {
			parts[i] = a.Strategy + ": " + a.Reason
		}
		b.WriteString(" (attempted " + strings.Join(parts, "; ") + ")")
	}
	return b.String()
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error. An already set step is kept,
// so the innermost step that failed is the one reported.
func (e *FlowError) WithStep(step string) *FlowError {
	if e.Step == "" {
		e.Step = step
	}
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithAttempts attaches the list of strategies that were tried.
func (e *FlowError) WithAttempts(attempts []StrategyFailure) *FlowError {
	e.Attempts = attempts
	return e
}

// AsFlowError extracts a *FlowError from err. Errors that are not FlowErrors
// are wrapped with the fallback code.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// HasCode reports whether err is a FlowError carrying the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == code
}
