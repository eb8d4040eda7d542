package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeScheduler           = "SCHEDULER_ERROR"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeInterpolation       = "INTERPOLATION_ERROR"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeExecutorUnavailable = "EXECUTOR_UNAVAILABLE"
	ErrCodeExecution           = "EXECUTION_ERROR"
)

// LoomError is the structured error type for all loom operations.
type LoomError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Cause    error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *LoomError) WithStep(stepID string) *LoomError {
	e.StepID = stepID
	return e
}

// WithAttempts records how many executor attempts preceded the error.
func (e *LoomError) WithAttempts(n int) *LoomError {
	e.Attempts = n
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}

// IsRetryable reports whether another executor attempt could plausibly
// succeed. Validation-class failures and timeouts are terminal; transient
// execution and infrastructure failures are worth retrying.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeStepFailed, ErrCodeStore, ErrCodeScheduler:
		return true
	}
	return false
}

// IsCode reports whether err is a *LoomError carrying the given code.
func IsCode(err error, code string) bool {
	le, ok := err.(*LoomError)
	return ok && le.Code == code
}
