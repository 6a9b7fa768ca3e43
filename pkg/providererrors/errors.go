// Package providererrors implements the structured error taxonomy used
// across the provider agent: environment faults, transient WDA network
// trouble, child-process death, wire-protocol violations, and programmer
// errors, per the recovery policy of the error handling design.
package providererrors

import "fmt"

// ErrorCategory classifies an error for recovery-policy and logging purposes.
type ErrorCategory int

const (
	CategoryNone ErrorCategory = iota // no error
	CategoryEnvironment
	CategoryTransientNetwork
	CategoryChildProcessDeath
	CategoryProtocol
	CategoryProgrammer
)

// String returns the string representation of ErrorCategory.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryEnvironment:
		return "environment"
	case CategoryTransientNetwork:
		return "transient_network"
	case CategoryChildProcessDeath:
		return "child_process_death"
	case CategoryProtocol:
		return "protocol"
	case CategoryProgrammer:
		return "programmer"
	default:
		return "unknown"
	}
}

// ProviderError is a structured error with category and details, in the
// same shape as the teacher's ExecutionError.
type ProviderError struct {
	Category ErrorCategory
	Code     string                 // machine-readable: missing_tool, wda_unreachable, ...
	Message  string                 // human-readable
	Details  map[string]interface{} // additional context (udid, port, ...)
	Cause    error                  // underlying error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error with the given cause.
func (e *ProviderError) WithCause(cause error) *ProviderError {
	return &ProviderError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	return &ProviderError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *ProviderError) WithDetails(details map[string]interface{}) *ProviderError {
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ProviderError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors, one per recurring fault named in the error handling
// design.
var (
	// Environment errors
	ErrMissingTool = &ProviderError{
		Category: CategoryEnvironment,
		Code:     "missing_tool",
		Message:  "required child tool not found",
	}
	ErrLaunchTooFast = &ProviderError{
		Category: CategoryEnvironment,
		Code:     "launch_too_fast",
		Message:  "launch failed within the environmental-fault window",
	}
	ErrRestartBudgetExceeded = &ProviderError{
		Category: CategoryEnvironment,
		Code:     "restart_budget_exceeded",
		Message:  "exceeded maximum failed launch attempts",
	}

	// Transient network errors
	ErrWDAUnreachable = &ProviderError{
		Category: CategoryTransientNetwork,
		Code:     "wda_unreachable",
		Message:  "could not reach WebDriverAgent",
	}
	ErrHealthcheckTimeout = &ProviderError{
		Category: CategoryTransientNetwork,
		Code:     "healthcheck_timeout",
		Message:  "WebDriverAgent healthcheck timed out",
	}

	// Child-process death
	ErrChildExited = &ProviderError{
		Category: CategoryChildProcessDeath,
		Code:     "child_exited",
		Message:  "a supervised child process exited unexpectedly",
	}

	// Protocol errors
	ErrNotPNG = &ProviderError{
		Category: CategoryProtocol,
		Code:     "not_png",
		Message:  "screenshot response was not PNG",
	}
	ErrMalformedResponse = &ProviderError{
		Category: CategoryProtocol,
		Code:     "malformed_response",
		Message:  "malformed WDA response payload",
	}

	// Programmer errors
	ErrAlreadyStopped = &ProviderError{
		Category: CategoryProgrammer,
		Code:     "already_stopped",
		Message:  "stop called on an already-stopped supervisor",
	}
	ErrChildrenAlreadyRunning = &ProviderError{
		Category: CategoryProgrammer,
		Code:     "children_already_running",
		Message:  "launch invoked while prior children are still tracked",
	}
)

// New creates a new ProviderError with the given parameters.
func New(category ErrorCategory, code, message string) *ProviderError {
	return &ProviderError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}
