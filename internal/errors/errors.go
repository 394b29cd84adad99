// Package errors provides structured error types for apex.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for apex. Each code corresponds to one of the observable
// failure kinds at the API boundary.
const (
	// Configuration errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Daemon errors
	CodeAlreadyRunning   Code = "ALREADY_RUNNING"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeLockFailed       Code = "LOCK_FAILED"
	CodeStartFailed      Code = "START_FAILED"
	CodePidFileCorrupted Code = "PID_FILE_CORRUPTED"

	// Resource errors
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"

	// Provider errors (LLM endpoint, container runtime, git)
	CodeProviderFailed Code = "PROVIDER_FAILED"

	// Budget / session errors
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	CodeSessionLimit   Code = "SESSION_LIMIT_REACHED"
	CodeMaxResumes     Code = "MAX_RESUME_ATTEMPTS"

	// Store-level errors
	CodeNotFound  Code = "NOT_FOUND"
	CodeDuplicate Code = "DUPLICATE"

	// Contract violations
	CodeIllegalState      Code = "ILLEGAL_STATE"
	CodeInternalInvariant Code = "INTERNAL_INVARIANT"
)

// Error is the structured error type for apex.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var ae *Error
	if stderrors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error is not an *Error.
func AsError(err error) *Error {
	var ae *Error
	if stderrors.As(err, &ae) {
		return ae
	}
	return nil
}

// --- Error constructors ---

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in the current project",
		Fix:  "Run 'apex list' to see available tasks, or create one with 'apex new'",
	}
}

// ErrNotFound returns a NotFound error for any record kind.
func ErrNotFound(kind, id string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("%s %s not found", kind, id),
		Why:  fmt.Sprintf("No %s with this ID exists in the current project", kind),
	}
}

// ErrDuplicateTask returns an error when a task ID already exists.
func ErrDuplicateTask(id string) *Error {
	return &Error{
		Code: CodeDuplicate,
		What: fmt.Sprintf("task %s already exists", id),
		Why:  "Task IDs must be unique within a project",
		Fix:  "Omit the ID to have one generated, or choose a different ID",
	}
}

// ErrIllegalTransition returns an error for an invalid status transition.
func ErrIllegalTransition(id, from, to string) *Error {
	return &Error{
		Code: CodeIllegalState,
		What: fmt.Sprintf("task %s cannot move from '%s' to '%s'", id, from, to),
		Why:  "The requested status transition violates the task lifecycle",
		Fix:  fmt.Sprintf("Check 'apex list' for the current state of %s", id),
	}
}

// ErrArchiveNotCompleted returns an error when archiving a non-completed task.
func ErrArchiveNotCompleted(id, status string) *Error {
	return &Error{
		Code: CodeIllegalState,
		What: fmt.Sprintf("task %s cannot be archived", id),
		Why:  fmt.Sprintf("Only completed tasks may be archived; task is '%s'", status),
		Fix:  "Wait for the task to complete, or trash it instead",
	}
}

// ErrAlreadyRunning returns an error when another daemon owns the project.
func ErrAlreadyRunning(pid int, projectPath string) *Error {
	return &Error{
		Code: CodeAlreadyRunning,
		What: fmt.Sprintf("another apex daemon is already running (pid %d)", pid),
		Why:  fmt.Sprintf("A live daemon holds the PID file for %s", projectPath),
		Fix:  "Stop the running daemon with 'apex daemon stop' before starting a new one",
	}
}

// ErrPidFileCorrupted returns an error for an unparseable PID file.
func ErrPidFileCorrupted(path string, cause error) *Error {
	return &Error{
		Code:  CodePidFileCorrupted,
		What:  "daemon PID file is corrupted",
		Why:   fmt.Sprintf("Could not parse %s", path),
		Fix:   "Remove the file manually if no daemon is running",
		Cause: cause,
	}
}

// ErrBudgetExceeded returns an error when a cost budget is crossed.
func ErrBudgetExceeded(id string, cost, limit float64) *Error {
	return &Error{
		Code: CodeBudgetExceeded,
		What: fmt.Sprintf("task %s exceeded its cost budget", id),
		Why:  fmt.Sprintf("Accumulated cost $%.2f is over the $%.2f limit", cost, limit),
		Fix:  "Raise max_cost_per_task in .apex/config.yaml, or split the task",
	}
}

// ErrSessionLimit returns the error that pauses a task at a session limit.
func ErrSessionLimit(id, stage string) *Error {
	return &Error{
		Code: CodeSessionLimit,
		What: fmt.Sprintf("task %s reached the session context limit during %s", id, stage),
		Why:  "The conversation is near the provider's context window",
		Fix:  "The task was checkpointed and paused; it will auto-resume",
	}
}

// ErrMaxResumeAttempts returns the terminal error for a resume-exhausted task.
func ErrMaxResumeAttempts(id string, attempts, max int) *Error {
	return &Error{
		Code: CodeMaxResumes,
		What: fmt.Sprintf("task %s exhausted its resume attempts (%d/%d)", id, attempts, max),
		Why:  "Repeated session-limit or usage-limit pauses without completing",
		Fix:  "Inspect the task logs, then reset resume attempts manually to retry",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .apex/config.yaml and fix the invalid field",
	}
}

// ErrDependencyCycle returns an error when task dependencies form a cycle.
func ErrDependencyCycle(id string, cycle []string) *Error {
	return &Error{
		Code: CodeIllegalState,
		What: fmt.Sprintf("dependencies of task %s form a cycle", id),
		Why:  fmt.Sprintf("Cycle: %s", strings.Join(cycle, " -> ")),
		Fix:  "Remove one of the dependencies to break the cycle",
	}
}

// ErrProviderFailed wraps an external collaborator failure.
func ErrProviderFailed(what string, cause error) *Error {
	return &Error{
		Code:  CodeProviderFailed,
		What:  what,
		Cause: cause,
	}
}

// Wrap wraps a generic error into an Error with internal code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  CodeInternalInvariant,
		What:  what,
		Cause: err,
	}
}
