package cli

import (
	"errors"
	"fmt"

	"pipewright/internal/report"
)

// Process exit codes. Completed, failed and blocked runs map through
// [report.Outcome.ExitCode]; ExitCannotRun covers everything that stops a
// run before its first step.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitBlocked   = 2
	ExitCannotRun = report.ExitCannotRun
)

// ExitError represents a command execution failure with a specific exit code.
//
// This error type allows Cobra RunE functions to signal non-zero exit codes
// without calling os.Exit() directly, enabling testable CLI behavior.
// When a command fails, it returns NewExitError(code) or an ExitError with a
// cause, which propagates up to [RunWithConfig] where [IsExitError] extracts
// the code for [ExecuteResult].
//
// The run command maps the report outcome onto the code: [ExitFailed] for a
// failed run, [ExitBlocked] for a blocked one and [ExitCannotRun] when the
// definition, the inputs or the confirmation stopped the run before its
// first step.
//
// Testability benefit: Tests can assert on exit codes without process termination.
// The [Execute] function handles the actual os.Exit() call based on the code.
type ExitError struct {
	// Code is the exit code to return to the shell.
	// Convention: 0 = completed, 1 = failed, 2 = blocked, 3 = could not run.
	Code int

	// Err is the cause, if any. It has already been reported to the user.
	Err error
}

// Error implements the error interface, returning a string in the format
// "exit status N" where N is the exit code, followed by ": cause" when the
// error carries one. The bare format matches the standard os/exec ExitError
// format for consistency with subprocess exit messages.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the cause.
func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an [ExitError] with the given exit code and no cause.
//
// Use this in Cobra RunE functions when the failure has already been shown
// to the user, typically through the run report:
//
//	if code := rep.Outcome.ExitCode(); code != ExitCompleted {
//	    return NewExitError(code)  // 1 failed, 2 blocked
//	}
//
// Failures that should keep their cause for callers and tests are returned
// as &ExitError{Code: code, Err: err} instead.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// cannotRun wraps err as an [ExitCannotRun] failure.
func cannotRun(err error) *ExitError {
	return &ExitError{Code: ExitCannotRun, Err: err}
}

// IsExitError checks if an error is or wraps an [ExitError] and extracts its
// exit code.
//
// Returns (code, true) if err's chain contains an *ExitError, allowing the
// caller to handle the specific exit code. Returns (0, false) for nil or
// other errors.
//
// Typical usage when executing the root command for [RunWithConfig]:
//
//	if err := cmd.Execute(); err != nil {
//	    if code, ok := IsExitError(err); ok {
//	        return ExecuteResult{ExitCode: code, Err: err}
//	    }
//	    return ExecuteResult{ExitCode: ExitFailed, Err: err}  // generic error
//	}
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
