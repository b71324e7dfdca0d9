package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// DefinitionError reports a malformed pipeline definition.
//
// It is raised at load time and is fatal: no run starts from a definition that
// failed to load. StepID and Reference name the offending step and the
// reference within it, when there is one.
type DefinitionError struct {
	// Source is the definition path or id.
	Source string

	// StepID is the step the problem was found in. Empty for workflow-level
	// problems such as a malformed input spec.
	StepID string

	// Reference is the offending name or expression, if any.
	Reference string

	// Reason describes the problem.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Unwrap returns the underlying error.
func (e *DefinitionError) Unwrap() error { return e.Err }

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("invalid definition")
	if e.Source != "" {
		fmt.Fprintf(&b, " %s", e.Source)
	}
	if e.StepID != "" {
		fmt.Fprintf(&b, ": step %q", e.StepID)
	}
	if e.Reference != "" {
		fmt.Fprintf(&b, ": %q", e.Reference)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// IsDefinitionError reports whether err is or wraps a [*DefinitionError].
func IsDefinitionError(err error) bool {
	var defErr *DefinitionError
	return errors.As(err, &defErr)
}
