// Package agent defines the request/response contract between the engine and
// the external executors ("agents") that perform each step's work.
//
// The engine treats an executor as opaque: it sends a role, an instructions
// payload it never interprets, a mode flag and a slice of the run context, and
// receives an [Outcome], outputs for later steps and an optional requested
// lifecycle state. Implementations live elsewhere (see the claude package);
// [MockExecutor] is a scripted executor for tests.
package agent

import (
	"context"
	"fmt"

	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

// Outcome is the result status reported by an executor.
type Outcome string

const (
	// OutcomeSucceeded means the step did its work.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the step could not do its work. The run continues.
	OutcomeFailed Outcome = "failed"

	// OutcomeBlocked is a business-rule halt that needs human action. No
	// later step runs.
	OutcomeBlocked Outcome = "blocked"
)

// IsValid reports whether o is a known outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeBlocked:
		return true
	}
	return false
}

// Modes understood by the bundled executors. The engine forwards the mode
// without interpreting it.
const (
	ModeImplement   = "implement"
	ModeCommentOnly = "comment-only"
)

// Request is one executor invocation.
type Request struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// StepID is the step being executed.
	StepID string `json:"step_id"`

	// Role is the agent role bound to the step.
	Role string `json:"role"`

	// Instructions is forwarded verbatim.
	Instructions string `json:"instructions,omitempty"`

	// Mode is forwarded verbatim, e.g. [ModeCommentOnly].
	Mode string `json:"mode,omitempty"`

	// WorkItem is the run's work item.
	WorkItem tracker.ItemRef `json:"work_item"`

	// Item is the fan-out item this invocation handles. Nil for single steps.
	Item *tracker.ItemRef `json:"item,omitempty"`

	// Branch is the zero-based fan-out index.
	Branch int `json:"branch"`

	// Context is the slice of run values the step declared as inputs.
	Context map[string]any `json:"context,omitempty"`
}

// Target returns the item this invocation acts on: the fan-out item if any,
// otherwise the run's work item.
func (r Request) Target() tracker.ItemRef {
	if r.Item != nil {
		return *r.Item
	}
	return r.WorkItem
}

// Child is a child item an executor created or asks the engine to create.
// A child without a Ref is created through the tracker by the engine.
type Child struct {
	Ref      tracker.ItemRef `json:"ref,omitzero"`
	Category string          `json:"category"`
	Body     string          `json:"body,omitempty"`
}

// Link kinds with special meaning in reports. Other kinds are recorded as
// plain links.
const (
	LinkPullRequest = "pull-request"
)

// Link is an external artifact produced by a step, e.g. a pull request.
type Link struct {
	Kind  string `json:"kind"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Response is an executor's answer.
type Response struct {
	// Status is the outcome of the step.
	Status Outcome `json:"status"`

	// Outputs are readable by later steps as "<step>.<key>".
	Outputs map[string]any `json:"outputs,omitempty"`

	// RequestedState is a suggested lifecycle transition for the target
	// item. Empty means none. The engine decides whether it happens.
	RequestedState status.Status `json:"requested_state,omitempty"`

	// Reason explains a Blocked or Failed outcome. It is reported verbatim.
	Reason string `json:"reason,omitempty"`

	// Children are child items created or requested by the step.
	Children []Child `json:"children,omitempty"`

	// Links are other artifacts produced by the step.
	Links []Link `json:"links,omitempty"`
}

// Validate checks the response fields the engine relies on.
func (r Response) Validate() error {
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid outcome %q", r.Status)
	}
	if r.RequestedState != "" && !r.RequestedState.IsValid() {
		return fmt.Errorf("invalid requested state %q", r.RequestedState)
	}
	for i, c := range r.Children {
		if c.Category == "" && c.Ref.IsZero() {
			return fmt.Errorf("child %d has neither a reference nor a category", i)
		}
	}
	return nil
}

// Executor performs a step. A returned error means the executor could not be
// reached or crashed; the dispatcher records it as a Failed result.
type Executor interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f ExecutorFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
