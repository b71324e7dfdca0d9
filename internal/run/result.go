package run

import (
	"strconv"
	"time"

	"pipewright/internal/agent"
	"pipewright/internal/lifecycle"
	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

// StepStatus is the recorded outcome of a step or fan-out branch.
type StepStatus string

const (
	StatusSucceeded StepStatus = "succeeded"
	StatusSkipped   StepStatus = "skipped"
	StatusBlocked   StepStatus = "blocked"
	StatusFailed    StepStatus = "failed"
)

// Title returns the display form, e.g. "Succeeded".
func (s StepStatus) Title() string {
	switch s {
	case StatusSucceeded:
		return "Succeeded"
	case StatusSkipped:
		return "Skipped"
	case StatusBlocked:
		return "Blocked"
	case StatusFailed:
		return "Failed"
	}
	return string(s)
}

// FromOutcome maps an executor outcome to a step status.
func FromOutcome(o agent.Outcome) StepStatus {
	switch o {
	case agent.OutcomeSucceeded:
		return StatusSucceeded
	case agent.OutcomeBlocked:
		return StatusBlocked
	}
	return StatusFailed
}

// StepResult is the outcome of one step, or of one branch of a fan-out step.
type StepResult struct {
	StepID string     `json:"step_id" yaml:"step_id"`
	Role   string     `json:"role,omitempty" yaml:"role,omitempty"`
	Status StepStatus `json:"status" yaml:"status"`

	// Item is the fan-out item; nil for single steps and skipped fan-outs.
	Item   *tracker.ItemRef `json:"item,omitempty" yaml:"item,omitempty"`
	Branch int              `json:"branch,omitempty" yaml:"branch,omitempty"`
	FanOut bool             `json:"fan_out,omitempty" yaml:"fan_out,omitempty"`

	Outputs        map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	RequestedState status.Status  `json:"requested_state,omitempty" yaml:"requested_state,omitempty"`

	// Reason is the executor's verbatim explanation for Blocked or Failed.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// Note explains a skip or an engine-side problem, e.g. a rejected
	// state request.
	Note string `json:"note,omitempty" yaml:"note,omitempty"`

	Transition *lifecycle.Transition `json:"transition,omitempty" yaml:"transition,omitempty"`

	Attempts int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// IsFanOutBranch reports whether r belongs to a fan-out item.
func (r StepResult) IsFanOutBranch() bool { return r.Item != nil || r.FanOut }

// Label identifies the result in summaries: "B", "B[42-1]" for an item
// branch, or "B[#2]" for a branch over a plain value.
func (r StepResult) Label() string {
	switch {
	case r.Item != nil:
		return r.StepID + "[" + r.Item.Key() + "]"
	case r.FanOut:
		return r.StepID + "[#" + strconv.Itoa(r.Branch+1) + "]"
	}
	return r.StepID
}

// ArtifactKind classifies run artifacts.
type ArtifactKind string

const (
	ArtifactChildItem   ArtifactKind = "child-item"
	ArtifactPullRequest ArtifactKind = "pull-request"
	ArtifactAnnotation  ArtifactKind = "annotation"
	ArtifactLink        ArtifactKind = "link"
)

// Artifact is something a run created or recorded outside itself.
type Artifact struct {
	Kind     ArtifactKind    `json:"kind" yaml:"kind"`
	StepID   string          `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Ref      tracker.ItemRef `json:"ref,omitzero" yaml:"ref,omitempty"`
	URL      string          `json:"url,omitempty" yaml:"url,omitempty"`
	Category string          `json:"category,omitempty" yaml:"category,omitempty"`
	Note     string          `json:"note,omitempty" yaml:"note,omitempty"`
}
