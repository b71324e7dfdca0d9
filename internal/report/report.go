// Package report builds the final summary of a run.
//
// A [Report] is a snapshot taken when the run ends: the ordered step results
// (one per fan-out branch), the work item's terminal lifecycle state, every
// artifact the run created and, for a blocked run, the blocking reason exactly
// as the blocking step reported it. A report is always complete, including for
// blocked and failed runs. It serializes to JSON, YAML, a flat key=value
// record and a plain text summary.
package report

import (
	"time"

	"pipewright/internal/lifecycle"
	"pipewright/internal/run"
	"pipewright/internal/status"
	"pipewright/internal/tracker"
	"pipewright/internal/workflow"
)

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeCompleted means no step was blocked or failed.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed means at least one step failed. It needs investigation.
	OutcomeFailed Outcome = "failed"

	// OutcomeBlocked means a step blocked the run. It needs human input.
	OutcomeBlocked Outcome = "blocked"
)

// Process exit codes by outcome. ExitCannotRun covers definition errors and
// missing required inputs, where no run starts.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitBlocked   = 2
	ExitCannotRun = 3
)

// ExitCode maps the outcome to a process exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted:
		return ExitCompleted
	case OutcomeBlocked:
		return ExitBlocked
	}
	return ExitFailed
}

// Report is the immutable summary of a run.
type Report struct {
	RunID      string          `json:"run_id" yaml:"run_id"`
	WorkflowID string          `json:"workflow" yaml:"workflow"`
	WorkItem   tracker.ItemRef `json:"work_item" yaml:"work_item"`
	Outcome    Outcome         `json:"outcome" yaml:"outcome"`
	StartedAt  time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time       `json:"finished_at" yaml:"finished_at"`

	Inputs map[string]any   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps  []run.StepResult `json:"steps" yaml:"steps"`

	InitialState  status.Status `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
	TerminalState status.Status `json:"terminal_state,omitempty" yaml:"terminal_state,omitempty"`

	// PendingState is set when the tracker could not apply the terminal
	// state and it awaits a manual move.
	PendingState status.Status `json:"pending_state,omitempty" yaml:"pending_state,omitempty"`

	Blocked     bool   `json:"blocked" yaml:"blocked"`
	BlockedBy   string `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	BlockReason string `json:"block_reason,omitempty" yaml:"block_reason,omitempty"`

	Transitions []lifecycle.Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Artifacts   []run.Artifact         `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Outputs     map[string]any         `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Input is what [Build] summarizes.
type Input struct {
	Definition   *workflow.Definition
	Run          *run.Context
	States       *lifecycle.StateTracker
	InitialState status.Status
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Build creates the report of a finished run.
func Build(in Input) *Report {
	rc := in.Run
	blocked, by, reason := rc.Blocked()

	r := &Report{
		RunID:        rc.ID(),
		WorkflowID:   in.Definition.ID(),
		WorkItem:     rc.WorkItem(),
		StartedAt:    in.StartedAt,
		FinishedAt:   in.FinishedAt,
		Inputs:       rc.Inputs(),
		Steps:        rc.Results(),
		InitialState: in.InitialState,
		Blocked:      blocked,
		BlockedBy:    by,
		BlockReason:  reason,
		Artifacts:    rc.Artifacts(),
	}

	r.TerminalState = rc.State()
	if in.States != nil {
		if s := in.States.State(rc.WorkItem()); s != "" {
			r.TerminalState = s
		}
		if m := in.States.Mirrored(rc.WorkItem()); m != "" && m != r.TerminalState {
			r.PendingState = r.TerminalState
			r.TerminalState = m
		}
		r.Transitions = in.States.History()
	}

	for _, out := range in.Definition.Outputs() {
		if v, ok := rc.Lookup(out.From); ok {
			if r.Outputs == nil {
				r.Outputs = make(map[string]any)
			}
			r.Outputs[out.Name] = v
		}
	}

	r.Outcome = outcome(r)
	return r
}

func outcome(r *Report) Outcome {
	if r.Blocked {
		return OutcomeBlocked
	}
	for _, s := range r.Steps {
		if s.Status == run.StatusFailed {
			return OutcomeFailed
		}
	}
	return OutcomeCompleted
}

// Sequence returns "<label>:<Status>" for every result in order, e.g.
// "A:Succeeded", "B[42-1]:Failed".
func (r *Report) Sequence() []string {
	seq := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		seq[i] = s.Label() + ":" + s.Status.Title()
	}
	return seq
}

// Count returns how many results have the given status.
func (r *Report) Count(s run.StepStatus) int {
	n := 0
	for _, res := range r.Steps {
		if res.Status == s {
			n++
		}
	}
	return n
}

// ArtifactsOf returns the artifacts of one kind.
func (r *Report) ArtifactsOf(kind run.ArtifactKind) []run.Artifact {
	var out []run.Artifact
	for _, a := range r.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Duration is the run's wall-clock time.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
