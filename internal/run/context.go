// Package run holds the mutable state of one pipeline run.
//
// A [Context] is created when a run starts and is owned by the scheduler
// executing it. It implements [condition.Scope], so step conditions and
// fan-out sources are evaluated directly against it. Child items are held as
// per-category snapshots: each category is listed from the tracker at most
// once per run and otherwise only extended with children the run itself
// creates or discovers.
package run

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"pipewright/internal/condition"
	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

// Phase is the run-level state: NotStarted, Running, then one of
// Completed, Blocked or Failed.
type Phase string

const (
	PhaseNotStarted Phase = "not-started"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseBlocked    Phase = "blocked"
	PhaseFailed     Phase = "failed"
)

// IsTerminal reports whether the run has finished.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseBlocked || p == PhaseFailed
}

// Context is the state of one run. It is not safe for concurrent use.
type Context struct {
	id       string
	workItem tracker.ItemRef
	inputs   map[string]any

	results []StepResult
	byStep  map[string][]int

	children  map[string][]tracker.ItemRef
	listed    map[string]bool
	artifacts []Artifact

	phase       Phase
	state       status.Status
	blocked     bool
	blockedBy   string
	blockReason string
}

// NewContext starts a run for workItem with the resolved inputs.
func NewContext(workItem tracker.ItemRef, inputs map[string]any) *Context {
	return &Context{
		id:       uuid.NewString(),
		workItem: workItem,
		inputs:   maps.Clone(inputs),
		byStep:   make(map[string][]int),
		children: make(map[string][]tracker.ItemRef),
		listed:   make(map[string]bool),
		phase:    PhaseNotStarted,
	}
}

// Phase returns the run phase.
func (c *Context) Phase() Phase { return c.phase }

// Start moves the run to Running.
func (c *Context) Start() error {
	if c.phase != PhaseNotStarted {
		return fmt.Errorf("run %s already %s", c.id, c.phase)
	}
	c.phase = PhaseRunning
	return nil
}

// Finish moves a running run to its terminal phase: Blocked if any step
// blocked, Failed if any result failed, otherwise Completed.
func (c *Context) Finish() (Phase, error) {
	if c.phase != PhaseRunning {
		return c.phase, fmt.Errorf("run %s is %s, not running", c.id, c.phase)
	}
	c.phase = PhaseCompleted
	switch {
	case c.blocked:
		c.phase = PhaseBlocked
	case slices.ContainsFunc(c.results, func(r StepResult) bool { return r.Status == StatusFailed }):
		c.phase = PhaseFailed
	}
	return c.phase, nil
}

// ID returns the run id.
func (c *Context) ID() string { return c.id }

// WorkItem returns the run's work item.
func (c *Context) WorkItem() tracker.ItemRef { return c.workItem }

// Inputs returns a copy of the bound inputs.
func (c *Context) Inputs() map[string]any { return maps.Clone(c.inputs) }

// Input returns a bound input.
func (c *Context) Input(name string) (any, bool) {
	v, ok := c.inputs[name]
	return v, ok
}

// BindInput binds an input lazily, e.g. after prompting.
func (c *Context) BindInput(name string, v any) {
	if c.inputs == nil {
		c.inputs = make(map[string]any)
	}
	c.inputs[name] = v
}

// Record appends a result.
func (c *Context) Record(r StepResult) {
	c.byStep[r.StepID] = append(c.byStep[r.StepID], len(c.results))
	c.results = append(c.results, r)
}

// Results returns every result in the order recorded.
func (c *Context) Results() []StepResult {
	return slices.Clone(c.results)
}

// StepResults returns the results of one step.
func (c *Context) StepResults(stepID string) []StepResult {
	idx := c.byStep[stepID]
	out := make([]StepResult, len(idx))
	for i, j := range idx {
		out[i] = c.results[j]
	}
	return out
}

// Succeeded reports whether stepID ran and every result succeeded.
func (c *Context) Succeeded(stepID string) bool {
	idx := c.byStep[stepID]
	if len(idx) == 0 {
		return false
	}
	for _, j := range idx {
		if c.results[j].Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Lookup implements [condition.Scope].
//
// An input resolves to its value. A bare step id resolves to whether the
// step succeeded. "step.key" resolves to an output; for a fan-out step it
// resolves to the list of that output across branches.
func (c *Context) Lookup(ref condition.Ref) (any, bool) {
	if v, ok := c.inputs[ref.Root]; ok {
		return walk(v, ref.Path)
	}

	idx, ok := c.byStep[ref.Root]
	if !ok {
		return nil, false
	}
	if len(ref.Path) == 0 {
		return c.Succeeded(ref.Root), true
	}

	if len(idx) == 1 && !c.results[idx[0]].IsFanOutBranch() {
		return walk(c.results[idx[0]].Outputs, ref.Path)
	}
	var values []any
	for _, j := range idx {
		if v, ok := walk(c.results[j].Outputs, ref.Path); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, false
	}
	return values, true
}

func walk(v any, path []string) (any, bool) {
	for _, key := range path {
		switch m := v.(type) {
		case map[string]any:
			next, ok := m[key]
			if !ok {
				return nil, false
			}
			v = next
		case map[string]string:
			next, ok := m[key]
			if !ok {
				return nil, false
			}
			v = next
		default:
			return nil, false
		}
	}
	return v, true
}

// ChildCount implements [condition.Scope]. A category never listed counts
// only the children the run added itself.
func (c *Context) ChildCount(category string) int {
	return len(c.children[category])
}

// HasSnapshot reports whether children of category were already listed.
func (c *Context) HasSnapshot(category string) bool {
	return c.listed[category]
}

// SetSnapshot stores the listed children of category, keeping any the run
// already added.
func (c *Context) SetSnapshot(category string, refs []tracker.ItemRef) {
	known := c.children[category]
	merged := make([]tracker.ItemRef, 0, len(refs)+len(known))
	merged = append(merged, refs...)
	for _, k := range known {
		if !containsRef(merged, k) {
			merged = append(merged, k)
		}
	}
	c.children[category] = merged
	c.listed[category] = true
}

// Children returns the snapshot of category.
func (c *Context) Children(category string) []tracker.ItemRef {
	return slices.Clone(c.children[category])
}

// AddChild adds a child of the work item to its category and to the
// all-children snapshot.
func (c *Context) AddChild(ref tracker.ItemRef, category string) {
	keys := []string{""}
	if category != "" {
		keys = append(keys, category)
	}
	for _, key := range keys {
		if !containsRef(c.children[key], ref) {
			c.children[key] = append(c.children[key], ref)
		}
	}
}

func containsRef(refs []tracker.ItemRef, ref tracker.ItemRef) bool {
	for _, r := range refs {
		if r.Matches(ref) {
			return true
		}
	}
	return false
}

// AddArtifact records an artifact.
func (c *Context) AddArtifact(a Artifact) {
	c.artifacts = append(c.artifacts, a)
}

// Artifacts returns every artifact in the order recorded.
func (c *Context) Artifacts() []Artifact {
	return slices.Clone(c.artifacts)
}

// State returns the work item's current lifecycle state.
func (c *Context) State() status.Status { return c.state }

// SetState records the work item's lifecycle state.
func (c *Context) SetState(s status.Status) { c.state = s }

// Block marks the run blocked by stepID. Only the first block is kept.
func (c *Context) Block(stepID, reason string) {
	if c.blocked {
		return
	}
	c.blocked = true
	c.blockedBy = stepID
	c.blockReason = reason
}

// Blocked reports whether the run is blocked, by which step and why.
func (c *Context) Blocked() (bool, string, string) {
	return c.blocked, c.blockedBy, c.blockReason
}

// Slice returns the run values named by a step's inputs, keyed as written.
// Unbound names are left out.
func (c *Context) Slice(names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		ref, err := condition.ParseRef(name)
		if err != nil {
			continue
		}
		if v, ok := c.Lookup(ref); ok {
			out[name] = v
		}
	}
	return out
}

// String implements fmt.Stringer for log lines.
func (c *Context) String() string {
	return fmt.Sprintf("run %s (%s)", c.id, c.workItem)
}
