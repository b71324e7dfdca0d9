// Package workflow loads and validates pipeline definitions.
//
// A [Definition] is the typed, immutable form of a definition source read by
// the manifest package. It is produced only by [Load] or [LoadFile], which
// either return a fully validated definition or a [*DefinitionError]; there is
// no partially loaded state. One definition may back any number of runs.
//
// Key types:
//   - [Definition] - ordered steps plus input and output specs
//   - [Step] - one step bound to an agent role
//   - [InputSpec] - a declared workflow input
//   - [FanOutSpec] - the dynamic item source of a fan-out step
package workflow

import (
	"slices"

	"pipewright/internal/condition"
)

// InputSpec declares one workflow input.
type InputSpec struct {
	Name        string
	Required    bool
	Default     any
	HasDefault  bool
	Description string
}

// OutputSpec declares a workflow output copied from a step output.
type OutputSpec struct {
	Name        string
	From        condition.Ref
	Description string
}

// FanOutSpec is the source expression of a fan-out step.
type FanOutSpec struct {
	// Expr is the expression as written in the definition.
	Expr string

	// Source is the parsed form.
	Source condition.Source
}

// Step is one step of a definition.
type Step struct {
	// ID is unique within the definition.
	ID string

	// Role is the agent role the step is dispatched to.
	Role string

	// Instructions is forwarded to the executor without interpretation.
	Instructions string

	// Mode is forwarded to the executor. Empty means the role default.
	Mode string

	// Inputs are run values the step requires: workflow input names or
	// references to earlier step outputs.
	Inputs []string

	// OptionalInputs are run values the step reads when available.
	OptionalInputs []string

	// Condition gates execution. Nil means always run.
	Condition condition.Condition

	// FanOut, when set, dispatches one invocation per item.
	FanOut *FanOutSpec

	// DependsOn lists the earlier steps this step may read from, including
	// those implied by its inputs and condition.
	DependsOn []string
}

// HasCondition reports whether the step is gated.
func (s Step) HasCondition() bool { return s.Condition != nil }

// IsFanOut reports whether the step fans out.
func (s Step) IsFanOut() bool { return s.FanOut != nil }

func (s Step) clone() Step {
	s.Inputs = slices.Clone(s.Inputs)
	s.OptionalInputs = slices.Clone(s.OptionalInputs)
	s.DependsOn = slices.Clone(s.DependsOn)
	if s.FanOut != nil {
		f := *s.FanOut
		f.Source.Ref.Path = slices.Clone(f.Source.Ref.Path)
		s.FanOut = &f
	}
	return s
}

// Definition is a loaded pipeline definition. It is immutable: accessors
// return copies.
type Definition struct {
	id          string
	description string
	source      string
	steps       []Step
	stepIndex   map[string]int
	inputs      []InputSpec
	inputIndex  map[string]int
	outputs     []OutputSpec
}

// ID returns the definition id.
func (d *Definition) ID() string { return d.id }

// Description returns the free-form description, possibly empty.
func (d *Definition) Description() string { return d.description }

// Source returns the path the definition was loaded from, if any.
func (d *Definition) Source() string { return d.source }

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Steps returns the steps in declared order.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	for i, s := range d.steps {
		out[i] = s.clone()
	}
	return out
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (Step, bool) {
	i, ok := d.stepIndex[id]
	if !ok {
		return Step{}, false
	}
	return d.steps[i].clone(), true
}

// StepIndex returns the declared position of a step, or -1.
func (d *Definition) StepIndex(id string) int {
	if i, ok := d.stepIndex[id]; ok {
		return i
	}
	return -1
}

// Inputs returns the input specs in declared order.
func (d *Definition) Inputs() []InputSpec {
	return slices.Clone(d.inputs)
}

// Input returns the spec for the named input.
func (d *Definition) Input(name string) (InputSpec, bool) {
	i, ok := d.inputIndex[name]
	if !ok {
		return InputSpec{}, false
	}
	return d.inputs[i], true
}

// RequiredInputs returns the names of the required inputs in declared order.
func (d *Definition) RequiredInputs() []string {
	var names []string
	for _, in := range d.inputs {
		if in.Required {
			names = append(names, in.Name)
		}
	}
	return names
}

// Outputs returns the output specs in declared order.
func (d *Definition) Outputs() []OutputSpec {
	out := make([]OutputSpec, len(d.outputs))
	for i, o := range d.outputs {
		o.From.Path = slices.Clone(o.From.Path)
		out[i] = o
	}
	return out
}
