// Package gate implements the two-phase input gate that every run passes
// before any step executes.
//
// Phase one, [Gate.Present], returns the [Plan]: the ordered steps and the
// full input specification. Nothing runs. Phase two, [Gate.Pass] or
// [Gate.Await], requires an explicit confirmation and a bound value for every
// required input, and yields an [Admission]. The scheduler only accepts an
// Admission, so no step can be dispatched before the gate has passed.
//
// A Gate is not safe for concurrent use.
package gate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"pipewright/internal/workflow"
)

// ErrNotConfirmed is returned when the plan was declined or never confirmed.
var ErrNotConfirmed = errors.New("run not confirmed")

// ErrUnknownInput is returned when binding a name the definition does not declare.
var ErrUnknownInput = errors.New("unknown input")

// MissingRequiredInputError lists required inputs that have no bound value.
type MissingRequiredInputError struct {
	Names []string
}

// Error implements the error interface.
func (e *MissingRequiredInputError) Error() string {
	return fmt.Sprintf("missing required inputs: %s", strings.Join(e.Names, ", "))
}

// Confirmer asks for explicit confirmation of a presented plan.
type Confirmer interface {
	Confirm(ctx context.Context, plan Plan) (bool, error)
}

// ConfirmerFunc adapts a function to [Confirmer].
type ConfirmerFunc func(ctx context.Context, plan Plan) (bool, error)

// Confirm calls f.
func (f ConfirmerFunc) Confirm(ctx context.Context, plan Plan) (bool, error) {
	return f(ctx, plan)
}

// AutoConfirm confirms every plan. It backs the --yes flag.
var AutoConfirm = ConfirmerFunc(func(context.Context, Plan) (bool, error) { return true, nil })

// InputPrompter asks for the value of one input. It is used before
// confirmation for unbound required inputs, and lazily during the run for
// optional inputs without a default.
type InputPrompter interface {
	Prompt(ctx context.Context, input workflow.InputSpec) (any, error)
}

// Gate collects inputs and confirmation for one run attempt.
type Gate struct {
	def       *workflow.Definition
	values    map[string]any
	prompter  InputPrompter
	presented bool
	confirmed bool
}

// New creates a gate for def.
func New(def *workflow.Definition) *Gate {
	return &Gate{def: def, values: make(map[string]any)}
}

// SetPrompter sets the prompter used for unbound inputs.
func (g *Gate) SetPrompter(p InputPrompter) {
	g.prompter = p
}

// Bind binds a value to a declared input.
func (g *Gate) Bind(name string, value any) error {
	if _, ok := g.def.Input(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInput, name)
	}
	g.values[name] = value
	return nil
}

// BindAll binds every entry of values, stopping at the first unknown name.
func (g *Gate) BindAll(values map[string]any) error {
	for _, name := range slices.Sorted(maps.Keys(values)) {
		if err := g.Bind(name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Present returns the plan without executing anything.
func (g *Gate) Present() Plan {
	g.presented = true
	return buildPlan(g.def, g.values)
}

// Confirm records the explicit confirmation signal. It has no effect unless
// the plan has been presented.
func (g *Gate) Confirm() {
	if g.presented {
		g.confirmed = true
	}
}

// Missing returns the required inputs that have no bound value, in declared order.
func (g *Gate) Missing() []string {
	var missing []string
	for _, in := range g.def.Inputs() {
		if !in.Required {
			continue
		}
		if v, ok := g.values[in.Name]; !ok || v == nil {
			missing = append(missing, in.Name)
		}
	}
	return missing
}

// Pass checks both gate conditions and returns the admission for the run.
func (g *Gate) Pass() (*Admission, error) {
	if missing := g.Missing(); len(missing) > 0 {
		return nil, &MissingRequiredInputError{Names: missing}
	}
	if !g.confirmed {
		return nil, ErrNotConfirmed
	}
	return g.admit(), nil
}

// Await presents the plan, prompts for missing required inputs if a prompter
// is set, then asks c for confirmation. Cancelling ctx before confirmation
// abandons the run.
func (g *Gate) Await(ctx context.Context, c Confirmer) (*Admission, error) {
	g.Present()

	if g.prompter != nil {
		for _, name := range g.Missing() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			spec, _ := g.def.Input(name)
			v, err := g.prompter.Prompt(ctx, spec)
			if err != nil {
				return nil, fmt.Errorf("prompt for input %q: %w", name, err)
			}
			if v != nil && v != "" {
				g.values[name] = v
			}
		}
	}
	if missing := g.Missing(); len(missing) > 0 {
		return nil, &MissingRequiredInputError{Names: missing}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := c.Confirm(ctx, g.Present())
	if err != nil {
		return nil, fmt.Errorf("confirmation: %w", err)
	}
	if !ok {
		return nil, ErrNotConfirmed
	}
	g.Confirm()
	return g.Pass()
}

func (g *Gate) admit() *Admission {
	inputs := make(map[string]any, len(g.values))
	var lazy []workflow.InputSpec
	for _, in := range g.def.Inputs() {
		if v, ok := g.values[in.Name]; ok && v != nil {
			inputs[in.Name] = v
			continue
		}
		if in.HasDefault {
			inputs[in.Name] = in.Default
			continue
		}
		lazy = append(lazy, in)
	}
	return &Admission{
		def:      g.def,
		inputs:   inputs,
		lazy:     lazy,
		prompter: g.prompter,
		plan:     buildPlan(g.def, g.values),
	}
}

// Admission is proof that a run passed the gate. It can only be created by
// a [Gate].
type Admission struct {
	def      *workflow.Definition
	inputs   map[string]any
	lazy     []workflow.InputSpec
	prompter InputPrompter
	plan     Plan
}

// Definition returns the admitted definition.
func (a *Admission) Definition() *workflow.Definition { return a.def }

// Inputs returns the resolved inputs: bound values and defaults.
func (a *Admission) Inputs() map[string]any { return maps.Clone(a.inputs) }

// Unbound returns optional inputs with neither a value nor a default. Steps
// that read them prompt lazily through [Admission.Prompter].
func (a *Admission) Unbound() []workflow.InputSpec { return slices.Clone(a.lazy) }

// Prompter returns the prompter for lazy inputs, possibly nil.
func (a *Admission) Prompter() InputPrompter { return a.prompter }

// Plan returns the confirmed plan.
func (a *Admission) Plan() Plan { return a.plan }
