package workflow

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"pipewright/internal/condition"
	"pipewright/internal/manifest"
)

// LoadFile reads and validates the definition at path.
func LoadFile(path string) (*Definition, error) {
	m, err := manifest.ReadFromFile(path)
	if err != nil {
		return nil, &DefinitionError{Source: path, Reason: err.Error(), Err: err}
	}
	return Load(m)
}

// Load validates a manifest and returns the immutable definition.
//
// Validation rejects, among other things: references in conditions, fan-out
// sources or step inputs that name neither a workflow input nor an earlier
// step; required inputs that declare a default; and cycles in the step graph,
// where both declared dependencies and implied reads are edges. The first
// problem found is returned as a [*DefinitionError].
func Load(m *manifest.Manifest) (*Definition, error) {
	if m == nil {
		return nil, &DefinitionError{Reason: "no definition"}
	}
	l := &loader{
		m:          m,
		source:     m.Source,
		stepIndex:  make(map[string]int, len(m.Steps)),
		inputIndex: make(map[string]int, len(m.Inputs)),
	}
	if l.source == "" {
		l.source = m.ID
	}
	return l.load()
}

type edge struct {
	from, to int
	ref      string
}

type loader struct {
	m      *manifest.Manifest
	source string

	inputs     []InputSpec
	inputIndex map[string]int
	stepIndex  map[string]int
	steps      []Step
	edges      []edge
}

func (l *loader) fail(stepID, ref, format string, args ...any) error {
	return &DefinitionError{
		Source:    l.source,
		StepID:    stepID,
		Reference: ref,
		Reason:    fmt.Sprintf(format, args...),
	}
}

func (l *loader) load() (*Definition, error) {
	if len(l.m.Steps) == 0 {
		return nil, l.fail("", "", "definition has no steps")
	}
	if err := l.loadInputs(); err != nil {
		return nil, err
	}
	if err := l.indexSteps(); err != nil {
		return nil, err
	}
	for i, entry := range l.m.Steps {
		step, err := l.loadStep(i, entry)
		if err != nil {
			return nil, err
		}
		l.steps = append(l.steps, step)
	}
	if err := l.checkCycles(); err != nil {
		return nil, err
	}
	if err := l.checkOrder(); err != nil {
		return nil, err
	}
	l.attachDependencies()

	outputs, err := l.loadOutputs()
	if err != nil {
		return nil, err
	}

	return &Definition{
		id:          l.m.ID,
		description: l.m.Description,
		source:      l.m.Source,
		steps:       l.steps,
		stepIndex:   l.stepIndex,
		inputs:      l.inputs,
		inputIndex:  l.inputIndex,
		outputs:     outputs,
	}, nil
}

func (l *loader) loadInputs() error {
	for _, in := range l.m.Inputs {
		name := strings.TrimSpace(in.Name)
		if !condition.ValidName(name) {
			return l.fail("", name, "invalid input name")
		}
		if condition.IsReserved(name) {
			return l.fail("", name, "input name is a reserved word")
		}
		if in.Required && in.Default != nil {
			return l.fail("", name, "required input declares a default")
		}
		spec := InputSpec{
			Name:        name,
			Required:    in.Required,
			Default:     in.Default,
			HasDefault:  in.Default != nil,
			Description: in.Description,
		}
		if i, dup := l.inputIndex[name]; dup {
			prev := l.inputs[i]
			if prev.Required != spec.Required || !reflect.DeepEqual(prev.Default, spec.Default) {
				return l.fail("", name, "input declared twice with conflicting specs")
			}
			continue
		}
		l.inputIndex[name] = len(l.inputs)
		l.inputs = append(l.inputs, spec)
	}
	return nil
}

func (l *loader) indexSteps() error {
	for i, entry := range l.m.Steps {
		id := strings.TrimSpace(entry.ID)
		switch {
		case !condition.ValidName(id):
			return l.fail(id, "", "invalid step id (line %d)", entry.Line)
		case condition.IsReserved(id):
			return l.fail(id, "", "step id is a reserved word")
		case strings.TrimSpace(entry.Role) == "":
			return l.fail(id, "", "step has no role")
		}
		if _, dup := l.stepIndex[id]; dup {
			return l.fail(id, "", "duplicate step id")
		}
		if _, clash := l.inputIndex[id]; clash {
			return l.fail(id, "", "step id collides with input name")
		}
		l.stepIndex[id] = i
	}
	return nil
}

func (l *loader) loadStep(i int, entry manifest.StepEntry) (Step, error) {
	id := strings.TrimSpace(entry.ID)
	step := Step{
		ID:             id,
		Role:           strings.TrimSpace(entry.Role),
		Instructions:   entry.Instructions,
		Mode:           strings.TrimSpace(entry.Mode),
		Inputs:         slices.Clone(entry.Inputs),
		OptionalInputs: slices.Clone(entry.OptionalInputs),
	}

	for _, name := range append(slices.Clone(entry.Inputs), entry.OptionalInputs...) {
		ref, err := condition.ParseRef(name)
		if err != nil {
			return Step{}, l.fail(id, name, "invalid input reference")
		}
		if err := l.resolve(i, ref); err != nil {
			return Step{}, err
		}
	}

	cond, err := condition.Parse(entry.When)
	if err != nil {
		return Step{}, &DefinitionError{Source: l.source, StepID: id, Reference: entry.When, Reason: "invalid condition", Err: err}
	}
	for _, ref := range condition.References(cond) {
		if err := l.resolve(i, ref); err != nil {
			return Step{}, err
		}
	}
	step.Condition = cond

	if expr := strings.TrimSpace(entry.FanOut); expr != "" {
		src, err := condition.ParseSource(expr)
		if err != nil {
			return Step{}, &DefinitionError{Source: l.source, StepID: id, Reference: expr, Reason: "invalid fan-out source", Err: err}
		}
		if src.Kind == condition.SourceRef {
			if err := l.resolve(i, src.Ref); err != nil {
				return Step{}, err
			}
		}
		step.FanOut = &FanOutSpec{Expr: expr, Source: src}
	}

	for _, dep := range entry.DependsOn {
		dep = strings.TrimSpace(dep)
		j, ok := l.stepIndex[dep]
		if !ok {
			return Step{}, l.fail(id, dep, "depends on unknown step")
		}
		l.edges = append(l.edges, edge{from: i, to: j, ref: dep})
		step.DependsOn = append(step.DependsOn, dep)
	}

	return step, nil
}

// resolve checks that ref names an input or a step and records step reads as
// graph edges.
func (l *loader) resolve(from int, ref condition.Ref) error {
	if _, ok := l.inputIndex[ref.Root]; ok {
		return nil
	}
	if j, ok := l.stepIndex[ref.Root]; ok {
		l.edges = append(l.edges, edge{from: from, to: j, ref: ref.String()})
		return nil
	}
	return l.fail(l.m.Steps[from].ID, ref.String(), "unknown reference: not an input or step")
}

// checkCycles reports the first cycle found, following declared order.
func (l *loader) checkCycles() error {
	adj := make([][]int, len(l.steps))
	for _, e := range l.edges {
		if !slices.Contains(adj[e.from], e.to) {
			adj[e.from] = append(adj[e.from], e.to)
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(l.steps))
	var stack []int

	var visit func(n int) []int
	visit = func(n int) []int {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range adj[n] {
			switch color[m] {
			case grey:
				start := slices.Index(stack, m)
				return append(slices.Clone(stack[start:]), m)
			case white:
				if cycle := visit(m); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for n := range l.steps {
		if color[n] != white {
			continue
		}
		if cycle := visit(n); cycle != nil {
			names := make([]string, len(cycle))
			for i, idx := range cycle {
				names[i] = l.steps[idx].ID
			}
			return l.fail(l.steps[cycle[0]].ID, "", "dependency cycle: %s", strings.Join(names, " -> "))
		}
	}
	return nil
}

// checkOrder rejects reads of steps that do not run earlier.
func (l *loader) checkOrder() error {
	for _, e := range l.edges {
		if e.to >= e.from {
			return l.fail(l.steps[e.from].ID, e.ref, "reads step %q which does not run before it", l.steps[e.to].ID)
		}
	}
	return nil
}

// attachDependencies adds implied reads to each step's declared dependencies,
// ordered by declared step position.
func (l *loader) attachDependencies() {
	deps := make([][]int, len(l.steps))
	for _, e := range l.edges {
		if !slices.Contains(deps[e.from], e.to) {
			deps[e.from] = append(deps[e.from], e.to)
		}
	}
	for i := range l.steps {
		slices.Sort(deps[i])
		names := make([]string, 0, len(deps[i]))
		for _, j := range deps[i] {
			names = append(names, l.steps[j].ID)
		}
		if len(names) == 0 {
			names = nil
		}
		l.steps[i].DependsOn = names
	}
}

func (l *loader) loadOutputs() ([]OutputSpec, error) {
	var outputs []OutputSpec
	seen := make(map[string]bool)
	for _, o := range l.m.Outputs {
		name := strings.TrimSpace(o.Name)
		if !condition.ValidName(name) {
			return nil, l.fail("", name, "invalid output name")
		}
		if seen[name] {
			return nil, l.fail("", name, "duplicate output name")
		}
		seen[name] = true

		ref, err := condition.ParseRef(o.From)
		if err != nil {
			return nil, l.fail("", o.From, "invalid output source for %q", name)
		}
		if _, ok := l.stepIndex[ref.Root]; !ok {
			return nil, l.fail("", o.From, "output %q is not produced by any step", name)
		}
		outputs = append(outputs, OutputSpec{Name: name, From: ref, Description: o.Description})
	}
	return outputs, nil
}
