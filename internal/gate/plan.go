package gate

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"pipewright/internal/workflow"
)

// PlannedStep describes one step of the plan.
type PlannedStep struct {
	Index          int      `json:"index" yaml:"index"`
	ID             string   `json:"id" yaml:"id"`
	Role           string   `json:"role" yaml:"role"`
	Mode           string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Condition      string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	FanOut         string   `json:"fan_out,omitempty" yaml:"fan_out,omitempty"`
	Inputs         []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OptionalInputs []string `json:"optional_inputs,omitempty" yaml:"optional_inputs,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// PlannedInput describes one input and whether it is bound yet.
type PlannedInput struct {
	Name        string `json:"name" yaml:"name"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	HasDefault  bool   `json:"has_default" yaml:"has_default"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Bound       bool   `json:"bound" yaml:"bound"`
	Value       any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Plan is what the gate presents before anything runs.
type Plan struct {
	WorkflowID  string         `json:"workflow" yaml:"workflow"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []PlannedStep  `json:"steps" yaml:"steps"`
	Inputs      []PlannedInput `json:"inputs" yaml:"inputs"`
}

// Missing returns required inputs that are not bound.
func (p Plan) Missing() []string {
	var names []string
	for _, in := range p.Inputs {
		if in.Required && !in.Bound {
			names = append(names, in.Name)
		}
	}
	return names
}

// BuildPlan returns the plan for def with no inputs bound. It backs the
// plan command, which never executes.
func BuildPlan(def *workflow.Definition) Plan {
	return buildPlan(def, nil)
}

func buildPlan(def *workflow.Definition, values map[string]any) Plan {
	plan := Plan{WorkflowID: def.ID(), Description: def.Description()}

	for i, s := range def.Steps() {
		ps := PlannedStep{
			Index:          i + 1,
			ID:             s.ID,
			Role:           s.Role,
			Mode:           s.Mode,
			Inputs:         s.Inputs,
			OptionalInputs: s.OptionalInputs,
			DependsOn:      s.DependsOn,
		}
		if s.Condition != nil {
			ps.Condition = s.Condition.String()
		}
		if s.FanOut != nil {
			ps.FanOut = s.FanOut.Source.String()
		}
		plan.Steps = append(plan.Steps, ps)
	}

	for _, in := range def.Inputs() {
		v, bound := values[in.Name]
		bound = bound && v != nil
		plan.Inputs = append(plan.Inputs, PlannedInput{
			Name:        in.Name,
			Required:    in.Required,
			Default:     in.Default,
			HasDefault:  in.HasDefault,
			Description: in.Description,
			Bound:       bound,
			Value:       v,
		})
	}
	return plan
}

// ParseBindings parses "name=value" assignments from the command line.
// Values are decoded as YAML scalars or flow collections, so "42" binds an
// integer, "true" a bool and "[a, b]" a list. Anything that fails to decode
// binds as the raw string.
func ParseBindings(assignments []string) (map[string]any, error) {
	values := make(map[string]any, len(assignments))
	for _, a := range assignments {
		name, raw, ok := strings.Cut(a, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q: want name=value", a)
		}
		values[name] = decodeValue(raw)
	}
	return values, nil
}

func decodeValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var v any
	if err := yaml.Unmarshal([]byte(trimmed), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]any:
		// "key: value" is almost always meant as text on the command line.
		if !strings.HasPrefix(trimmed, "{") {
			return raw
		}
	}
	return v
}
