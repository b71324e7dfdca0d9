// Package manifest reads pipeline definition sources.
//
// Two formats are supported and selected by file extension:
//
// A CSV step table (.csv), one row per step in execution order:
//
//	step,role,inputs,optional_inputs,condition,fan_out,depends_on,mode,instructions
//	analyze,analyst,owner;repo;id,,,,,,Assess feasibility of the issue
//	ops,devops,,,count(children("ops")) > 0,"children(category=""ops"")",analyze,comment-only,
//	implement,developer,owner;repo,,,,analyze,,Implement the issue
//
// Only the step and role columns are required. List cells are separated by
// semicolons. The workflow's input specification is the union of the per-step
// inputs: a name that any step lists as required is required.
//
// A YAML definition (.yaml, .yml) with explicit inputs, outputs and steps; see
// [Manifest] for the field names.
//
// This package only reads and shapes the raw source. Validation happens in
// the workflow package, which never accepts a partially valid manifest.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// InputEntry declares one workflow input.
type InputEntry struct {
	// Name is the input name referenced by steps and conditions.
	Name string `yaml:"name"`

	// Required inputs must be bound before the run is confirmed.
	Required bool `yaml:"required"`

	// Default is used for an unbound optional input. Nil means no default.
	Default any `yaml:"default"`

	// Description is shown in the plan.
	Description string `yaml:"description"`
}

// OutputEntry declares one workflow output, copied from a step output.
type OutputEntry struct {
	Name        string `yaml:"name"`
	From        string `yaml:"from"`
	Description string `yaml:"description"`
}

// StepEntry is one row of the step table.
type StepEntry struct {
	// ID is the unique step identifier.
	ID string `yaml:"id"`

	// Role is the agent role that executes the step.
	Role string `yaml:"role"`

	// Instructions is opaque text forwarded to the executor.
	Instructions string `yaml:"instructions"`

	// Mode is forwarded to the executor (e.g. "comment-only"). Empty uses the
	// role's configured default.
	Mode string `yaml:"mode"`

	// Inputs are the run values the step requires. Plain names are workflow
	// inputs, dotted names read a prior step's output (e.g. "analyze.summary").
	Inputs []string `yaml:"inputs"`

	// OptionalInputs are run values the step reads when bound.
	OptionalInputs []string `yaml:"optional_inputs"`

	// When is the condition expression. Empty means always.
	When string `yaml:"when"`

	// FanOut is the fan-out source expression. Empty means a single invocation.
	FanOut string `yaml:"fan_out"`

	// DependsOn lists steps whose output this step may read.
	DependsOn []string `yaml:"depends_on"`

	// Line is the source line (CSV) or index (YAML) used in error messages.
	Line int `yaml:"-"`
}

// Manifest is a raw pipeline definition.
type Manifest struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Inputs      []InputEntry  `yaml:"inputs"`
	Outputs     []OutputEntry `yaml:"outputs"`
	Steps       []StepEntry   `yaml:"steps"`

	// Source is the path the manifest was read from, if any.
	Source string `yaml:"-"`
}

// ReadFromFile reads a definition, choosing the format from the extension.
func ReadFromFile(path string) (*Manifest, error) {
	var (
		m   *Manifest
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", openErr)
		}
		defer f.Close()
		m, err = ReadCSV(f, idFromPath(path))
	case ".yaml", ".yml":
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", readErr)
		}
		m, err = ReadYAML(data)
		if err == nil && m.ID == "" {
			m.ID = idFromPath(path)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q (want .csv, .yaml or .yml)", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

func idFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadCSVString parses a step table from a CSV string.
// This is useful for testing and for embedding definitions.
func ReadCSVString(data, id string) (*Manifest, error) {
	return ReadCSV(strings.NewReader(data), id)
}

// ReadCSV parses a step table.
func ReadCSV(r io.Reader, id string) (*Manifest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}

	colIndex := buildColumnIndex(header)
	if err := validateColumns(colIndex); err != nil {
		return nil, err
	}

	var steps []StepEntry
	lineNum := 1 // header was line 1
	for {
		lineNum++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest line %d: %w", lineNum, err)
		}
		if isBlank(record) {
			continue
		}

		step := StepEntry{
			ID:             getField(record, colIndex, "step"),
			Role:           getField(record, colIndex, "role"),
			Instructions:   getField(record, colIndex, "instructions"),
			Mode:           getField(record, colIndex, "mode"),
			Inputs:         splitList(getField(record, colIndex, "inputs")),
			OptionalInputs: splitList(getField(record, colIndex, "optional_inputs")),
			When:           getField(record, colIndex, "condition"),
			FanOut:         getField(record, colIndex, "fan_out"),
			DependsOn:      splitList(getField(record, colIndex, "depends_on")),
			Line:           lineNum,
		}

		if step.ID == "" {
			return nil, fmt.Errorf("manifest line %d: step id is required", lineNum)
		}

		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("manifest contains no steps")
	}

	return &Manifest{
		ID:     id,
		Steps:  steps,
		Inputs: deriveInputs(steps),
	}, nil
}

// requiredColumns are the columns that must be present in the step table.
var requiredColumns = []string{"step", "role"}

// columnAliases lets older tables use "id" and "when" headers.
var columnAliases = map[string]string{
	"id":       "step",
	"step_id":  "step",
	"agent":    "role",
	"when":     "condition",
	"fanout":   "fan_out",
	"needs":    "depends_on",
	"requires": "inputs",
}

func buildColumnIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.TrimSpace(strings.ToLower(col))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}

func validateColumns(colIndex map[string]int) error {
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return fmt.Errorf("manifest missing required column: %s", col)
		}
	}
	return nil
}

func getField(record []string, colIndex map[string]int, column string) string {
	idx, ok := colIndex[column]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func splitList(cell string) []string {
	if cell == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(cell, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// deriveInputs builds the workflow input spec from the per-step input lists.
// Dotted names and step ids are reads of step outputs, not workflow inputs.
func deriveInputs(steps []StepEntry) []InputEntry {
	stepIDs := make(map[string]bool, len(steps))
	for _, s := range steps {
		stepIDs[s.ID] = true
	}

	var inputs []InputEntry
	index := make(map[string]int)
	add := func(name string, required bool) {
		if strings.Contains(name, ".") || stepIDs[name] {
			return
		}
		if i, ok := index[name]; ok {
			inputs[i].Required = inputs[i].Required || required
			return
		}
		index[name] = len(inputs)
		inputs = append(inputs, InputEntry{Name: name, Required: required})
	}

	for _, s := range steps {
		for _, name := range s.Inputs {
			add(name, true)
		}
		for _, name := range s.OptionalInputs {
			add(name, false)
		}
	}
	return inputs
}

// StepIDs returns the step ids in declared order.
func (m *Manifest) StepIDs() []string {
	ids := make([]string, len(m.Steps))
	for i, s := range m.Steps {
		ids[i] = s.ID
	}
	return ids
}

// GetStep returns the step with the given id, or nil if not found.
func (m *Manifest) GetStep(id string) *StepEntry {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i]
		}
	}
	return nil
}

// HasStep returns true if the manifest declares the given step.
func (m *Manifest) HasStep(id string) bool {
	return m.GetStep(id) != nil
}
