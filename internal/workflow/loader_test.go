package workflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewright/internal/condition"
	"pipewright/internal/manifest"
)

func mustManifest(t *testing.T, csv string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.ReadCSVString(csv, "test")
	require.NoError(t, err)
	return m
}

func TestLoadFile_IssuePipeline(t *testing.T) {
	for _, file := range []string{"issue_pipeline.csv", "issue_pipeline.yaml"} {
		t.Run(file, func(t *testing.T) {
			def, err := LoadFile(filepath.Join("testdata", file))
			require.NoError(t, err)

			require.Equal(t, 3, def.Len())
			assert.Equal(t, []string{"owner", "repo", "id"}, def.RequiredInputs())

			b, ok := def.Step("B")
			require.True(t, ok)
			assert.True(t, b.HasCondition())
			assert.Equal(t, `count(children(category="ops")) > 0`, b.Condition.String())
			require.True(t, b.IsFanOut())
			assert.Equal(t, condition.SourceChildren, b.FanOut.Source.Kind)
			assert.Equal(t, "ops", b.FanOut.Source.Category)
			assert.Equal(t, []string{"A"}, b.DependsOn)

			assert.Equal(t, 2, def.StepIndex("C"))
			assert.Equal(t, -1, def.StepIndex("missing"))
		})
	}
}

func TestLoadFile_YAMLOutputsAndDefaults(t *testing.T) {
	def, err := LoadFile(filepath.Join("testdata", "issue_pipeline.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "issue-pipeline", def.ID())
	dry, ok := def.Input("dry_run")
	require.True(t, ok)
	assert.False(t, dry.Required)
	assert.True(t, dry.HasDefault)
	assert.Equal(t, false, dry.Default)

	outputs := def.Outputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, "pull_request", outputs[0].Name)
	assert.Equal(t, "C", outputs[0].From.Root)
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "missing.csv"))
	require.Error(t, err)
	assert.True(t, IsDefinitionError(err))
	assert.Contains(t, err.Error(), "failed to open manifest")
}

func TestLoad_ImpliedDependencies(t *testing.T) {
	def, err := Load(mustManifest(t, "step,role,inputs,condition\n"+
		"plan,planner,ticket,\n"+
		"review,reviewer,,\n"+
		"build,developer,plan.tasks,review.approved == true\n"))
	require.NoError(t, err)

	build, _ := def.Step("build")
	assert.Equal(t, []string{"plan", "review"}, build.DependsOn)
	assert.Equal(t, []string{"ticket"}, def.RequiredInputs())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		csv      string
		wantStep string
		wantRef  string
		wantErr  string
	}{
		{
			name:     "condition references unknown name",
			csv:      "step,role,condition\nA,analyst,ghost == true\n",
			wantStep: "A",
			wantRef:  "ghost",
			wantErr:  "unknown reference",
		},
		{
			name:     "condition references later step",
			csv:      "step,role,condition\nA,analyst,B.done\nB,developer,\n",
			wantStep: "A",
			wantRef:  "B.done",
			wantErr:  "does not run before it",
		},
		{
			name:     "self reference is a cycle",
			csv:      "step,role,condition\nA,analyst,A.done\n",
			wantStep: "A",
			wantErr:  "dependency cycle: A -> A",
		},
		{
			name:     "mutual dependency is a cycle",
			csv:      "step,role,depends_on,condition\nA,analyst,,B\nB,developer,A,\n",
			wantStep: "A",
			wantErr:  "dependency cycle: A -> B -> A",
		},
		{
			name:     "fan-out source references later step",
			csv:      "step,role,fan_out\nA,analyst,B.items\nB,developer,\n",
			wantStep: "A",
			wantRef:  "B.items",
			wantErr:  "does not run before it",
		},
		{
			name:     "invalid condition",
			csv:      "step,role,condition\nA,analyst,count(children) >\n",
			wantStep: "A",
			wantErr:  "invalid condition",
		},
		{
			name:     "invalid fan-out",
			csv:      "step,role,fan_out\nA,analyst,children(\n",
			wantStep: "A",
			wantErr:  "invalid fan-out source",
		},
		{
			name:     "duplicate step",
			csv:      "step,role\nA,analyst\nA,developer\n",
			wantStep: "A",
			wantErr:  "duplicate step id",
		},
		{
			name:     "missing role",
			csv:      "step,role\nA,\n",
			wantStep: "A",
			wantErr:  "step has no role",
		},
		{
			name:     "reserved step id",
			csv:      "step,role\nchildren,analyst\n",
			wantStep: "children",
			wantErr:  "reserved word",
		},
		{
			name:     "dotted step id",
			csv:      "step,role\na.b,analyst\n",
			wantStep: "a.b",
			wantErr:  "invalid step id",
		},
		{
			name:     "unknown depends_on",
			csv:      "step,role,depends_on\nA,analyst,Z\n",
			wantStep: "A",
			wantRef:  "Z",
			wantErr:  "depends on unknown step",
		},
		{
			name:     "invalid input reference",
			csv:      "step,role,inputs\nA,analyst,x.$y\n",
			wantStep: "A",
			wantRef:  "x.$y",
			wantErr:  "invalid input reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Load(mustManifest(t, tt.csv))
			require.Error(t, err)
			assert.Nil(t, def)

			var defErr *DefinitionError
			require.ErrorAs(t, err, &defErr)
			assert.Equal(t, tt.wantStep, defErr.StepID)
			if tt.wantRef != "" {
				assert.Equal(t, tt.wantRef, defErr.Reference)
			}
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InputAndOutputErrors(t *testing.T) {
	steps := []manifest.StepEntry{{ID: "A", Role: "analyst"}}

	tests := []struct {
		name    string
		m       *manifest.Manifest
		wantErr string
	}{
		{
			name:    "nil manifest",
			m:       nil,
			wantErr: "no definition",
		},
		{
			name:    "no steps",
			m:       &manifest.Manifest{ID: "empty"},
			wantErr: "definition has no steps",
		},
		{
			name: "required input with default",
			m: &manifest.Manifest{Steps: steps, Inputs: []manifest.InputEntry{
				{Name: "owner", Required: true, Default: "acme"},
			}},
			wantErr: "required input declares a default",
		},
		{
			name: "conflicting duplicate input",
			m: &manifest.Manifest{Steps: steps, Inputs: []manifest.InputEntry{
				{Name: "owner", Required: true},
				{Name: "owner", Required: false},
			}},
			wantErr: "conflicting specs",
		},
		{
			name: "reserved input",
			m: &manifest.Manifest{Steps: steps, Inputs: []manifest.InputEntry{
				{Name: "true"},
			}},
			wantErr: "reserved word",
		},
		{
			name: "step collides with input",
			m: &manifest.Manifest{
				Steps:  []manifest.StepEntry{{ID: "owner", Role: "analyst"}},
				Inputs: []manifest.InputEntry{{Name: "owner"}},
			},
			wantErr: "collides with input",
		},
		{
			name: "output from unknown step",
			m: &manifest.Manifest{Steps: steps, Outputs: []manifest.OutputEntry{
				{Name: "pr", From: "Z.url"},
			}},
			wantErr: "not produced by any step",
		},
		{
			name: "duplicate output",
			m: &manifest.Manifest{Steps: steps, Outputs: []manifest.OutputEntry{
				{Name: "pr", From: "A.url"},
				{Name: "pr", From: "A.url"},
			}},
			wantErr: "duplicate output name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.m)
			require.Error(t, err)
			assert.True(t, IsDefinitionError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_IdenticalDuplicateInputMerges(t *testing.T) {
	def, err := Load(&manifest.Manifest{
		Steps: []manifest.StepEntry{{ID: "A", Role: "analyst", Inputs: []string{"owner"}}},
		Inputs: []manifest.InputEntry{
			{Name: "owner", Required: true},
			{Name: "owner", Required: true},
		},
	})
	require.NoError(t, err)
	assert.Len(t, def.Inputs(), 1)
}

func TestDefinition_AccessorsReturnCopies(t *testing.T) {
	def, err := LoadFile(filepath.Join("testdata", "issue_pipeline.csv"))
	require.NoError(t, err)

	steps := def.Steps()
	steps[0].Inputs[0] = "mutated"
	steps[1].FanOut.Source.Category = "mutated"
	steps[2].ID = "mutated"

	again := def.Steps()
	assert.Equal(t, "owner", again[0].Inputs[0])
	assert.Equal(t, "ops", again[1].FanOut.Source.Category)
	assert.Equal(t, "C", again[2].ID)

	inputs := def.Inputs()
	inputs[0].Name = "mutated"
	assert.Equal(t, "owner", def.Inputs()[0].Name)
}

func TestDefinitionError_Format(t *testing.T) {
	err := &DefinitionError{Source: "p.csv", StepID: "B", Reference: "X.y", Reason: "unknown reference"}
	assert.Equal(t, `invalid definition p.csv: step "B": "X.y": unknown reference`, err.Error())

	err = &DefinitionError{Reason: "definition has no steps"}
	assert.Equal(t, "invalid definition: definition has no steps", err.Error())
}
