package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFromFile_CSV(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "issue_pipeline.csv"))

	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "issue_pipeline", m.ID)
	assert.Equal(t, []string{"A", "B", "C"}, m.StepIDs())

	a := m.Steps[0]
	assert.Equal(t, "analyst", a.Role)
	assert.Equal(t, "comment-only", a.Mode)
	assert.Equal(t, []string{"owner", "repo", "id"}, a.Inputs)
	assert.Equal(t, 2, a.Line)
	assert.Equal(t, "", a.When)

	b := m.Steps[1]
	assert.Equal(t, `count(children, category="ops") > 0`, b.When)
	assert.Equal(t, `children(category="ops")`, b.FanOut)
	assert.Equal(t, []string{"A"}, b.DependsOn)
	assert.Equal(t, []string{"dry_run"}, b.OptionalInputs)
	assert.Equal(t, "Handle each ops child item", b.Instructions)
}

func TestReadFromFile_CSVDerivesInputs(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "issue_pipeline.csv"))
	require.NoError(t, err)

	assert.Equal(t, []InputEntry{
		{Name: "owner", Required: true},
		{Name: "repo", Required: true},
		{Name: "id", Required: true},
		{Name: "dry_run", Required: false},
	}, m.Inputs)
}

func TestReadFromFile_Minimal(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "minimal.csv"))

	require.NoError(t, err)
	require.Len(t, m.Steps, 2)

	// Minimal CSV only has required columns
	assert.Equal(t, "implement", m.Steps[1].ID)
	assert.Equal(t, "developer", m.Steps[1].Role)
	assert.Nil(t, m.Steps[1].Inputs)
	assert.Empty(t, m.Inputs)
}

func TestReadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		wantErr string
	}{
		{"not found", "nonexistent.csv", "failed to open manifest"},
		{"missing column", "missing_column.csv", "missing required column: role"},
		{"header only", "header_only.csv", "no steps"},
		{"missing step id", "missing_id.csv", "manifest line 3: step id is required"},
		{"yaml without steps", "no_steps.yaml", "no steps"},
		{"yaml not found", "nonexistent.yaml", "failed to open manifest"},
		{"unsupported extension", "pipeline.toml", "unsupported manifest format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ReadFromFile(filepath.Join("testdata", tt.file))
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadCSVString_ColumnAliasesAndBlankRows(t *testing.T) {
	data := "ID,Agent,When,Needs\n" +
		"first,analyst,,\n" +
		",,,\n" +
		"second,developer,first,first\n"

	m, err := ReadCSVString(data, "aliased")
	require.NoError(t, err)

	require.Len(t, m.Steps, 2)
	assert.Equal(t, "aliased", m.ID)
	assert.Equal(t, "second", m.Steps[1].ID)
	assert.Equal(t, "first", m.Steps[1].When)
	assert.Equal(t, []string{"first"}, m.Steps[1].DependsOn)
	assert.Equal(t, 4, m.Steps[1].Line)
}

func TestReadCSVString_RequiredWins(t *testing.T) {
	data := "step,role,inputs,optional_inputs\n" +
		"a,analyst,,owner\n" +
		"b,developer,owner,\n"

	m, err := ReadCSVString(data, "x")
	require.NoError(t, err)

	assert.Equal(t, []InputEntry{{Name: "owner", Required: true}}, m.Inputs)
}

func TestReadFromFile_YAML(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "issue_pipeline.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "issue-pipeline", m.ID)
	assert.Equal(t, filepath.Join("testdata", "issue_pipeline.yaml"), m.Source)
	require.Len(t, m.Inputs, 4)
	assert.True(t, m.Inputs[0].Required)
	assert.Equal(t, "Repository owner", m.Inputs[0].Description)
	assert.Equal(t, false, m.Inputs[3].Default)
	require.Len(t, m.Outputs, 1)
	assert.Equal(t, "C.pr_url", m.Outputs[0].From)

	b := m.GetStep("B")
	require.NotNil(t, b)
	assert.Equal(t, `children(category="ops")`, b.FanOut)
	assert.Equal(t, 2, b.Line)
	assert.False(t, m.HasStep("D"))
}

func TestReadFromFile_YAMLDerivesInputs(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "derived.yml"))

	require.NoError(t, err)
	assert.Equal(t, "derived", m.ID)
	assert.Equal(t, []InputEntry{
		{Name: "ticket", Required: true},
		{Name: "priority", Required: false},
	}, m.Inputs)
}

func TestReadYAML_Invalid(t *testing.T) {
	_, err := ReadYAML([]byte("steps: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse manifest")

	_, err = ReadYAML([]byte("steps:\n  - role: analyst\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1: step id is required")

	_, err = ReadYAML([]byte("inputs:\n  - required: true\nsteps:\n  - id: a\n    role: r\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no name")
}
