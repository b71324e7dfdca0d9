package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"pipewright/internal/agent"
	"pipewright/internal/config"
	"pipewright/internal/gate"
	"pipewright/internal/metrics"
	"pipewright/internal/output"
	"pipewright/internal/tracker"
	"pipewright/internal/workflow"
)

// issuePipelineYAML is the three-step issue pipeline used by the command tests.
const issuePipelineYAML = `id: issue-pipeline
description: Triage an issue, handle ops follow-ups, implement.
inputs:
  - name: owner
    required: true
  - name: repo
    required: true
  - name: reviewer
outputs:
  - name: pull_request
    from: C.pr
steps:
  - id: A
    role: analyst
    inputs: [owner, repo]
  - id: B
    role: devops
    when: count(children, category="ops") > 0
    fan_out: children(category="ops")
  - id: C
    role: developer
    inputs: [owner]
    optional_inputs: [reviewer]
`

// brokenPipelineYAML references a step that does not exist.
const brokenPipelineYAML = `id: broken
steps:
  - id: A
    role: analyst
    depends_on: [Z]
`

// writeDefinition writes a definition file into a temporary directory.
func writeDefinition(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write definition: %v", err)
	}
	return path
}

// newTestApp creates an App around tr and exec whose printer writes to the
// returned buffer.
func newTestApp(t *testing.T, tr tracker.Tracker, exec agent.Executor) (*App, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	logger := zaptest.NewLogger(t)
	return &App{
		Config:   config.DefaultConfig(),
		Logger:   logger,
		Tracker:  tr,
		Executor: exec,
		Printer:  output.NewPrinterWithWriter(buf),
		Metrics:  metrics.NewCollector(logger),
	}, buf
}

// executeArgs runs the root command with args and returns what the command
// wrote to its own output stream.
func executeArgs(app *App, args ...string) (string, error) {
	rootCmd := NewRootCommand(app)
	outBuf := &bytes.Buffer{}
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(outBuf)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())
	return outBuf.String(), err
}

// MockConfirmer answers every confirmation with Answer and records the plans
// it was shown.
type MockConfirmer struct {
	Answer bool
	Plans  []gate.Plan
}

func (m *MockConfirmer) Confirm(_ context.Context, plan gate.Plan) (bool, error) {
	m.Plans = append(m.Plans, plan)
	return m.Answer, nil
}

// MockPrompter answers prompts from Values and records the asked names.
type MockPrompter struct {
	Values map[string]any
	Asked  []string
}

func (m *MockPrompter) Prompt(_ context.Context, in workflow.InputSpec) (any, error) {
	m.Asked = append(m.Asked, in.Name)
	return m.Values[in.Name], nil
}
