package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

func TestResponse_Validate(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantErr string
	}{
		{"succeeded", Response{Status: OutcomeSucceeded}, ""},
		{"blocked with reason", Response{Status: OutcomeBlocked, Reason: "missing required resource"}, ""},
		{"requested state", Response{Status: OutcomeSucceeded, RequestedState: status.StatusReady}, ""},
		{"empty status", Response{}, "invalid outcome"},
		{"unknown status", Response{Status: "exploded"}, "invalid outcome"},
		{"bad requested state", Response{Status: OutcomeSucceeded, RequestedState: "sideways"}, "invalid requested state"},
		{"child without category or ref", Response{Status: OutcomeSucceeded, Children: []Child{{Body: "x"}}}, "child 0"},
		{"child with ref only", Response{Status: OutcomeSucceeded, Children: []Child{{Ref: tracker.ItemRef{ID: "7"}}}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequest_Target(t *testing.T) {
	req := Request{WorkItem: tracker.ItemRef{ID: "42"}}
	assert.Equal(t, "42", req.Target().ID)

	req.Item = &tracker.ItemRef{ID: "42-1"}
	assert.Equal(t, "42-1", req.Target().ID)
}

func TestResponse_JSON(t *testing.T) {
	raw := `{"status":"blocked","reason":"missing required resource","requested_state":"backlog",
		"children":[{"category":"ops","body":"rotate keys"}],"links":[{"kind":"pull-request","url":"https://x/pr/1"}]}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.Equal(t, OutcomeBlocked, resp.Status)
	assert.Equal(t, status.StatusBacklog, resp.RequestedState)
	require.Len(t, resp.Children, 1)
	assert.True(t, resp.Children[0].Ref.IsZero())
	assert.Equal(t, "pull-request", resp.Links[0].Kind)
	assert.NoError(t, resp.Validate())
}

func TestMockExecutor(t *testing.T) {
	boom := errors.New("connection reset")
	m := &MockExecutor{
		Responses: map[string]Response{
			"A":      {Status: OutcomeSucceeded, Outputs: map[string]any{"k": "v"}},
			"B/42-2": {Status: OutcomeFailed, Reason: "flaky"},
		},
		Errors: map[string]error{"C": boom},
	}
	ctx := context.Background()

	resp, err := m.Invoke(ctx, Request{StepID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "v", resp.Outputs["k"])

	resp, err = m.Invoke(ctx, Request{StepID: "B", Item: &tracker.ItemRef{ID: "42-1"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, resp.Status)

	resp, err = m.Invoke(ctx, Request{StepID: "B", Item: &tracker.ItemRef{ID: "42-2"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, resp.Status)

	_, err = m.Invoke(ctx, Request{StepID: "C"})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"A", "B", "B", "C"}, m.Steps())
	assert.Equal(t, 1, m.PeakConcurrency())
}

func TestExecutorFunc(t *testing.T) {
	var e Executor = ExecutorFunc(func(_ context.Context, req Request) (Response, error) {
		return Response{Status: OutcomeSucceeded, Outputs: map[string]any{"role": req.Role}}, nil
	})
	resp, err := e.Invoke(context.Background(), Request{Role: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, "analyst", resp.Outputs["role"])
}
