package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"pipewright/internal/agent"
	"pipewright/internal/dispatch"
	"pipewright/internal/gate"
	"pipewright/internal/manifest"
	"pipewright/internal/metrics"
	"pipewright/internal/report"
	"pipewright/internal/run"
	"pipewright/internal/status"
	"pipewright/internal/tracker"
	"pipewright/internal/workflow"
)

var workItem = tracker.ItemRef{ID: "42", URL: "https://tracker.example/acme/app/42"}

type testingT interface {
	require.TestingT
	Helper()
}

func issuePipeline(t testingT) *workflow.Definition {
	t.Helper()
	def, err := workflow.Load(&manifest.Manifest{
		ID: "issue-pipeline",
		Inputs: []manifest.InputEntry{
			{Name: "owner", Required: true},
			{Name: "repo", Required: true},
			{Name: "id", Required: true},
			{Name: "reviewer"},
		},
		Steps: []manifest.StepEntry{
			{ID: "A", Role: "analyst", Instructions: "Analyze the issue.", Inputs: []string{"owner", "repo", "id"}},
			{ID: "B", Role: "devops", When: `count(children, category="ops") > 0`, FanOut: `children(category="ops")`},
			{ID: "C", Role: "developer", Inputs: []string{"owner"}, OptionalInputs: []string{"reviewer"}},
		},
	})
	require.NoError(t, err)
	return def
}

// admit binds the declared subset of the standard inputs and confirms the
// presented plan.
func admit(t testingT, def *workflow.Definition, p gate.InputPrompter) *gate.Admission {
	t.Helper()
	g := gate.New(def)
	if p != nil {
		g.SetPrompter(p)
	}
	values := make(map[string]any)
	for name, v := range map[string]any{"owner": "acme", "repo": "app", "id": 42} {
		if _, ok := def.Input(name); ok {
			values[name] = v
		}
	}
	require.NoError(t, g.BindAll(values))
	g.Present()
	g.Confirm()
	adm, err := g.Pass()
	require.NoError(t, err)
	return adm
}

func newScheduler(t *testing.T, tr tracker.Tracker, exec agent.Executor, opts ...Option) *Scheduler {
	t.Helper()
	return New(tr, exec, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

// The three reference scenarios: no ops children, two ops children, and a
// blocked first step.
func TestScheduler_Run_NoOpsChildren(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeSucceeded, RequestedState: status.StatusReady},
		"C": {Status: agent.OutcomeSucceeded, RequestedState: status.StatusInReview},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Succeeded", "B:Skipped", "C:Succeeded"}, rep.Sequence())
	assert.Equal(t, []string{"A", "C"}, exec.Steps())

	calls := tr.SetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, status.StatusReady, calls[0].State)
	assert.Equal(t, status.StatusInReview, calls[1].State)

	assert.Equal(t, status.StatusBacklog, rep.InitialState)
	assert.Equal(t, status.StatusInReview, rep.TerminalState)
	assert.Empty(t, rep.PendingState)
	assert.Equal(t, report.OutcomeCompleted, rep.Outcome)
	assert.Equal(t, report.ExitCompleted, rep.Outcome.ExitCode())
	assert.False(t, rep.Blocked)
}

func TestScheduler_Run_TwoOpsChildren(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	tr.AddChild("42", "42-1", "ops")
	tr.AddChild("42", "42-2", "ops")
	tr.AddChild("42", "42-3", "docs")
	exec := &agent.MockExecutor{}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Succeeded", "B[42-1]:Succeeded", "B[42-2]:Succeeded", "C:Succeeded"}, rep.Sequence())
	assert.Len(t, rep.Steps, 4)

	var branches []agent.Request
	for _, req := range exec.Requests() {
		if req.StepID == "B" {
			branches = append(branches, req)
		}
	}
	require.Len(t, branches, 2)
	ids := []string{branches[0].Item.ID, branches[1].Item.ID}
	assert.ElementsMatch(t, []string{"42-1", "42-2"}, ids)
	for _, req := range branches {
		assert.Equal(t, *req.Item, req.Context[FanOutItemKey])
		assert.Equal(t, workItem, req.WorkItem)
	}
	assert.Equal(t, 1, tr.ListCalls(), "ops category is listed once per run")
}

func TestScheduler_Run_Blocked(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	tr.AddChild("42", "42-1", "ops")
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeBlocked, Reason: "missing required resource"},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Blocked", "B:Skipped", "C:Skipped"}, rep.Sequence())
	assert.Equal(t, []string{"A"}, exec.Steps())
	assert.Equal(t, "run blocked by A", rep.Steps[1].Note)

	assert.Equal(t, status.StatusBacklog, tr.State("42"))
	assert.Contains(t, tr.Annotations("42"), "Blocked: missing required resource")
	assert.Empty(t, tr.SetCalls())

	assert.True(t, rep.Blocked)
	assert.Equal(t, "A", rep.BlockedBy)
	assert.Equal(t, "missing required resource", rep.BlockReason)
	assert.Equal(t, status.StatusBacklog, rep.TerminalState)
	assert.Equal(t, report.OutcomeBlocked, rep.Outcome)
	assert.Equal(t, report.ExitBlocked, rep.Outcome.ExitCode())
	require.Len(t, rep.ArtifactsOf(run.ArtifactAnnotation), 1)
}

func TestScheduler_Run_BlockedWhenTrackerCannotMove(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusInProgress)
	tr.FailOn = map[string]error{"SetLifecycleState": errors.New("board offline")}
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeBlocked, Reason: "missing required resource"},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Blocked", "B:Skipped", "C:Skipped"}, rep.Sequence())
	assert.Equal(t, []string{"Requires manual move to Backlog", "Blocked: missing required resource"},
		tr.Annotations("42"))
	assert.Contains(t, rep.Steps[0].Note, "blocked state not applied")
	assert.Contains(t, rep.Steps[0].Note, "board offline")

	assert.Equal(t, report.OutcomeBlocked, rep.Outcome)
	assert.Equal(t, status.StatusInProgress, rep.TerminalState)
	assert.Equal(t, status.StatusBacklog, rep.PendingState)
	require.Len(t, rep.Transitions, 1)
	assert.True(t, rep.Transitions[0].Blocked)
	assert.True(t, rep.Transitions[0].Fallback)
	assert.Len(t, rep.ArtifactsOf(run.ArtifactAnnotation), 2)
}

func TestScheduler_Run_FanOutOverURLOnlyItems(t *testing.T) {
	const (
		pr1 = "https://tracker.example/acme/app/pull/1"
		pr2 = "https://tracker.example/acme/app/pull/2"
	)
	def, err := workflow.Load(&manifest.Manifest{
		ID: "review",
		Steps: []manifest.StepEntry{
			{ID: "A", Role: "developer"},
			{ID: "B", Role: "reviewer", FanOut: "A.prs"},
		},
	})
	require.NoError(t, err)

	// Both branches must be in flight at once; items sharing a lock would
	// run one after the other and time out here.
	var inside sync.WaitGroup
	inside.Add(2)
	both := make(chan struct{})
	go func() {
		inside.Wait()
		close(both)
	}()

	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	exec := &agent.MockExecutor{Handler: func(req agent.Request) (agent.Response, error) {
		if req.StepID == "A" {
			return agent.Response{Status: agent.OutcomeSucceeded, Outputs: map[string]any{
				"prs": []any{map[string]any{"url": pr1}, map[string]any{"url": pr2}},
			}}, nil
		}
		inside.Done()
		select {
		case <-both:
			return agent.Response{Status: agent.OutcomeSucceeded, RequestedState: status.StatusInReview}, nil
		case <-time.After(5 * time.Second):
			return agent.Response{Status: agent.OutcomeFailed, Reason: "branches ran one at a time"}, nil
		}
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, def, nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Succeeded", "B[" + pr1 + "]:Succeeded", "B[" + pr2 + "]:Succeeded"}, rep.Sequence())

	calls := tr.SetCalls()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []string{pr1, pr2}, []string{calls[0].Ref.URL, calls[1].Ref.URL})
	assert.Equal(t, status.StatusInReview, tr.State(pr1))
	assert.Equal(t, status.StatusInReview, tr.State(pr2))
	assert.Equal(t, status.StatusBacklog, tr.State("42"))
	assert.Len(t, rep.Transitions, 2)
}

func TestScheduler_Run(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(tr *tracker.MockTracker, exec *agent.MockExecutor)
		wantSeq   []string
		wantSteps []string
		outcome   report.Outcome
	}{
		{
			name: "failed step does not halt",
			setup: func(_ *tracker.MockTracker, exec *agent.MockExecutor) {
				exec.Responses = map[string]agent.Response{"A": {Status: agent.OutcomeFailed, Reason: "tests failed"}}
			},
			wantSeq:   []string{"A:Failed", "B:Skipped", "C:Succeeded"},
			wantSteps: []string{"A", "C"},
			outcome:   report.OutcomeFailed,
		},
		{
			name: "transport error is failed",
			setup: func(_ *tracker.MockTracker, exec *agent.MockExecutor) {
				exec.Errors = map[string]error{"C": errors.New("connection refused")}
			},
			wantSeq:   []string{"A:Succeeded", "B:Skipped", "C:Failed"},
			wantSteps: []string{"A", "C"},
			outcome:   report.OutcomeFailed,
		},
		{
			name: "invalid response is failed",
			setup: func(_ *tracker.MockTracker, exec *agent.MockExecutor) {
				exec.Responses = map[string]agent.Response{"A": {Status: "maybe"}}
			},
			wantSeq:   []string{"A:Failed", "B:Skipped", "C:Succeeded"},
			wantSteps: []string{"A", "C"},
			outcome:   report.OutcomeFailed,
		},
		{
			name: "failed branch",
			setup: func(tr *tracker.MockTracker, exec *agent.MockExecutor) {
				tr.AddChild("42", "42-1", "ops")
				tr.AddChild("42", "42-2", "ops")
				exec.Responses = map[string]agent.Response{"B/42-2": {Status: agent.OutcomeFailed}}
			},
			wantSeq:   []string{"A:Succeeded", "B[42-1]:Succeeded", "B[42-2]:Failed", "C:Succeeded"},
			wantSteps: []string{"A", "B", "B", "C"},
			outcome:   report.OutcomeFailed,
		},
		{
			name: "blocked branch lets siblings finish",
			setup: func(tr *tracker.MockTracker, exec *agent.MockExecutor) {
				tr.AddChild("42", "42-1", "ops")
				tr.AddChild("42", "42-2", "ops")
				exec.Responses = map[string]agent.Response{"B/42-1": {Status: agent.OutcomeBlocked, Reason: "no credentials"}}
			},
			wantSeq:   []string{"A:Succeeded", "B[42-1]:Blocked", "B[42-2]:Succeeded", "C:Skipped"},
			wantSteps: []string{"A", "B", "B"},
			outcome:   report.OutcomeBlocked,
		},
		{
			name: "listing children fails the step",
			setup: func(tr *tracker.MockTracker, _ *agent.MockExecutor) {
				tr.FailOn = map[string]error{"ListChildren": errors.New("rate limited")}
			},
			wantSeq:   []string{"A:Succeeded", "B:Failed", "C:Succeeded"},
			wantSteps: []string{"A", "C"},
			outcome:   report.OutcomeFailed,
		},
		{
			name: "children discovered by an earlier step",
			setup: func(_ *tracker.MockTracker, exec *agent.MockExecutor) {
				exec.Responses = map[string]agent.Response{"A": {
					Status: agent.OutcomeSucceeded,
					Children: []agent.Child{
						{Category: "ops", Body: "provision queue"},
						{Category: "ops", Body: "rotate keys"},
					},
				}}
			},
			wantSeq:   []string{"A:Succeeded", "B[42-1]:Succeeded", "B[42-2]:Succeeded", "C:Succeeded"},
			wantSteps: []string{"A", "B", "B", "C"},
			outcome:   report.OutcomeCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tracker.NewMockTracker("42", status.StatusBacklog)
			exec := &agent.MockExecutor{}
			tt.setup(tr, exec)

			rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSeq, rep.Sequence())
			assert.Equal(t, tt.wantSteps, exec.Steps())
			assert.Equal(t, tt.outcome, rep.Outcome)
		})
	}
}

func TestScheduler_Run_CreatedChildrenAreArtifacts(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {
			Status:   agent.OutcomeSucceeded,
			Children: []agent.Child{{Category: "ops", Body: "provision queue"}},
		},
		"C": {
			Status: agent.OutcomeSucceeded,
			Links: []agent.Link{
				{Kind: agent.LinkPullRequest, URL: "https://git.example/acme/app/pull/7", Title: "Fix login"},
				{Kind: "docs", URL: "https://docs.example/login"},
			},
		},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	children := rep.ArtifactsOf(run.ArtifactChildItem)
	require.Len(t, children, 1)
	assert.Equal(t, "42-1", children[0].Ref.ID)
	assert.Equal(t, "ops", children[0].Category)
	assert.Equal(t, "A", children[0].StepID)

	prs := rep.ArtifactsOf(run.ArtifactPullRequest)
	require.Len(t, prs, 1)
	assert.Equal(t, "https://git.example/acme/app/pull/7", prs[0].URL)
	assert.Len(t, rep.ArtifactsOf(run.ArtifactLink), 1)

	require.Len(t, tr.Created(), 1)
	assert.Equal(t, "provision queue", tr.Created()[0].Body)
}

func TestScheduler_Run_ChildCreationFailure(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	tr.FailOn = map[string]error{"CreateChildItem": errors.New("permission denied")}
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeSucceeded, Children: []agent.Child{{Category: "ops"}}},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, run.StatusFailed, rep.Steps[0].Status)
	assert.Contains(t, rep.Steps[0].Reason, "permission denied")
	assert.Equal(t, report.OutcomeFailed, rep.Outcome)
}

func TestScheduler_Run_UnsupportedTracker(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	tr.Unsupported = true
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeSucceeded, RequestedState: status.StatusReady},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeCompleted, rep.Outcome)
	assert.Equal(t, []string{"Requires manual move to Ready"}, tr.Annotations("42"))
	assert.Equal(t, status.StatusBacklog, rep.TerminalState)
	assert.Equal(t, status.StatusReady, rep.PendingState)
	require.Len(t, rep.Transitions, 1)
	assert.True(t, rep.Transitions[0].Fallback)
	assert.Len(t, rep.ArtifactsOf(run.ArtifactAnnotation), 1)
}

func TestScheduler_Run_BackwardRequestIsNoted(t *testing.T) {
	tr := tracker.NewMockTracker("42", status.StatusInProgress)
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeSucceeded, RequestedState: status.StatusReady},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, run.StatusSucceeded, rep.Steps[0].Status)
	assert.Contains(t, rep.Steps[0].Note, "state request not applied")
	assert.Empty(t, tr.SetCalls())
	assert.Equal(t, status.StatusInProgress, rep.TerminalState)
}

func TestScheduler_Run_FanOutOverOutput(t *testing.T) {
	def, err := workflow.Load(&manifest.Manifest{
		ID: "tasks",
		Steps: []manifest.StepEntry{
			{ID: "A", Role: "analyst"},
			{ID: "B", Role: "developer", FanOut: "A.tasks"},
		},
	})
	require.NoError(t, err)

	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeSucceeded, Outputs: map[string]any{
			"tasks": []any{"write migration", map[string]any{"id": "42-7", "title": "update docs"}},
		}},
	}}

	rep, err := newScheduler(t, tr, exec).Run(context.Background(), admit(t, def, nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Succeeded", "B[#1]:Succeeded", "B[42-7]:Succeeded"}, rep.Sequence())

	var values []any
	for _, req := range exec.Requests() {
		if req.StepID == "B" {
			values = append(values, req.Context[FanOutItemKey])
		}
	}
	assert.ElementsMatch(t, []any{"write migration", map[string]any{"id": "42-7", "title": "update docs"}}, values)
}

func TestScheduler_Run_EmptyFanOut(t *testing.T) {
	def, err := workflow.Load(&manifest.Manifest{
		ID: "ops",
		Steps: []manifest.StepEntry{
			{ID: "B", Role: "devops", FanOut: `children(category="ops")`},
		},
	})
	require.NoError(t, err)

	exec := &agent.MockExecutor{}
	rep, err := newScheduler(t, tracker.NewMockTracker("42", status.StatusBacklog), exec).
		Run(context.Background(), admit(t, def, nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"B:Skipped"}, rep.Sequence())
	assert.Equal(t, `no items in children(category="ops")`, rep.Steps[0].Note)
	assert.Empty(t, exec.Requests())
}

type recordingPrompter struct {
	answers map[string]any
	asked   []string
}

func (p *recordingPrompter) Prompt(_ context.Context, in workflow.InputSpec) (any, error) {
	p.asked = append(p.asked, in.Name)
	return p.answers[in.Name], nil
}

func TestScheduler_Run_LazyOptionalInput(t *testing.T) {
	p := &recordingPrompter{answers: map[string]any{"reviewer": "dana"}}
	exec := &agent.MockExecutor{}

	rep, err := newScheduler(t, tracker.NewMockTracker("42", status.StatusBacklog), exec).
		Run(context.Background(), admit(t, issuePipeline(t), p), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"reviewer"}, p.asked)
	reqs := exec.Requests()
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].Context, "reviewer")
	assert.Equal(t, "dana", reqs[1].Context["reviewer"])
	assert.Equal(t, "acme", reqs[1].Context["owner"])
	assert.Equal(t, "dana", rep.Inputs["reviewer"])
}

func TestScheduler_Run_RequestFields(t *testing.T) {
	exec := &agent.MockExecutor{}
	s := newScheduler(t, tracker.NewMockTracker("42", status.StatusBacklog), exec,
		WithModeFunc(func(role string) string {
			if role == "analyst" {
				return agent.ModeCommentOnly
			}
			return agent.ModeImplement
		}))

	rep, err := s.Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	reqs := exec.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, rep.RunID, reqs[0].RunID)
	assert.Equal(t, "Analyze the issue.", reqs[0].Instructions)
	assert.Equal(t, agent.ModeCommentOnly, reqs[0].Mode)
	assert.Equal(t, agent.ModeImplement, reqs[1].Mode)
	assert.Equal(t, map[string]any{"owner": "acme", "repo": "app", "id": 42}, reqs[0].Context)
}

func TestScheduler_Run_Errors(t *testing.T) {
	exec := &agent.MockExecutor{}
	s := newScheduler(t, tracker.NewMockTracker("42", status.StatusBacklog), exec)

	_, err := s.Run(context.Background(), nil, workItem)
	assert.ErrorIs(t, err, ErrNotAdmitted)

	_, err = s.Run(context.Background(), admit(t, issuePipeline(t), nil), tracker.ItemRef{})
	assert.ErrorIs(t, err, ErrNoWorkItem)

	assert.Empty(t, exec.Requests(), "nothing is invoked before a valid start")
}

func TestScheduler_Run_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &agent.MockExecutor{}
	rep, err := newScheduler(t, tracker.NewMockTracker("42", status.StatusBacklog), exec).
		Run(ctx, admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"A:Failed", "B:Failed", "C:Failed"}, rep.Sequence())
	for _, res := range rep.Steps {
		assert.Equal(t, context.Canceled.Error(), res.Reason)
	}
	assert.Empty(t, exec.Requests())
	assert.Equal(t, report.OutcomeFailed, rep.Outcome)
}

func TestScheduler_Callbacks(t *testing.T) {
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeBlocked, Reason: "r"},
	}}
	s := newScheduler(t, tracker.NewMockTracker("42", status.StatusBacklog), exec)

	var progress []string
	s.SetProgressCallback(func(i, n int, id string) {
		progress = append(progress, fmt.Sprintf("%d/%d %s", i, n, id))
	})
	var results []string
	s.SetResultCallback(func(r run.StepResult) {
		results = append(results, r.Label()+":"+r.Status.Title())
	})

	_, err := s.Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	assert.Equal(t, []string{"1/3 A", "2/3 B", "3/3 C"}, progress)
	assert.Equal(t, []string{"A:Blocked", "B:Skipped", "C:Skipped"}, results)
}

func TestScheduler_Observability(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	collector := metrics.NewCollector(nil)

	tr := tracker.NewMockTracker("42", status.StatusBacklog)
	exec := &agent.MockExecutor{Responses: map[string]agent.Response{
		"A": {Status: agent.OutcomeSucceeded, RequestedState: status.StatusReady},
	}}
	s := newScheduler(t, tr, exec,
		WithTracer(provider.Tracer("test")),
		WithObserver(collector),
		WithDispatchOptions(dispatch.WithMaxConcurrency(1)))

	_, err := s.Run(context.Background(), admit(t, issuePipeline(t), nil), workItem)
	require.NoError(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"run issue-pipeline", "step A", "step B", "step C"}, names)

	runs, err := testutil.GatherAndCount(collector.Registry(), "pipewright_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	steps, err := testutil.GatherAndCount(collector.Registry(), "pipewright_step_results_total")
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
	transitions, err := testutil.GatherAndCount(collector.Registry(), "pipewright_state_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, transitions)
}

func TestScheduler_FastDrain(t *testing.T) {
	outcomes := []agent.Outcome{agent.OutcomeSucceeded, agent.OutcomeFailed, agent.OutcomeBlocked}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "steps")
		drawn := rapid.SliceOfN(rapid.SampledFrom(outcomes), n, n).Draw(rt, "outcomes")

		entries := make([]manifest.StepEntry, n)
		responses := make(map[string]agent.Response, n)
		for i, o := range drawn {
			id := fmt.Sprintf("S%d", i+1)
			entries[i] = manifest.StepEntry{ID: id, Role: "worker"}
			responses[id] = agent.Response{Status: o, Reason: "reason " + id}
		}
		def, err := workflow.Load(&manifest.Manifest{ID: "drain", Steps: entries})
		require.NoError(rt, err)

		exec := &agent.MockExecutor{Responses: responses}
		rep, err := New(tracker.NewMockTracker("42", status.StatusBacklog), exec).
			Run(context.Background(), admit(rt, def, nil), workItem)
		require.NoError(rt, err)
		require.Len(rt, rep.Steps, n)

		blockedAt := -1
		failed := false
		for i, o := range drawn {
			if o == agent.OutcomeBlocked {
				blockedAt = i
				break
			}
			failed = failed || o == agent.OutcomeFailed
		}

		invoked := n
		if blockedAt >= 0 {
			invoked = blockedAt + 1
		}
		assert.Len(rt, exec.Requests(), invoked)

		for i, res := range rep.Steps {
			if blockedAt >= 0 && i > blockedAt {
				assert.Equal(rt, run.StatusSkipped, res.Status)
				continue
			}
			assert.Equal(rt, run.FromOutcome(drawn[i]), res.Status)
		}

		switch {
		case blockedAt >= 0:
			assert.Equal(rt, report.OutcomeBlocked, rep.Outcome)
			assert.Equal(rt, fmt.Sprintf("reason S%d", blockedAt+1), rep.BlockReason)
		case failed:
			assert.Equal(rt, report.OutcomeFailed, rep.Outcome)
		default:
			assert.Equal(rt, report.OutcomeCompleted, rep.Outcome)
		}
	})
}

func TestScheduler_FanOutCount(t *testing.T) {
	def, err := workflow.Load(&manifest.Manifest{
		ID:    "ops",
		Steps: []manifest.StepEntry{{ID: "B", Role: "devops", FanOut: `children(category="ops")`}},
	})
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		m := rapid.IntRange(0, 6).Draw(rt, "children")
		concurrency := rapid.IntRange(1, 4).Draw(rt, "concurrency")

		tr := tracker.NewMockTracker("42", status.StatusBacklog)
		for i := range m {
			tr.AddChild("42", fmt.Sprintf("42-%d", i+1), "ops")
		}
		tr.AddChild("42", "42-docs", "docs")

		exec := &agent.MockExecutor{}
		rep, err := New(tr, exec, WithDispatchOptions(dispatch.WithMaxConcurrency(concurrency))).
			Run(context.Background(), admit(rt, def, nil), workItem)
		require.NoError(rt, err)

		assert.Len(rt, exec.Requests(), m)
		if m == 0 {
			assert.Equal(rt, []string{"B:Skipped"}, rep.Sequence())
			return
		}
		require.Len(rt, rep.Steps, m)
		for i, res := range rep.Steps {
			assert.Equal(rt, run.StatusSucceeded, res.Status)
			assert.Equal(rt, fmt.Sprintf("42-%d", i+1), res.Item.ID)
		}
		assert.LessOrEqual(rt, exec.PeakConcurrency(), concurrency)
	})
}
