// Package scheduler executes an admitted workflow against one work item.
//
// The [Scheduler] walks the definition's steps in declared order. For each
// step it lists the child categories the step reads, evaluates the step's
// condition, then dispatches a single invocation or one invocation per
// fan-out item. Results are recorded in a [run.Context]; requested lifecycle
// states are forwarded through a per-run [lifecycle.StateTracker].
//
// Key behaviors:
//   - A false condition records the step as Skipped
//   - An empty fan-out source records a single Skipped result
//   - A Failed result never halts the run
//   - A Blocked result moves the work item to Backlog and every remaining
//     step is recorded as Skipped without being invoked
//
// A run always ends with a complete [report.Report], blocked and failed runs
// included.
//
// Cancelling the context passed to [Scheduler.Run] does not abort the run.
// Invocations already in flight see the cancelled context and usually fail,
// and every step not yet started is recorded as Failed with the context's
// error as reason, so the report still lists each declared step. There is
// no contract for stopping a step midway.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"pipewright/internal/agent"
	"pipewright/internal/condition"
	"pipewright/internal/dispatch"
	"pipewright/internal/gate"
	"pipewright/internal/lifecycle"
	"pipewright/internal/report"
	"pipewright/internal/run"
	"pipewright/internal/tracker"
	"pipewright/internal/workflow"
)

// FanOutItemKey is the context slice key carrying a fan-out branch's item.
const FanOutItemKey = "fan_out_item"

var (
	// ErrNotAdmitted is returned when Run is called without a gate admission.
	ErrNotAdmitted = errors.New("run not admitted by the input gate")

	// ErrNoWorkItem is returned when Run is called without a work item.
	ErrNoWorkItem = errors.New("no work item")
)

// ProgressCallback is invoked before each step begins.
//
// stepIndex is 1-based. It is called for skipped steps too, so a UI can
// count through the whole definition.
type ProgressCallback func(stepIndex, totalSteps int, stepID string)

// ResultCallback is invoked for every recorded result, one per fan-out
// branch.
type ResultCallback func(result run.StepResult)

// Observer receives run metrics. [metrics.Collector] implements it.
type Observer interface {
	dispatch.Observer
	ObserveStep(workflow, step, status string, d time.Duration)
	ObserveTransition(to, kind string)
	ObserveRun(workflow, outcome string, d time.Duration)
}

// Scheduler runs admitted workflows. It holds no per-run state and may run
// several workflows one after another.
type Scheduler struct {
	tracker  tracker.Tracker
	executor agent.Executor

	logger       *zap.Logger
	tracer       trace.Tracer
	observer     Observer
	dispatchOpts []dispatch.Option
	modeFor      func(role string) string
	now          func() time.Time

	progressCallback ProgressCallback
	resultCallback   ResultCallback
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithDispatchOptions passes options to each run's dispatcher, e.g. the
// retry policy and fan-out concurrency.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(s *Scheduler) { s.dispatchOpts = append(s.dispatchOpts, opts...) }
}

// WithModeFunc sets the default mode for steps that do not declare one.
func WithModeFunc(fn func(role string) string) Option {
	return func(s *Scheduler) { s.modeFor = fn }
}

// New creates a Scheduler that invokes executor and records lifecycle
// states in t.
func New(t tracker.Tracker, executor agent.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		tracker:  t,
		executor: executor,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// SetProgressCallback sets the callback invoked before each step.
func (s *Scheduler) SetProgressCallback(cb ProgressCallback) {
	s.progressCallback = cb
}

// SetResultCallback sets the callback invoked for each recorded result.
func (s *Scheduler) SetResultCallback(cb ResultCallback) {
	s.resultCallback = cb
}

// execution is the state of one Run call.
type execution struct {
	def      *workflow.Definition
	rc       *run.Context
	states   *lifecycle.StateTracker
	dispatch *dispatch.Dispatcher
	prompter gate.InputPrompter
	lazy     map[string]workflow.InputSpec
	log      *zap.Logger
}

// Run executes the admitted workflow against workItem and returns its report.
//
// Only a missing admission or work item is an error; step failures, blocked
// steps and tracker errors are recorded in the report.
func (s *Scheduler) Run(ctx context.Context, adm *gate.Admission, workItem tracker.ItemRef) (*report.Report, error) {
	if adm == nil {
		return nil, ErrNotAdmitted
	}
	if workItem.IsZero() {
		return nil, ErrNoWorkItem
	}

	def := adm.Definition()
	rc := run.NewContext(workItem, adm.Inputs())
	if err := rc.Start(); err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("run", rc.ID()),
		zap.String("workflow", def.ID()),
		zap.String("item", workItem.String()))

	ctx, span := s.tracer.Start(ctx, "run "+def.ID(), trace.WithAttributes(
		attribute.String("run.id", rc.ID()),
		attribute.String("workflow.id", def.ID()),
		attribute.String("work_item", workItem.String())))
	defer span.End()

	states := lifecycle.New(s.tracker, s.logger)
	opts := append([]dispatch.Option{dispatch.WithLogger(s.logger)}, s.dispatchOpts...)
	if s.observer != nil {
		opts = append(opts, dispatch.WithObserver(s.observer))
	}

	ex := &execution{
		def:      def,
		rc:       rc,
		states:   states,
		dispatch: dispatch.New(s.executor, states, opts...),
		prompter: adm.Prompter(),
		lazy:     make(map[string]workflow.InputSpec),
		log:      log,
	}
	for _, in := range adm.Unbound() {
		ex.lazy[in.Name] = in
	}

	startedAt := s.now()
	initial, err := states.Observe(ctx, workItem)
	if err != nil {
		log.Warn("failed to read initial lifecycle state", zap.Error(err))
	}
	rc.SetState(initial)
	log.Info("run started",
		zap.Int("steps", def.Len()),
		zap.String("state", string(initial)))

	steps := def.Steps()
	for i, step := range steps {
		if s.progressCallback != nil {
			s.progressCallback(i+1, len(steps), step.ID)
		}
		s.runStep(ctx, ex, step)
		if st := states.State(workItem); st != "" {
			rc.SetState(st)
		}
	}

	phase, err := rc.Finish()
	if err != nil {
		return nil, err
	}

	rep := report.Build(report.Input{
		Definition:   def,
		Run:          rc,
		States:       states,
		InitialState: initial,
		StartedAt:    startedAt,
		FinishedAt:   s.now(),
	})

	if s.observer != nil {
		s.observer.ObserveRun(def.ID(), string(rep.Outcome), rep.Duration())
	}
	span.SetAttributes(attribute.String("run.outcome", string(rep.Outcome)))
	if phase == run.PhaseBlocked {
		span.SetStatus(codes.Error, "blocked: "+rep.BlockReason)
	}

	log.Info("run finished",
		zap.String("outcome", string(rep.Outcome)),
		zap.String("terminal_state", string(rep.TerminalState)),
		zap.Duration("duration", rep.Duration()))
	return rep, nil
}

// runStep executes one step and records its results.
func (s *Scheduler) runStep(ctx context.Context, ex *execution, step workflow.Step) {
	rc := ex.rc
	log := ex.log.With(zap.String("step", step.ID), zap.String("role", step.Role))

	if blocked, by, _ := rc.Blocked(); blocked {
		s.record(ex, run.StepResult{
			StepID: step.ID,
			Role:   step.Role,
			Status: run.StatusSkipped,
			Note:   "run blocked by " + by,
		})
		return
	}

	ctx, span := s.tracer.Start(ctx, "step "+step.ID, trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.role", step.Role)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		s.record(ex, run.StepResult{
			StepID: step.ID,
			Role:   step.Role,
			Status: run.StatusFailed,
			Reason: err.Error(),
		})
		return
	}

	if err := s.snapshot(ctx, ex, step); err != nil {
		log.Warn("failed to list child items", zap.Error(err))
		span.RecordError(err)
		s.record(ex, run.StepResult{
			StepID: step.ID,
			Role:   step.Role,
			Status: run.StatusFailed,
			Reason: err.Error(),
		})
		return
	}

	if step.HasCondition() && !condition.Evaluate(step.Condition, rc) {
		log.Debug("condition false, skipping", zap.String("condition", step.Condition.String()))
		s.record(ex, run.StepResult{
			StepID: step.ID,
			Role:   step.Role,
			Status: run.StatusSkipped,
			Note:   "condition not met: " + step.Condition.String(),
		})
		return
	}

	s.promptLazy(ctx, ex, step)
	base := s.request(ex, step)

	if !step.IsFanOut() {
		res := ex.dispatch.Invoke(ctx, base)
		sr := s.finish(ctx, ex, step, res)
		if sr.Status == run.StatusBlocked {
			sr.Note = appendNote(sr.Note, s.block(ctx, ex, step.ID, sr.Reason))
		}
		s.record(ex, sr)
		span.SetAttributes(attribute.String("step.status", string(sr.Status)))
		return
	}

	items := fanOutItems(rc, step.FanOut.Source)
	if len(items) == 0 {
		s.record(ex, run.StepResult{
			StepID: step.ID,
			Role:   step.Role,
			Status: run.StatusSkipped,
			Note:   "no items in " + step.FanOut.Source.String(),
		})
		return
	}

	reqs := make([]agent.Request, len(items))
	for i, it := range items {
		req := base
		req.Item = it.ref
		req.Branch = i
		req.Context = maps.Clone(base.Context)
		if req.Context == nil {
			req.Context = make(map[string]any)
		}
		req.Context[FanOutItemKey] = it.value
		reqs[i] = req
	}
	log.Info("fanning out", zap.Int("branches", len(reqs)))
	span.SetAttributes(attribute.Int("step.branches", len(reqs)))

	results := ex.dispatch.FanOut(ctx, reqs)
	srs := make([]run.StepResult, len(results))
	blockedAt := -1
	for i, res := range results {
		srs[i] = s.finish(ctx, ex, step, res)
		if srs[i].Status == run.StatusBlocked && blockedAt < 0 {
			blockedAt = i
		}
	}
	// Siblings have all finished; only then does a blocked branch block the run.
	if blockedAt >= 0 {
		sr := &srs[blockedAt]
		sr.Note = appendNote(sr.Note, s.block(ctx, ex, step.ID, sr.Reason))
	}
	for _, sr := range srs {
		s.record(ex, sr)
	}
}

// snapshot lists every child category the step reads that has not been
// listed yet in this run.
func (s *Scheduler) snapshot(ctx context.Context, ex *execution, step workflow.Step) error {
	var categories []string
	if step.HasCondition() {
		categories = condition.Categories(step.Condition)
	}
	if step.IsFanOut() && step.FanOut.Source.Kind == condition.SourceChildren {
		categories = append(categories, step.FanOut.Source.Category)
	}

	for _, cat := range categories {
		if ex.rc.HasSnapshot(cat) {
			continue
		}
		refs, err := s.tracker.ListChildren(ctx, ex.rc.WorkItem(), cat)
		if err != nil {
			return fmt.Errorf("failed to list children of %s: %w", ex.rc.WorkItem(), err)
		}
		ex.rc.SetSnapshot(cat, refs)
	}
	return nil
}

// promptLazy asks for optional inputs the step reads that were left unbound
// at the gate. Each input is asked at most once per run.
func (s *Scheduler) promptLazy(ctx context.Context, ex *execution, step workflow.Step) {
	if ex.prompter == nil {
		return
	}
	for _, name := range slices.Concat(step.Inputs, step.OptionalInputs) {
		spec, ok := ex.lazy[name]
		if !ok {
			continue
		}
		delete(ex.lazy, name)

		v, err := ex.prompter.Prompt(ctx, spec)
		if err != nil {
			ex.log.Warn("input prompt failed", zap.String("input", name), zap.Error(err))
			continue
		}
		if v != nil && v != "" {
			ex.rc.BindInput(name, v)
		}
	}
}

// request builds the step's invocation for the run's work item.
func (s *Scheduler) request(ex *execution, step workflow.Step) agent.Request {
	mode := step.Mode
	if mode == "" && s.modeFor != nil {
		mode = s.modeFor(step.Role)
	}
	return agent.Request{
		RunID:        ex.rc.ID(),
		StepID:       step.ID,
		Role:         step.Role,
		Instructions: step.Instructions,
		Mode:         mode,
		WorkItem:     ex.rc.WorkItem(),
		Context:      ex.rc.Slice(slices.Concat(step.Inputs, step.OptionalInputs)),
	}
}

// finish turns a dispatch result into a step result, materializing the
// children, links and annotations it reports.
func (s *Scheduler) finish(ctx context.Context, ex *execution, step workflow.Step, res dispatch.Result) run.StepResult {
	resp := res.Response
	sr := run.StepResult{
		StepID:         step.ID,
		Role:           step.Role,
		Status:         run.FromOutcome(resp.Status),
		Item:           res.Request.Item,
		Branch:         res.Request.Branch,
		FanOut:         step.IsFanOut(),
		Outputs:        resp.Outputs,
		RequestedState: resp.RequestedState,
		Reason:         resp.Reason,
		Transition:     res.Transition,
		Attempts:       res.Attempts,
		Duration:       res.Duration,
	}

	if res.StateErr != nil {
		sr.Note = "state request not applied: " + res.StateErr.Error()
	}
	if res.Transition != nil {
		s.transitionArtifacts(ex, step.ID, *res.Transition)
	}

	if sr.Status == run.StatusBlocked {
		return sr
	}

	target := res.Request.Target()
	for _, child := range resp.Children {
		ref := child.Ref
		if ref.IsZero() {
			created, err := s.tracker.CreateChildItem(ctx, target, child.Category, child.Body)
			if err != nil {
				ex.log.Warn("failed to create child item",
					zap.String("step", step.ID),
					zap.String("category", child.Category),
					zap.Error(err))
				sr.Status = run.StatusFailed
				sr.Reason = fmt.Sprintf("failed to create %s child of %s: %v", child.Category, target, err)
				continue
			}
			ref = created
			ex.rc.AddArtifact(run.Artifact{
				Kind:     run.ArtifactChildItem,
				StepID:   step.ID,
				Ref:      ref,
				Category: child.Category,
			})
		}
		if res.Request.Item == nil {
			ex.rc.AddChild(ref, child.Category)
		}
	}

	for _, link := range resp.Links {
		kind := run.ArtifactLink
		if link.Kind == agent.LinkPullRequest {
			kind = run.ArtifactPullRequest
		}
		ex.rc.AddArtifact(run.Artifact{
			Kind:   kind,
			StepID: step.ID,
			Ref:    target,
			URL:    link.URL,
			Note:   link.Title,
		})
	}
	return sr
}

// block moves the work item to Backlog and stops the run. It returns a note
// for the blocking result when the tracker could not be updated as asked.
func (s *Scheduler) block(ctx context.Context, ex *execution, stepID, reason string) string {
	ex.rc.Block(stepID, reason)
	tr, err := ex.states.Block(ctx, ex.rc.WorkItem(), reason)
	s.transitionArtifacts(ex, stepID, tr)
	ex.log.Warn("run blocked", zap.String("step", stepID), zap.String("reason", reason))

	var notes []string
	if tr.Note != "" {
		notes = append(notes, "blocked state not applied: "+tr.Note)
	}
	if err != nil {
		ex.log.Error("failed to record blocked state", zap.String("step", stepID), zap.Error(err))
		notes = append(notes, err.Error())
	}
	return strings.Join(notes, "; ")
}

func appendNote(note, more string) string {
	switch {
	case more == "":
		return note
	case note == "":
		return more
	}
	return note + "; " + more
}

func (s *Scheduler) transitionArtifacts(ex *execution, stepID string, tr lifecycle.Transition) {
	for _, text := range tr.Annotations {
		ex.rc.AddArtifact(run.Artifact{
			Kind:   run.ArtifactAnnotation,
			StepID: stepID,
			Ref:    tr.Ref,
			Note:   text,
		})
	}
	if s.observer != nil {
		s.observer.ObserveTransition(string(tr.To), transitionKind(tr))
	}
}

func transitionKind(tr lifecycle.Transition) string {
	switch {
	case tr.Blocked:
		return "blocked"
	case tr.Fallback:
		return "fallback"
	}
	return "applied"
}

// record stores a result and notifies observers.
func (s *Scheduler) record(ex *execution, sr run.StepResult) {
	ex.rc.Record(sr)
	if s.observer != nil {
		s.observer.ObserveStep(ex.def.ID(), sr.StepID, string(sr.Status), sr.Duration)
	}
	if s.resultCallback != nil {
		s.resultCallback(sr)
	}
	ex.log.Debug("step result",
		zap.String("step", sr.Label()),
		zap.String("status", string(sr.Status)),
		zap.String("reason", sr.Reason))
}

// fanOutItem is one resolved fan-out item. ref is nil for plain values,
// whose branches target the run's work item.
type fanOutItem struct {
	ref   *tracker.ItemRef
	value any
}

// fanOutItems resolves a fan-out source against the run.
func fanOutItems(rc *run.Context, src condition.Source) []fanOutItem {
	if src.Kind == condition.SourceChildren {
		refs := rc.Children(src.Category)
		items := make([]fanOutItem, len(refs))
		for i, ref := range refs {
			items[i] = fanOutItem{ref: &ref, value: ref}
		}
		return items
	}

	v, ok := rc.Lookup(src.Ref)
	if !ok {
		return nil
	}
	var items []fanOutItem
	for _, raw := range condition.Items(v) {
		items = append(items, fanOutItem{ref: itemRef(raw), value: raw})
	}
	return items
}

// itemRef returns the work item a run value names: an ItemRef, or a map
// with an "id" or "url" key. Other values name no item.
func itemRef(v any) *tracker.ItemRef {
	switch t := v.(type) {
	case tracker.ItemRef:
		return &t
	case *tracker.ItemRef:
		return t
	case map[string]any:
		ref := tracker.ItemRef{}
		if id, ok := t["id"]; ok && id != nil {
			ref.ID = fmt.Sprint(id)
		}
		if url, ok := t["url"].(string); ok {
			ref.URL = url
		}
		if !ref.IsZero() {
			return &ref
		}
	}
	return nil
}
