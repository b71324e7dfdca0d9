// Package lifecycle keeps external work items' lifecycle columns consistent
// during a run.
//
// [StateTracker] mirrors the column of each item it touches and is the only
// component that moves items. Requested transitions are checked against the
// forward-only ordering of [status.Status] before the tracker is asked to
// apply them. When the tracker cannot move items it returns an
// [*tracker.UnsupportedOperationError]; the StateTracker then leaves the
// column alone, appends a "requires manual move" annotation and records the
// requested state as pending so later requests are still validated against it.
//
// Blocking an item always resolves to Backlog with a "Blocked" annotation,
// whatever the current column. A blocked item never advances again within the
// run.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

var (
	// ErrBackwardTransition is returned for a request that would move an item
	// to an earlier column.
	ErrBackwardTransition = errors.New("backward lifecycle transition")

	// ErrItemBlocked is returned for any request on an item blocked in this run.
	ErrItemBlocked = errors.New("item is blocked")
)

// Transition records one handled request.
type Transition struct {
	Ref  tracker.ItemRef `json:"ref" yaml:"ref"`
	From status.Status   `json:"from" yaml:"from"`
	To   status.Status   `json:"to" yaml:"to"`

	// Applied means the tracker moved the item.
	Applied bool `json:"applied" yaml:"applied"`

	// Fallback means the tracker could not move the item and an annotation
	// was recorded instead.
	Fallback bool `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// Blocked marks the transition made by [StateTracker.Block].
	Blocked bool `json:"blocked,omitempty" yaml:"blocked,omitempty"`

	// Annotations are the texts appended to the item by this transition.
	Annotations []string `json:"annotations,omitempty" yaml:"annotations,omitempty"`

	// Note describes a tracker failure the transition worked around.
	Note string `json:"note,omitempty" yaml:"note,omitempty"`
}

// NoOp reports whether the request changed nothing.
func (t Transition) NoOp() bool {
	return !t.Applied && !t.Fallback && !t.Blocked
}

// Annotation is a comment appended to an item during the run.
type Annotation struct {
	Ref  tracker.ItemRef `json:"ref" yaml:"ref"`
	Text string          `json:"text" yaml:"text"`
}

type item struct {
	mu sync.Mutex

	ref      tracker.ItemRef
	observed bool
	mirrored status.Status
	pending  status.Status
	blocked  bool
	reason   string
	notes    map[string]bool
}

// effective is the state used for ordering checks.
func (it *item) effective() status.Status {
	if it.pending != "" {
		return it.pending
	}
	return it.mirrored
}

// StateTracker applies lifecycle transitions through a [tracker.Tracker].
// It is safe for concurrent use; requests for the same item are serialized.
type StateTracker struct {
	tracker tracker.Tracker
	logger  *zap.Logger

	mu          sync.Mutex
	items       map[string]*item
	history     []Transition
	annotations []Annotation
}

// New creates a StateTracker. A nil logger disables logging.
func New(t tracker.Tracker, logger *zap.Logger) *StateTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateTracker{
		tracker: t,
		logger:  logger.With(zap.String("component", "lifecycle")),
		items:   make(map[string]*item),
	}
}

func (s *StateTracker) item(ref tracker.ItemRef) *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[ref.Key()]
	if !ok {
		it = &item{ref: ref, notes: make(map[string]bool)}
		s.items[ref.Key()] = it
	}
	return it
}

// observe reads the item's column once. Caller holds it.mu.
func (s *StateTracker) observe(ctx context.Context, it *item) error {
	if it.observed {
		return nil
	}
	st, err := s.tracker.GetLifecycleState(ctx, it.ref)
	if err != nil {
		if !tracker.IsUnsupported(err) {
			return fmt.Errorf("failed to read lifecycle state of %s: %w", it.ref, err)
		}
		st = status.StatusBacklog
	}
	it.mirrored = st
	it.observed = true
	return nil
}

// Observe reads and mirrors the current column of ref. Later calls return
// the mirrored state without querying the tracker.
func (s *StateTracker) Observe(ctx context.Context, ref tracker.ItemRef) (status.Status, error) {
	it := s.item(ref)
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := s.observe(ctx, it); err != nil {
		return "", err
	}
	return it.effective(), nil
}

// Request moves ref forward to the given state.
//
// Requesting the current state is a no-op. A backward request returns
// [ErrBackwardTransition] and a request for a blocked item [ErrItemBlocked];
// neither touches the tracker.
func (s *StateTracker) Request(ctx context.Context, ref tracker.ItemRef, to status.Status) (Transition, error) {
	if !to.IsValid() {
		return Transition{}, fmt.Errorf("invalid lifecycle state %q", to)
	}

	it := s.item(ref)
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.blocked {
		return Transition{}, fmt.Errorf("%s: %w", ref, ErrItemBlocked)
	}
	if err := s.observe(ctx, it); err != nil {
		return Transition{}, err
	}

	from := it.effective()
	tr := Transition{Ref: ref, From: from, To: to}
	if to == from {
		return tr, nil
	}
	if !status.CanAdvance(from, to) {
		return Transition{}, fmt.Errorf("%s: %s -> %s: %w", ref, from, to, ErrBackwardTransition)
	}

	if err := s.set(ctx, it, to, &tr); err != nil {
		return Transition{}, err
	}
	s.record(tr)
	return tr, nil
}

// set applies to through the tracker, falling back to an annotation.
// Caller holds it.mu.
func (s *StateTracker) set(ctx context.Context, it *item, to status.Status, tr *Transition) error {
	err := s.tracker.SetLifecycleState(ctx, it.ref, to)
	switch {
	case err == nil:
		it.mirrored = to
		it.pending = ""
		tr.Applied = true
		s.logger.Info("lifecycle state applied",
			zap.String("item", it.ref.String()),
			zap.String("from", string(tr.From)),
			zap.String("to", string(to)))
		return nil

	case tracker.IsUnsupported(err):
		text := ManualMoveAnnotation(to)
		if err := s.annotate(ctx, it, text, tr); err != nil {
			return err
		}
		it.pending = to
		tr.Fallback = true
		s.logger.Warn("tracker cannot move items, recorded annotation",
			zap.String("item", it.ref.String()),
			zap.String("to", string(to)),
			zap.Error(err))
		return nil

	default:
		return fmt.Errorf("failed to move %s to %s: %w", it.ref, to, err)
	}
}

// annotate appends text once per item. Caller holds it.mu.
func (s *StateTracker) annotate(ctx context.Context, it *item, text string, tr *Transition) error {
	if it.notes[text] {
		return nil
	}
	if err := s.tracker.AppendAnnotation(ctx, it.ref, text); err != nil {
		return fmt.Errorf("failed to annotate %s: %w", it.ref, err)
	}
	it.notes[text] = true
	tr.Annotations = append(tr.Annotations, text)

	s.mu.Lock()
	s.annotations = append(s.annotations, Annotation{Ref: it.ref, Text: text})
	s.mu.Unlock()
	return nil
}

func (s *StateTracker) record(tr Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, tr)
}

// Block moves ref to Backlog and annotates it with the reason. Blocking an
// already blocked item is a no-op.
//
// The item is marked blocked and the "Blocked" annotation is attempted even
// when the tracker fails to read or move it; such failures are recorded as a
// fallback with a Note on the returned transition. The error is non-nil only
// when the block annotation itself could not be written.
func (s *StateTracker) Block(ctx context.Context, ref tracker.ItemRef, reason string) (Transition, error) {
	it := s.item(ref)
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.blocked {
		return Transition{Ref: ref, From: it.effective(), To: status.StatusBacklog}, nil
	}

	tr := Transition{Ref: ref, To: status.StatusBacklog, Blocked: true}
	var notes []string
	if err := s.observe(ctx, it); err != nil {
		notes = append(notes, err.Error())
	}
	tr.From = it.effective()

	moved := it.observed && it.mirrored == status.StatusBacklog
	if !moved {
		if err := s.set(ctx, it, status.StatusBacklog, &tr); err != nil {
			notes = append(notes, err.Error())
			tr.Fallback = true
			if aerr := s.annotate(ctx, it, ManualMoveAnnotation(status.StatusBacklog), &tr); aerr != nil {
				s.logger.Warn("failed to record manual move annotation",
					zap.String("item", ref.String()),
					zap.Error(aerr))
			}
			s.logger.Warn("failed to move blocked item to backlog",
				zap.String("item", ref.String()),
				zap.Error(err))
		}
		moved = tr.Applied
	}

	annErr := s.annotate(ctx, it, BlockedAnnotation(reason), &tr)

	it.pending = ""
	if moved {
		it.mirrored = status.StatusBacklog
	}
	it.blocked = true
	it.reason = reason
	tr.Note = strings.Join(notes, "; ")
	s.record(tr)

	s.logger.Warn("work item blocked",
		zap.String("item", ref.String()),
		zap.String("reason", reason))
	return tr, annErr
}

// State returns the effective state of ref: the pending state when the
// tracker could not apply the last request, otherwise the mirrored column.
// Blocked items report Backlog. Unknown items report "".
func (s *StateTracker) State(ref tracker.ItemRef) status.Status {
	s.mu.Lock()
	it, ok := s.items[ref.Key()]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.blocked {
		return status.StatusBacklog
	}
	return it.effective()
}

// Mirrored returns the last column known to be set in the tracker.
func (s *StateTracker) Mirrored(ref tracker.ItemRef) status.Status {
	s.mu.Lock()
	it, ok := s.items[ref.Key()]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.mirrored
}

// IsBlocked reports whether ref was blocked in this run, and why.
func (s *StateTracker) IsBlocked(ref tracker.ItemRef) (bool, string) {
	s.mu.Lock()
	it, ok := s.items[ref.Key()]
	s.mu.Unlock()
	if !ok {
		return false, ""
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.blocked, it.reason
}

// History returns every non-trivial transition in the order handled.
func (s *StateTracker) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

// Annotations returns every annotation appended during the run.
func (s *StateTracker) Annotations() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Annotation(nil), s.annotations...)
}

// ManualMoveAnnotation is the fallback text for a transition the tracker
// cannot apply.
func ManualMoveAnnotation(to status.Status) string {
	return fmt.Sprintf("Requires manual move to %s", to.Title())
}

// BlockedAnnotation is the text recorded when an item is blocked.
func BlockedAnnotation(reason string) string {
	if reason == "" {
		return "Blocked"
	}
	return "Blocked: " + reason
}
