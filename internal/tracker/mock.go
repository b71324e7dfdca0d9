package tracker

import (
	"context"
	"fmt"
	"sync"

	"pipewright/internal/status"
)

// MockChild is a child item known to a [MockTracker].
type MockChild struct {
	Ref      ItemRef
	Parent   string
	Category string
	Body     string
}

// StateChange records one SetLifecycleState call.
type StateChange struct {
	Ref   ItemRef
	State status.Status
}

// MockTracker is an in-memory [Tracker] for tests. It is safe for concurrent
// use. The zero value is ready to use: unknown items start in Backlog.
type MockTracker struct {
	mu sync.Mutex

	// Unsupported makes SetLifecycleState return an [*UnsupportedOperationError].
	Unsupported bool

	// FailOn makes the named operation (e.g. "ListChildren") return the error.
	FailOn map[string]error

	states      map[string]status.Status
	children    []MockChild
	annotations map[string][]string
	setCalls    []StateChange
	listCalls   int
}

// NewMockTracker returns a tracker holding one item in the given state.
func NewMockTracker(id string, state status.Status) *MockTracker {
	m := &MockTracker{}
	m.SetState(id, state)
	return m
}

// SetState seeds the state of an item without recording a call.
func (m *MockTracker) SetState(id string, state status.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]status.Status)
	}
	m.states[id] = state
}

// AddChild seeds a child item.
func (m *MockTracker) AddChild(parent, id, category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children = append(m.children, MockChild{Ref: ItemRef{ID: id}, Parent: parent, Category: category})
}

func (m *MockTracker) fail(op string) error {
	if err, ok := m.FailOn[op]; ok {
		return err
	}
	return nil
}

// CreateChildItem implements [Tracker].
func (m *MockTracker) CreateChildItem(_ context.Context, parent ItemRef, category, body string) (ItemRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateChildItem"); err != nil {
		return ItemRef{}, err
	}
	ref := ItemRef{ID: fmt.Sprintf("%s-%d", parent.Key(), len(m.children)+1)}
	m.children = append(m.children, MockChild{Ref: ref, Parent: parent.Key(), Category: category, Body: body})
	return ref, nil
}

// ListChildren implements [Tracker].
func (m *MockTracker) ListChildren(_ context.Context, parent ItemRef, category string) ([]ItemRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if err := m.fail("ListChildren"); err != nil {
		return nil, err
	}
	var refs []ItemRef
	for _, c := range m.children {
		if c.Parent == parent.Key() && (category == "" || c.Category == category) {
			refs = append(refs, c.Ref)
		}
	}
	return refs, nil
}

// GetLifecycleState implements [Tracker].
func (m *MockTracker) GetLifecycleState(_ context.Context, ref ItemRef) (status.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetLifecycleState"); err != nil {
		return "", err
	}
	if s, ok := m.states[ref.Key()]; ok {
		return s, nil
	}
	return status.StatusBacklog, nil
}

// SetLifecycleState implements [Tracker].
func (m *MockTracker) SetLifecycleState(_ context.Context, ref ItemRef, state status.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unsupported {
		return &UnsupportedOperationError{Operation: "SetLifecycleState", Reason: "no board column API"}
	}
	if err := m.fail("SetLifecycleState"); err != nil {
		return err
	}
	if m.states == nil {
		m.states = make(map[string]status.Status)
	}
	m.states[ref.Key()] = state
	m.setCalls = append(m.setCalls, StateChange{Ref: ref, State: state})
	return nil
}

// AppendAnnotation implements [Tracker].
func (m *MockTracker) AppendAnnotation(_ context.Context, ref ItemRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendAnnotation"); err != nil {
		return err
	}
	if m.annotations == nil {
		m.annotations = make(map[string][]string)
	}
	m.annotations[ref.Key()] = append(m.annotations[ref.Key()], text)
	return nil
}

// State returns the current state of the item keyed id (see [ItemRef.Key]).
func (m *MockTracker) State(id string) status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s
	}
	return status.StatusBacklog
}

// Annotations returns the annotations appended to the item keyed id.
func (m *MockTracker) Annotations(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.annotations[id]...)
}

// SetCalls returns every successful SetLifecycleState call in order.
func (m *MockTracker) SetCalls() []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateChange(nil), m.setCalls...)
}

// Created returns every child item, seeded or created.
func (m *MockTracker) Created() []MockChild {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockChild(nil), m.children...)
}

// ListCalls returns how many times ListChildren was called.
func (m *MockTracker) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}
