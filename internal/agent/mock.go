package agent

import (
	"context"
	"sync"
	"time"
)

// MockExecutor is a scripted [Executor] for tests. It is safe for concurrent use.
//
// Responses are looked up by "<step>/<item key>" first, then by step id; when
// neither matches the executor succeeds with no outputs. Errors works the
// same way and takes precedence.
type MockExecutor struct {
	// Responses maps a step id or "<step>/<item key>" to a response.
	Responses map[string]Response

	// Errors maps a step id or "<step>/<item key>" to a transport error.
	Errors map[string]error

	// Handler, when set, replaces the scripted lookup.
	Handler func(req Request) (Response, error)

	// Delay is slept before answering, respecting ctx.
	Delay time.Duration

	mu       sync.Mutex
	requests []Request
	inFlight int
	peak     int
}

// Invoke implements [Executor].
func (m *MockExecutor) Invoke(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	if m.Handler != nil {
		return m.Handler(req)
	}

	keys := []string{req.StepID}
	if req.Item != nil {
		keys = []string{req.StepID + "/" + req.Item.Key(), req.StepID}
	}
	for _, k := range keys {
		if err, ok := m.Errors[k]; ok {
			return Response{}, err
		}
	}
	for _, k := range keys {
		if resp, ok := m.Responses[k]; ok {
			return resp, nil
		}
	}
	return Response{Status: OutcomeSucceeded}, nil
}

// Requests returns every request received, in arrival order.
func (m *MockExecutor) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Steps returns the step id of every request, in arrival order.
func (m *MockExecutor) Steps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.requests))
	for i, r := range m.requests {
		ids[i] = r.StepID
	}
	return ids
}

// PeakConcurrency returns the largest number of overlapping invocations seen.
func (m *MockExecutor) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
