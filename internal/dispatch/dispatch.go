// Package dispatch invokes step executors.
//
// The [Dispatcher] sends one [agent.Request] per invocation and turns the
// answer into a [Result]. It never interprets the instructions payload and
// never moves work items itself: a requested lifecycle state is forwarded to
// a [StateForwarder] (the lifecycle.StateTracker in production).
//
// Fan-out invocations run concurrently up to MaxConcurrency. Every branch is
// collected; a failing branch does not cancel its siblings. Invocations that
// target the same item are serialized.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pipewright/internal/agent"
	"pipewright/internal/lifecycle"
	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

// DefaultMaxConcurrency bounds concurrent fan-out branches.
const DefaultMaxConcurrency = 4

// StateForwarder receives requested lifecycle transitions.
type StateForwarder interface {
	Request(ctx context.Context, ref tracker.ItemRef, to status.Status) (lifecycle.Transition, error)
}

// Observer is told about every finished invocation.
type Observer interface {
	ObserveInvocation(role string, outcome agent.Outcome, attempts int, d time.Duration)
}

// Result is the outcome of one invocation.
type Result struct {
	Request  agent.Request
	Response agent.Response

	// Err is the last transport error. When set, Response is Failed with
	// Err's text as the reason.
	Err error

	Attempts int
	Duration time.Duration

	// Transition is set when a requested state was forwarded.
	Transition *lifecycle.Transition

	// StateErr is set when the forwarded request was rejected or failed.
	StateErr error
}

// Dispatcher invokes executors. It is safe for concurrent use.
type Dispatcher struct {
	executor       agent.Executor
	states         StateForwarder
	logger         *zap.Logger
	retry          RetryPolicy
	maxConcurrency int
	observer       Observer
	locks          *keyedMutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets the retry policy for transport errors.
func WithRetry(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = p }
}

// WithMaxConcurrency bounds concurrent fan-out branches. Values below one
// mean sequential.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n < 1 {
			n = 1
		}
		d.maxConcurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithObserver sets an invocation observer, e.g. metrics.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher. states may be nil, in which case requested
// states are ignored.
func New(executor agent.Executor, states StateForwarder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		executor:       executor,
		states:         states,
		logger:         zap.NewNop(),
		maxConcurrency: DefaultMaxConcurrency,
		locks:          newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatch"))
	return d
}

// Invoke performs one invocation and forwards its requested state.
func (d *Dispatcher) Invoke(ctx context.Context, req agent.Request) Result {
	target := req.Target()
	unlock := d.locks.Lock(target.Key())
	defer unlock()

	log := d.logger.With(
		zap.String("run", req.RunID),
		zap.String("step", req.StepID),
		zap.String("role", req.Role),
		zap.String("target", target.String()))

	start := time.Now()
	resp, attempts, err := d.call(ctx, req, log)
	res := Result{Request: req, Response: resp, Err: err, Attempts: attempts}

	if err != nil {
		res.Response = agent.Response{Status: agent.OutcomeFailed, Reason: err.Error()}
		log.Warn("invocation failed", zap.Int("attempts", attempts), zap.Error(err))
	}

	if to := res.Response.RequestedState; to != "" && d.states != nil && res.Response.Status != agent.OutcomeBlocked {
		tr, err := d.states.Request(ctx, target, to)
		if err != nil {
			res.StateErr = err
			log.Warn("state request rejected", zap.String("to", string(to)), zap.Error(err))
		} else if !tr.NoOp() {
			res.Transition = &tr
		}
	}

	res.Duration = time.Since(start)
	if d.observer != nil {
		d.observer.ObserveInvocation(req.Role, res.Response.Status, attempts, res.Duration)
	}
	log.Debug("invocation finished",
		zap.String("outcome", string(res.Response.Status)),
		zap.Duration("duration", res.Duration))
	return res
}

// call invokes the executor, retrying transport errors per the policy.
// Invalid responses are not retried.
func (d *Dispatcher) call(ctx context.Context, req agent.Request, log *zap.Logger) (agent.Response, int, error) {
	var resp agent.Response
	attempts := 0

	op := func() error {
		attempts++
		r, err := d.executor.Invoke(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Debug("executor error", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		if err := r.Validate(); err != nil {
			return backoff.Permanent(fmt.Errorf("invalid executor response: %w", err))
		}
		resp = r
		return nil
	}

	err := backoff.Retry(op, d.retry.backOff(ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return resp, attempts, err
}

// FanOut performs reqs concurrently and returns their results in the same
// order. It waits for every branch.
func (d *Dispatcher) FanOut(ctx context.Context, reqs []agent.Request) []Result {
	results := make([]Result, len(reqs))
	sem := semaphore.NewWeighted(int64(d.maxConcurrency))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{
					Request:  req,
					Response: agent.Response{Status: agent.OutcomeFailed, Reason: err.Error()},
					Err:      err,
				}
				return nil
			}
			defer sem.Release(1)
			results[i] = d.Invoke(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug("fan-out finished", zap.Int("branches", len(reqs)))
	return results
}
