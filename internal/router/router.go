// Package router routes agent roles to executors.
//
// A definition names roles ("analyst", "devops", ...), never executors. The
// [Router] is the central decision point that binds each role to the
// [agent.Executor] that serves it, with an optional fallback for roles that
// have no dedicated route. The router is itself an [agent.Executor] that
// dispatches on [agent.Request.Role].
//
// Routes are usually built from configuration with [NewRouterFromRoles]; tests
// register executors directly with [Router.Register].
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"pipewright/internal/agent"
	"pipewright/internal/workflow"
)

// Sentinel errors for role routing.
var (
	// ErrUnknownRole indicates a role with no route and no fallback. Callers
	// should report this before a run starts, since it likely indicates a typo
	// in the definition or the roles configuration.
	ErrUnknownRole = errors.New("unknown agent role")

	// ErrNoRole indicates a request without a role.
	ErrNoRole = errors.New("request has no role")
)

// Router routes roles to executors.
//
// Create with [NewRouter] for an empty table or [NewRouterFromRoles] to build
// one executor per configured role.
type Router struct {
	// routes maps role name → executor.
	routes map[string]agent.Executor

	// fallback serves roles without a route. Nil means no fallback.
	fallback agent.Executor
}

// NewRouter creates an empty [Router].
func NewRouter() *Router {
	return &Router{routes: make(map[string]agent.Executor)}
}

// ExecutorFactory builds the executor for a role.
type ExecutorFactory func(role string) (agent.Executor, error)

// NewRouterFromRoles creates a [Router] with one route per role, built by factory.
//
// Duplicate roles are routed once.
func NewRouterFromRoles(roles []string, factory ExecutorFactory) (*Router, error) {
	r := NewRouter()
	for _, role := range roles {
		if _, seen := r.routes[normalize(role)]; seen {
			continue
		}
		e, err := factory(role)
		if err != nil {
			return nil, fmt.Errorf("build executor for role %q: %w", role, err)
		}
		r.Register(role, e)
	}
	return r, nil
}

// Register routes role to e, replacing any previous route.
func (r *Router) Register(role string, e agent.Executor) {
	r.routes[normalize(role)] = e
}

// SetFallback sets the executor for roles without a route.
func (r *Router) SetFallback(e agent.Executor) {
	r.fallback = e
}

// Executor returns the executor for role.
//
// Returns [ErrUnknownRole] when there is neither a route nor a fallback.
func (r *Router) Executor(role string) (agent.Executor, error) {
	if e, ok := r.routes[normalize(role)]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

// Roles returns the routed role names, sorted.
func (r *Router) Roles() []string {
	roles := make([]string, 0, len(r.routes))
	for role := range r.routes {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Check returns an error naming every role used by def that cannot be routed.
func (r *Router) Check(def *workflow.Definition) error {
	if r.fallback != nil {
		return nil
	}
	var missing []string
	for _, s := range def.Steps() {
		if _, ok := r.routes[normalize(s.Role)]; !ok && !slices.Contains(missing, s.Role) {
			missing = append(missing, s.Role)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRole, strings.Join(missing, ", "))
	}
	return nil
}

// Invoke implements [agent.Executor] by routing on req.Role.
func (r *Router) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	if req.Role == "" {
		return agent.Response{}, ErrNoRole
	}
	e, err := r.Executor(req.Role)
	if err != nil {
		return agent.Response{}, err
	}
	return e.Invoke(ctx, req)
}

// RolesOf returns the distinct roles used by def in step order.
func RolesOf(def *workflow.Definition) []string {
	var roles []string
	for _, s := range def.Steps() {
		if !slices.Contains(roles, s.Role) {
			roles = append(roles, s.Role)
		}
	}
	return roles
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
