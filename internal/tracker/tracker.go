// Package tracker defines the contract to the external work-item tracker.
//
// The engine never talks to a ticketing system directly. It consumes the
// [Tracker] interface, which can create and list child items, read and set the
// lifecycle column of an item, and append free-text annotations. A tracker
// that cannot perform an operation (for example, a board without a column
// API) returns an [*UnsupportedOperationError]; the lifecycle package turns
// that into an annotation instead of a failure.
//
// Implementations:
//   - [FileTracker] - a YAML board file, used by the CLI
//   - [MockTracker] - an in-memory tracker for tests
package tracker

import (
	"context"
	"errors"
	"fmt"

	"pipewright/internal/status"
)

// ErrItemNotFound is returned when a referenced item does not exist.
var ErrItemNotFound = errors.New("item not found")

// ItemRef is an opaque reference to an external work item.
type ItemRef struct {
	ID  string `json:"id" yaml:"id"`
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// String returns the URL when known, otherwise the id.
func (r ItemRef) String() string {
	if r.URL != "" {
		return r.URL
	}
	return r.ID
}

// Key identifies the referenced item within a run: the id, or the URL for
// items known only by URL.
func (r ItemRef) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.URL
}

// Matches reports whether r and other reference the same item.
func (r ItemRef) Matches(other ItemRef) bool {
	if r.ID != "" || other.ID != "" {
		return r.ID == other.ID
	}
	return r.URL == other.URL
}

// IsZero reports whether r references nothing.
func (r ItemRef) IsZero() bool { return r.ID == "" && r.URL == "" }

// Tracker is the external work-item tracker.
type Tracker interface {
	// CreateChildItem creates an item under parent in the given category.
	CreateChildItem(ctx context.Context, parent ItemRef, category, body string) (ItemRef, error)

	// ListChildren returns the children of parent, filtered by category.
	// An empty category returns all children.
	ListChildren(ctx context.Context, parent ItemRef, category string) ([]ItemRef, error)

	// GetLifecycleState returns the current column of ref.
	GetLifecycleState(ctx context.Context, ref ItemRef) (status.Status, error)

	// SetLifecycleState moves ref to state. It returns an
	// [*UnsupportedOperationError] when the tracker cannot move items.
	SetLifecycleState(ctx context.Context, ref ItemRef, state status.Status) error

	// AppendAnnotation adds a comment to ref.
	AppendAnnotation(ctx context.Context, ref ItemRef, text string) error
}

// UnsupportedOperationError reports a tracker capability that is unavailable.
type UnsupportedOperationError struct {
	// Operation is the tracker method that is unsupported.
	Operation string

	// Reason explains why, for the annotation shown to humans.
	Reason string
}

// Error implements the error interface.
func (e *UnsupportedOperationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tracker does not support %s", e.Operation)
	}
	return fmt.Sprintf("tracker does not support %s: %s", e.Operation, e.Reason)
}

// IsUnsupported reports whether err is or wraps an [*UnsupportedOperationError].
func IsUnsupported(err error) bool {
	var unsupported *UnsupportedOperationError
	return errors.As(err, &unsupported)
}
