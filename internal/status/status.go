// Package status defines the lifecycle column of an externally tracked work item.
//
// The lifecycle is a closed, ordered enum:
//
//	backlog → ready → in-progress → in-review → done
//
// Transitions are only ever valid in the forward direction (see [CanAdvance]).
// The "blocked" condition is not a column: it is an annotation on backlog that
// the lifecycle package manages on top of this enum.
package status

import (
	"fmt"
	"strings"
)

// Status is the lifecycle column of a work item.
type Status string

const (
	// StatusBacklog is the initial column. Blocked items always resolve here.
	StatusBacklog Status = "backlog"

	// StatusReady marks an item whose requirements are complete.
	StatusReady Status = "ready"

	// StatusInProgress marks an item being implemented.
	StatusInProgress Status = "in-progress"

	// StatusInReview marks an item with an open review (e.g. a pull request).
	StatusInReview Status = "in-review"

	// StatusDone is the terminal column.
	StatusDone Status = "done"
)

// order is the forward ordering of the lifecycle enum.
var order = []Status{
	StatusBacklog,
	StatusReady,
	StatusInProgress,
	StatusInReview,
	StatusDone,
}

// aliases maps the spellings used by trackers and role documents to a [Status].
var aliases = map[string]Status{
	"backlog":       StatusBacklog,
	"todo":          StatusReady,
	"ready":         StatusReady,
	"ready-for-dev": StatusReady,
	"in-progress":   StatusInProgress,
	"inprogress":    StatusInProgress,
	"doing":         StatusInProgress,
	"in-review":     StatusInReview,
	"inreview":      StatusInReview,
	"review":        StatusInReview,
	"done":          StatusDone,
	"closed":        StatusDone,
}

// All returns the lifecycle columns in forward order.
func All() []Status {
	out := make([]Status, len(order))
	copy(out, order)
	return out
}

// Index returns the position of s in the forward ordering, or -1 if s is not
// a valid status.
func (s Status) Index() int {
	for i, o := range order {
		if o == s {
			return i
		}
	}
	return -1
}

// IsValid returns true if s is one of the lifecycle columns.
func (s Status) IsValid() bool {
	return s.Index() >= 0
}

// IsTerminal returns true for [StatusDone].
func (s Status) IsTerminal() bool {
	return s == StatusDone
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// Title returns the board column label, e.g. "In Progress".
func (s Status) Title() string {
	switch s {
	case StatusBacklog:
		return "Backlog"
	case StatusReady:
		return "Ready"
	case StatusInProgress:
		return "In Progress"
	case StatusInReview:
		return "In Review"
	case StatusDone:
		return "Done"
	}
	return string(s)
}

// ParseStatus converts a tracker or document spelling into a [Status].
//
// Matching is case-insensitive and treats spaces and underscores as dashes, so
// "In Progress", "in_progress" and "in-progress" all parse to [StatusInProgress].
func ParseStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "-", "_", "-").Replace(key)
	if s, ok := aliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown lifecycle state: %q", raw)
}

// CanAdvance reports whether moving from one column to another respects the
// forward-only ordering. Staying in the same column is allowed.
func CanAdvance(from, to Status) bool {
	fi, ti := from.Index(), to.Index()
	if fi < 0 || ti < 0 {
		return false
	}
	return ti >= fi
}
