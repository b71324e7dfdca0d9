// Package condition implements the step condition language and its evaluator.
//
// A condition is a boolean predicate over the values a run has accumulated:
// input values, step outputs and the snapshot of child work items discovered
// under the run's work item. Supported forms:
//
//	dry_run                              flag truthiness
//	analyze.feasible == true             flag equality (also !=)
//	count(children(category="ops")) > 0  existence-count comparison
//	count(plan.tasks) >= 2               count over a list output
//	a && (b || !c)                       composition (also and / or / not)
//
// Conditions are parsed once when a definition is loaded. Evaluation through
// [Evaluate] is pure: it only reads from the supplied [Scope], is deterministic,
// and short-circuits AND/OR composition.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref is a reference to a run value: an input name or a step id, optionally
// followed by a path into that value (e.g. "analyze.feasible").
type Ref struct {
	Root string
	Path []string
}

// String renders the reference in dotted form.
func (r Ref) String() string {
	if len(r.Path) == 0 {
		return r.Root
	}
	return r.Root + "." + strings.Join(r.Path, ".")
}

func parseRef(s string) Ref {
	parts := strings.Split(s, ".")
	return Ref{Root: parts[0], Path: parts[1:]}
}

// SourceKind distinguishes the two kinds of item sources.
type SourceKind int

const (
	// SourceChildren selects child work items of the run's work item,
	// optionally filtered by category.
	SourceChildren SourceKind = iota

	// SourceRef selects a list-valued run value such as a step output.
	SourceRef
)

// Source yields a dynamic list of items. It is used by existence-count
// comparisons and by fan-out steps.
type Source struct {
	Kind     SourceKind
	Category string
	Ref      Ref
}

// String renders the source in its canonical expression form.
func (s Source) String() string {
	if s.Kind == SourceRef {
		return s.Ref.String()
	}
	if s.Category == "" {
		return ChildrenKeyword
	}
	return fmt.Sprintf("%s(category=%s)", ChildrenKeyword, strconv.Quote(s.Category))
}

// ChildrenKeyword is the reserved name of the child-item source.
const ChildrenKeyword = "children"

// Scope is the read-only view of a run that conditions are evaluated against.
type Scope interface {
	// Lookup resolves a reference. The boolean is false when nothing is bound.
	Lookup(ref Ref) (any, bool)

	// ChildCount returns the number of known child items in the given category.
	// An empty category counts all children.
	ChildCount(category string) int
}

// Condition is a parsed predicate.
type Condition interface {
	// Eval evaluates the predicate against scope.
	Eval(scope Scope) bool

	// String renders the predicate in canonical form.
	String() string

	children() []Condition
}

// FlagOp is the operator of a [Flag] predicate.
type FlagOp int

const (
	// FlagTruthy tests the referenced value for truthiness.
	FlagTruthy FlagOp = iota
	// FlagEquals compares the referenced value to a literal.
	FlagEquals
	// FlagNotEquals is the negation of FlagEquals.
	FlagNotEquals
)

// Flag is a flag truthiness or equality predicate.
type Flag struct {
	Ref   Ref
	Op    FlagOp
	Value any
}

// Eval implements Condition.
func (f *Flag) Eval(scope Scope) bool {
	v, ok := scope.Lookup(f.Ref)
	switch f.Op {
	case FlagEquals:
		return ok && looseEqual(v, f.Value)
	case FlagNotEquals:
		return !ok || !looseEqual(v, f.Value)
	default:
		return ok && truthy(v)
	}
}

// String implements Condition.
func (f *Flag) String() string {
	switch f.Op {
	case FlagEquals:
		return f.Ref.String() + " == " + literalString(f.Value)
	case FlagNotEquals:
		return f.Ref.String() + " != " + literalString(f.Value)
	default:
		return f.Ref.String()
	}
}

func (f *Flag) children() []Condition { return nil }

// CmpOp is a numeric comparison operator.
type CmpOp string

const (
	CmpGT CmpOp = ">"
	CmpGE CmpOp = ">="
	CmpLT CmpOp = "<"
	CmpLE CmpOp = "<="
	CmpEQ CmpOp = "=="
	CmpNE CmpOp = "!="
)

func (op CmpOp) compare(a, b int) bool {
	switch op {
	case CmpGT:
		return a > b
	case CmpGE:
		return a >= b
	case CmpLT:
		return a < b
	case CmpLE:
		return a <= b
	case CmpEQ:
		return a == b
	case CmpNE:
		return a != b
	}
	return false
}

// Count is an existence-count comparison over a [Source].
type Count struct {
	Source Source
	Op     CmpOp
	N      int
}

// Eval implements Condition.
func (c *Count) Eval(scope Scope) bool {
	return c.Op.compare(CountSource(c.Source, scope), c.N)
}

// String implements Condition.
func (c *Count) String() string {
	return fmt.Sprintf("count(%s) %s %d", c.Source, c.Op, c.N)
}

func (c *Count) children() []Condition { return nil }

// And is true when every term is true. Evaluation stops at the first false term.
type And struct {
	Terms []Condition
}

// Eval implements Condition.
func (a *And) Eval(scope Scope) bool {
	for _, t := range a.Terms {
		if !t.Eval(scope) {
			return false
		}
	}
	return true
}

// String implements Condition.
func (a *And) String() string { return joinTerms(a.Terms, " && ") }

func (a *And) children() []Condition { return a.Terms }

// Or is true when any term is true. Evaluation stops at the first true term.
type Or struct {
	Terms []Condition
}

// Eval implements Condition.
func (o *Or) Eval(scope Scope) bool {
	for _, t := range o.Terms {
		if t.Eval(scope) {
			return true
		}
	}
	return false
}

// String implements Condition.
func (o *Or) String() string { return joinTerms(o.Terms, " || ") }

func (o *Or) children() []Condition { return o.Terms }

// Not negates its term.
type Not struct {
	Term Condition
}

// Eval implements Condition.
func (n *Not) Eval(scope Scope) bool { return !n.Term.Eval(scope) }

// String implements Condition.
func (n *Not) String() string { return "!" + n.Term.String() }

func (n *Not) children() []Condition { return []Condition{n.Term} }

func joinTerms(terms []Condition, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Evaluate evaluates c against scope. A nil condition is always true.
func Evaluate(c Condition, scope Scope) bool {
	if c == nil {
		return true
	}
	return c.Eval(scope)
}

// walk visits c and all of its sub-conditions depth first.
func walk(c Condition, fn func(Condition)) {
	if c == nil {
		return
	}
	fn(c)
	for _, child := range c.children() {
		walk(child, fn)
	}
}

// References returns every run-value reference made by c, in source order.
// Child-item sources are not references; see [Categories].
func References(c Condition) []Ref {
	var refs []Ref
	walk(c, func(n Condition) {
		switch v := n.(type) {
		case *Flag:
			refs = append(refs, v.Ref)
		case *Count:
			if v.Source.Kind == SourceRef {
				refs = append(refs, v.Source.Ref)
			}
		}
	})
	return refs
}

// Categories returns the distinct child-item categories c counts over.
// The empty string stands for "all children".
func Categories(c Condition) []string {
	seen := make(map[string]bool)
	var out []string
	walk(c, func(n Condition) {
		if v, ok := n.(*Count); ok && v.Source.Kind == SourceChildren {
			if !seen[v.Source.Category] {
				seen[v.Source.Category] = true
				out = append(out, v.Source.Category)
			}
		}
	})
	return out
}

func literalString(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprint(v)
}
