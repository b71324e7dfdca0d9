package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Formats accepted by [Report.Encode].
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatFlat = "flat"
)

// Field is one entry of the flat record.
type Field struct {
	Key   string
	Value string
}

// Flat returns the report as ordered key/value pairs. Keys are stable:
// step.N.*, artifact.N.* and transition.N.* are numbered from 1 and
// output.<name> follows the definition's outputs.
func (r *Report) Flat() []Field {
	var f []Field
	add := func(k, v string) { f = append(f, Field{Key: k, Value: v}) }

	add("run_id", r.RunID)
	add("workflow", r.WorkflowID)
	add("work_item", r.WorkItem.String())
	add("outcome", string(r.Outcome))
	add("started_at", r.StartedAt.UTC().Format(time.RFC3339))
	add("finished_at", r.FinishedAt.UTC().Format(time.RFC3339))
	add("initial_state", string(r.InitialState))
	add("terminal_state", string(r.TerminalState))
	if r.PendingState != "" {
		add("pending_state", string(r.PendingState))
	}
	add("blocked", strconv.FormatBool(r.Blocked))
	if r.Blocked {
		add("blocked_by", r.BlockedBy)
		add("block_reason", r.BlockReason)
	}
	add("sequence", strings.Join(r.Sequence(), ","))

	add("steps", strconv.Itoa(len(r.Steps)))
	for i, s := range r.Steps {
		p := fmt.Sprintf("step.%d.", i+1)
		add(p+"id", s.StepID)
		if s.Item != nil {
			add(p+"item", s.Item.String())
		}
		add(p+"status", string(s.Status))
		if s.Reason != "" {
			add(p+"reason", s.Reason)
		}
		if s.Note != "" {
			add(p+"note", s.Note)
		}
		if s.RequestedState != "" {
			add(p+"requested_state", string(s.RequestedState))
		}
	}

	for i, t := range r.Transitions {
		p := fmt.Sprintf("transition.%d.", i+1)
		add(p+"item", t.Ref.String())
		add(p+"from", string(t.From))
		add(p+"to", string(t.To))
		add(p+"kind", transitionKind(t.Applied, t.Fallback, t.Blocked))
	}

	add("artifacts", strconv.Itoa(len(r.Artifacts)))
	for i, a := range r.Artifacts {
		p := fmt.Sprintf("artifact.%d.", i+1)
		add(p+"kind", string(a.Kind))
		if a.StepID != "" {
			add(p+"step", a.StepID)
		}
		if !a.Ref.IsZero() {
			add(p+"ref", a.Ref.String())
		}
		if a.URL != "" {
			add(p+"url", a.URL)
		}
		if a.Category != "" {
			add(p+"category", a.Category)
		}
		if a.Note != "" {
			add(p+"note", a.Note)
		}
	}

	names := make([]string, 0, len(r.Outputs))
	for name := range r.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add("output."+name, fmt.Sprint(r.Outputs[name]))
	}
	return f
}

func transitionKind(applied, fallback, blocked bool) string {
	switch {
	case blocked && fallback:
		return "blocked-fallback"
	case blocked:
		return "blocked"
	case fallback:
		return "fallback"
	case applied:
		return "applied"
	}
	return "none"
}

// FlatMap returns the flat record as a map.
func (r *Report) FlatMap() map[string]string {
	m := make(map[string]string)
	for _, f := range r.Flat() {
		m[f.Key] = f.Value
	}
	return m
}

// WriteFlat writes one key=value line per field. Values containing spaces,
// quotes, '=' or newlines are Go-quoted.
func (r *Report) WriteFlat(w io.Writer) error {
	for _, f := range r.Flat() {
		v := f.Value
		if strings.ContainsAny(v, " \t\n\"=") {
			v = strconv.Quote(v)
		}
		if _, err := fmt.Fprintf(w, "%s=%s\n", f.Key, v); err != nil {
			return err
		}
	}
	return nil
}

// JSON returns the indented JSON form.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// YAML returns the YAML form.
func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Summary returns a plain text summary suitable for posting as a comment.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s of %s on %s: %s\n", r.RunID, r.WorkflowID, r.WorkItem, r.Outcome)
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "- %s: %s", s.Label(), s.Status.Title())
		switch {
		case s.Reason != "":
			fmt.Fprintf(&b, " (%s)", s.Reason)
		case s.Note != "":
			fmt.Fprintf(&b, " (%s)", s.Note)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Lifecycle: %s -> %s", r.InitialState, r.TerminalState)
	if r.PendingState != "" {
		fmt.Fprintf(&b, " (pending manual move to %s)", r.PendingState)
	}
	b.WriteString("\n")
	if r.Blocked {
		fmt.Fprintf(&b, "Blocked by %s: %s\n", r.BlockedBy, r.BlockReason)
	}
	for _, a := range r.Artifacts {
		fmt.Fprintf(&b, "Artifact %s", a.Kind)
		if !a.Ref.IsZero() {
			fmt.Fprintf(&b, " %s", a.Ref)
		}
		if a.URL != "" {
			fmt.Fprintf(&b, " %s", a.URL)
		}
		if a.Note != "" {
			fmt.Fprintf(&b, ": %s", a.Note)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Encode writes the report in the given format.
func (r *Report) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", FormatText:
		_, err := io.WriteString(w, r.Summary())
		return err
	case FormatJSON:
		data, err := r.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case FormatYAML:
		data, err := r.YAML()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case FormatFlat:
		return r.WriteFlat(w)
	}
	return fmt.Errorf("unknown report format %q", format)
}
