// Package output renders pipewright's terminal output.
//
// [Printer] is the interface the CLI writes through; [DefaultPrinter]
// implements it with lipgloss styles. Styles come from a renderer bound to
// the destination writer, so output written to a file or a test buffer
// carries no escape sequences.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pipewright/internal/claude"
	"pipewright/internal/gate"
	"pipewright/internal/report"
	"pipewright/internal/run"
	"pipewright/internal/status"
	"pipewright/internal/tracker"
)

// Default truncation of streamed tool output.
const (
	DefaultTruncateLines  = 20
	DefaultTruncateLength = 60
)

// Status icons.
const (
	IconPass  = "✓"
	IconFail  = "✗"
	IconBlock = "■"
	IconSkip  = "○"
	IconInfo  = "●"
)

const separator = "═══════════════════════════════════════════════════════════════"

// Printer writes user-facing output.
type Printer interface {
	Plan(plan gate.Plan)
	StepStart(index, total int, stepID string)
	StepResult(result run.StepResult)
	Event(stepID string, event claude.Event)
	Report(r *report.Report)
	ItemState(ref tracker.ItemRef, state status.Status, annotations []string)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// DefaultPrinter is the lipgloss [Printer].
type DefaultPrinter struct {
	out io.Writer

	truncateLines  int
	truncateLength int

	header lipgloss.Style
	accent lipgloss.Style
	muted  lipgloss.Style
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
}

// NewPrinter creates a printer writing to stdout.
func NewPrinter() *DefaultPrinter {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter creates a printer writing to w.
func NewPrinterWithWriter(w io.Writer) *DefaultPrinter {
	r := lipgloss.NewRenderer(w)
	return &DefaultPrinter{
		out:            w,
		truncateLines:  DefaultTruncateLines,
		truncateLength: DefaultTruncateLength,
		header:         r.NewStyle().Bold(true),
		accent:         r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}),
		muted:          r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}),
		pass:           r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}),
		warn:           r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}),
		fail:           r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}),
	}
}

// SetTruncation limits streamed tool output to lines lines and prompt
// excerpts to length characters. Zero keeps the default.
func (p *DefaultPrinter) SetTruncation(lines, length int) {
	if lines > 0 {
		p.truncateLines = lines
	}
	if length > 0 {
		p.truncateLength = length
	}
}

func (p *DefaultPrinter) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// Plan prints the plan shown before confirmation.
func (p *DefaultPrinter) Plan(plan gate.Plan) {
	p.printf("%s\n", separator)
	p.printf("  %s %s\n", p.header.Render("Workflow:"), plan.WorkflowID)
	if plan.Description != "" {
		p.printf("  %s\n", p.muted.Render(plan.Description))
	}
	p.printf("%s\n\n", separator)

	p.printf("%s\n", p.header.Render("Steps"))
	for _, s := range plan.Steps {
		p.printf("  %d. %s %s\n", s.Index, p.accent.Render(s.ID), p.muted.Render("("+s.Role+")"))
		if s.Mode != "" {
			p.printf("     mode: %s\n", s.Mode)
		}
		if s.Condition != "" {
			p.printf("     when: %s\n", s.Condition)
		}
		if s.FanOut != "" {
			p.printf("     for each: %s\n", s.FanOut)
		}
		if len(s.DependsOn) > 0 {
			p.printf("     after: %s\n", strings.Join(s.DependsOn, ", "))
		}
	}

	if len(plan.Inputs) > 0 {
		p.printf("\n%s\n", p.header.Render("Inputs"))
		for _, in := range plan.Inputs {
			p.printf("  %s\n", p.inputLine(in))
		}
	}
	p.printf("\n")
}

func (p *DefaultPrinter) inputLine(in gate.PlannedInput) string {
	kind := "optional"
	if in.Required {
		kind = "required"
	}
	line := fmt.Sprintf("%-16s %s", in.Name, p.muted.Render(kind))
	switch {
	case in.Bound:
		line += " = " + fmt.Sprint(in.Value)
	case in.HasDefault:
		line += " " + p.muted.Render(fmt.Sprintf("(default %v)", in.Default))
	case in.Required:
		line += " " + p.fail.Render("(missing)")
	}
	if in.Description != "" {
		line += "  " + p.muted.Render(in.Description)
	}
	return line
}

// StepStart prints the progress header of a step.
func (p *DefaultPrinter) StepStart(index, total int, stepID string) {
	p.printf("%s %s\n", p.accent.Render(fmt.Sprintf("[%d/%d]", index, total)), p.header.Render(stepID))
}

// StepResult prints one step result.
func (p *DefaultPrinter) StepResult(r run.StepResult) {
	line := fmt.Sprintf("  %s %s", p.icon(r.Status), r.Label())
	switch {
	case r.Reason != "":
		line += " " + p.muted.Render(r.Reason)
	case r.Note != "":
		line += " " + p.muted.Render(r.Note)
	}
	if r.Duration > 0 {
		line += " " + p.muted.Render(r.Duration.Round(time.Millisecond).String())
	}
	p.printf("%s\n", line)
}

func (p *DefaultPrinter) icon(s run.StepStatus) string {
	switch s {
	case run.StatusSucceeded:
		return p.pass.Render(IconPass)
	case run.StatusFailed:
		return p.fail.Render(IconFail)
	case run.StatusBlocked:
		return p.warn.Render(IconBlock)
	}
	return p.muted.Render(IconSkip)
}

// Event prints one streamed executor event.
func (p *DefaultPrinter) Event(stepID string, e claude.Event) {
	switch {
	case e.SessionStarted:
		p.printf("%s %s\n\n", p.accent.Render(IconInfo), p.muted.Render("Session started ("+stepID+")"))
	case e.IsText():
		p.printf("%s %s\n\n", p.header.Render("Claude:"), e.Text)
	case e.IsToolUse():
		p.toolUse(e)
	case e.IsToolResult():
		p.toolResult(e)
	case e.SessionComplete:
		p.printf("%s %s\n", p.accent.Render(IconInfo), p.muted.Render("Session complete"))
	}
}

func (p *DefaultPrinter) toolUse(e claude.Event) {
	p.printf("┌─ Tool: %s\n", e.ToolName)
	if e.ToolDescription != "" {
		p.printf("│  %s\n", e.ToolDescription)
	}
	if e.ToolCommand != "" {
		p.printf("│  $ %s\n", e.ToolCommand)
	}
	if e.ToolFilePath != "" {
		p.printf("│  File: %s\n", e.ToolFilePath)
	}
	p.printf("└─\n")
}

func (p *DefaultPrinter) toolResult(e claude.Event) {
	if e.ToolStdout != "" {
		out := TruncateLines(e.ToolStdout, p.truncateLines)
		p.printf("   %s\n\n", strings.ReplaceAll(out, "\n", "\n   "))
	}
	if e.ToolStderr != "" {
		p.printf("   %s %s\n\n", p.fail.Render("[stderr]"), e.ToolStderr)
	}
	if e.ToolInterrupted {
		p.printf("   %s\n\n", p.warn.Render("(interrupted)"))
	}
}

// Report prints the final run summary box.
func (p *DefaultPrinter) Report(r *report.Report) {
	title := p.pass.Render(IconPass + " RUN COMPLETE")
	switch r.Outcome {
	case report.OutcomeFailed:
		title = p.fail.Render(IconFail + " RUN FAILED")
	case report.OutcomeBlocked:
		title = p.warn.Render(IconBlock + " RUN BLOCKED")
	}

	p.printf("\n╔%s╗\n", separator)
	p.printf("║  %s\n", title)
	p.printf("╠%s╣\n", separator)
	p.printf("║  Workflow: %s | Item: %s\n", r.WorkflowID, r.WorkItem)
	p.printf("║  Succeeded: %d | Failed: %d | Blocked: %d | Skipped: %d\n",
		r.Count(run.StatusSucceeded), r.Count(run.StatusFailed),
		r.Count(run.StatusBlocked), r.Count(run.StatusSkipped))
	p.printf("╠%s╣\n", separator)
	for _, s := range r.Steps {
		detail := s.Reason
		if detail == "" {
			detail = s.Note
		}
		p.printf("║  %s %-24s %s\n", p.icon(s.Status), s.Label(), p.muted.Render(Truncate(detail, p.truncateLength)))
	}
	p.printf("╠%s╣\n", separator)

	lifecycle := fmt.Sprintf("%s -> %s", titleOf(r.InitialState), titleOf(r.TerminalState))
	if r.PendingState != "" {
		lifecycle += p.warn.Render(" (manual move to " + r.PendingState.Title() + " pending)")
	}
	p.printf("║  Lifecycle: %s\n", lifecycle)
	if r.Blocked {
		p.printf("║  Blocked by %s: %s\n", r.BlockedBy, r.BlockReason)
	}
	for _, a := range r.Artifacts {
		target := a.URL
		if target == "" {
			target = a.Ref.String()
		}
		p.printf("║  %s %s %s\n", p.accent.Render(string(a.Kind)), target, p.muted.Render(a.Note))
	}
	p.printf("║  Total: %s\n", r.Duration().Round(time.Second))
	p.printf("╚%s╝\n", separator)
}

func titleOf(s status.Status) string {
	if s == "" {
		return "unknown"
	}
	return s.Title()
}

// ItemState prints an item's lifecycle state and annotations.
func (p *DefaultPrinter) ItemState(ref tracker.ItemRef, state status.Status, annotations []string) {
	p.printf("%s %s\n", p.header.Render(ref.String()), p.accent.Render(titleOf(state)))
	for _, a := range annotations {
		p.printf("  └─ %s\n", a)
	}
}

// Info prints an informational line.
func (p *DefaultPrinter) Info(format string, args ...any) {
	p.printf("%s\n", fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *DefaultPrinter) Warn(format string, args ...any) {
	p.printf("%s %s\n", p.warn.Render("warning:"), fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *DefaultPrinter) Error(format string, args ...any) {
	p.printf("%s %s\n", p.fail.Render("error:"), fmt.Sprintf(format, args...))
}

// Truncate shortens s to maxLen characters, ending in "...".
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 3 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// TruncateLines keeps the first and last maxLines/2 lines of s when it has
// more than maxLines lines.
func TruncateLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return s
	}
	keep := maxLines / 2
	return strings.Join(lines[:keep], "\n") +
		fmt.Sprintf("\n  ... (%d lines omitted) ...\n", len(lines)-2*keep) +
		strings.Join(lines[len(lines)-keep:], "\n")
}
