package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pipewright/internal/agent"
	"pipewright/internal/status"
)

// ErrNoResult is returned by [ParseResult] when the text has no result block.
var ErrNoResult = errors.New("no result block in agent output")

// resultContract is appended to every prompt.
const resultContract = "When you are finished, end your reply with a fenced ```json block of the form:\n" +
	`{"status": "succeeded|failed|blocked", "reason": "...", "outputs": {}, ` +
	`"requested_state": "", "children": [{"category": "...", "body": "..."}], ` +
	`"links": [{"kind": "pull-request", "url": "..."}]}` + "\n" +
	"Use \"blocked\" only when a human must act before the pipeline can continue, and say why in reason."

// PromptFunc renders the prompt for a request, context included. The result
// contract is appended to it.
type PromptFunc func(req agent.Request) (string, error)

// Agent adapts an [Executor] to [agent.Executor].
type Agent struct {
	executor Executor
	prompt   PromptFunc
	attach   bool
	model    func(role string) string
	onEvent  func(req agent.Request, event Event)
}

// NewAgent creates an Agent. A nil prompt uses the request's instructions
// followed by its context as a JSON block.
func NewAgent(executor Executor, prompt PromptFunc) *Agent {
	a := &Agent{executor: executor, prompt: prompt}
	if prompt == nil {
		a.prompt = func(req agent.Request) (string, error) { return req.Instructions, nil }
		a.attach = true
	}
	return a
}

// SetModel sets the per-role model lookup.
func (a *Agent) SetModel(fn func(role string) string) { a.model = fn }

// SetEventHandler sets a callback that sees every stream event, e.g. for live output.
func (a *Agent) SetEventHandler(fn func(req agent.Request, event Event)) { a.onEvent = fn }

// Invoke implements [agent.Executor]. A non-zero exit code or a crash is
// returned as an error; a missing result block is a Failed response.
func (a *Agent) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	prompt, err := a.buildPrompt(req)
	if err != nil {
		return agent.Response{}, err
	}

	var model string
	if a.model != nil {
		model = a.model(req.Role)
	}

	var text strings.Builder
	var final Event
	handler := func(event Event) {
		if event.IsText() {
			text.WriteString(event.Text)
			text.WriteString("\n")
		}
		if event.SessionComplete {
			final = event
		}
		if a.onEvent != nil {
			a.onEvent(req, event)
		}
	}

	code, err := a.executor.ExecuteWithResult(ctx, prompt, handler, model)
	if err != nil {
		return agent.Response{}, err
	}
	if code != 0 {
		return agent.Response{}, fmt.Errorf("claude exited with code %d", code)
	}

	resp, err := ParseResult(text.String())
	if errors.Is(err, ErrNoResult) && final.ResultText != "" {
		resp, err = ParseResult(final.ResultText)
	}
	if err != nil {
		reason := err.Error()
		if final.IsError && final.ResultText != "" {
			reason = final.ResultText
		}
		return agent.Response{Status: agent.OutcomeFailed, Reason: reason}, nil
	}
	return resp, nil
}

func (a *Agent) buildPrompt(req agent.Request) (string, error) {
	instructions, err := a.prompt(req)
	if err != nil {
		return "", fmt.Errorf("failed to build prompt for step %s: %w", req.StepID, err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n\n")

	if a.attach && len(req.Context) > 0 {
		data, err := json.MarshalIndent(req.Context, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode context for step %s: %w", req.StepID, err)
		}
		b.WriteString("Context:\n```json\n")
		b.Write(data)
		b.WriteString("\n```\n\n")
	}

	b.WriteString(resultContract)
	return b.String(), nil
}

// result mirrors the JSON block; states are parsed leniently.
type result struct {
	Status         string         `json:"status"`
	Reason         string         `json:"reason"`
	Outputs        map[string]any `json:"outputs"`
	RequestedState string         `json:"requested_state"`
	Children       []agent.Child  `json:"children"`
	Links          []agent.Link   `json:"links"`
}

// ParseResult decodes the last fenced ```json block in text.
func ParseResult(text string) (agent.Response, error) {
	block, ok := lastJSONBlock(text)
	if !ok {
		return agent.Response{}, ErrNoResult
	}

	var r result
	if err := json.Unmarshal([]byte(block), &r); err != nil {
		return agent.Response{}, fmt.Errorf("invalid result block: %w", err)
	}

	resp := agent.Response{
		Status:   agent.Outcome(strings.ToLower(strings.TrimSpace(r.Status))),
		Reason:   r.Reason,
		Outputs:  r.Outputs,
		Children: r.Children,
		Links:    r.Links,
	}
	if r.RequestedState != "" {
		s, err := status.ParseStatus(r.RequestedState)
		if err != nil {
			return agent.Response{}, fmt.Errorf("invalid result block: %w", err)
		}
		resp.RequestedState = s
	}
	if err := resp.Validate(); err != nil {
		return agent.Response{}, fmt.Errorf("invalid result block: %w", err)
	}
	return resp, nil
}

func lastJSONBlock(text string) (string, bool) {
	const fence = "```json"
	start := strings.LastIndex(text, fence)
	if start < 0 {
		return "", false
	}
	body := text[start+len(fence):]
	end := strings.Index(body, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}
