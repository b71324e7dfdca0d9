// Package claude drives the Claude CLI as a pipeline executor.
//
// The CLI is spawned once per step invocation with --output-format
// stream-json. Its stdout is parsed line by line into [Event] values, which
// are forwarded to an optional handler for live display. When the session
// ends, the last fenced JSON block in the assistant's text is decoded into an
// [agent.Response] (see [ParseResult]).
//
// Key types:
//   - [Executor] spawns the CLI and streams events ([CLIExecutor], [MockExecutor])
//   - [Parser] turns stream-json lines into events
//   - [Agent] adapts an Executor to the engine's [agent.Executor] contract
package claude

// StreamEvent is one raw line of stream-json output.
type StreamEvent struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype,omitempty"`
	Message       *MessageContent `json:"message,omitempty"`
	ToolUseResult *ToolResult     `json:"tool_use_result,omitempty"`

	// Result and IsError are set on the final "result" event.
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// MessageContent is the message carried by assistant events.
type MessageContent struct {
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is a text block or a tool invocation.
type ContentBlock struct {
	Type  string     `json:"type"`
	Text  string     `json:"text,omitempty"`
	Name  string     `json:"name,omitempty"`
	Input *ToolInput `json:"input,omitempty"`
}

// ToolInput holds the tool parameters worth displaying.
type ToolInput struct {
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
}

// ToolResult is the output of a tool run, carried by user events.
type ToolResult struct {
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// EventType is the kind of a stream event.
//
// A session streams a system init event first, then assistant and user events
// in turn while Claude works, and ends with a single result event.
type EventType string

const (
	// EventTypeSystem opens the session. See [Event.SessionStarted].
	EventTypeSystem EventType = "system"

	// EventTypeAssistant carries Claude's text or a tool invocation.
	EventTypeAssistant EventType = "assistant"

	// EventTypeUser carries the output of a tool run back to Claude.
	EventTypeUser EventType = "user"

	// EventTypeResult closes the session. See [Event.SessionComplete].
	EventTypeResult EventType = "result"
)

// SubtypeInit marks the system event that starts a session.
const SubtypeInit = "init"

// Event is a parsed stream event flattened for display and result extraction.
//
// Each Event wraps one [StreamEvent] and lifts the fields callers need to the
// top level, so consumers switch on Type and read plain strings instead of
// walking message content blocks. [Event.IsText], [Event.IsToolUse] and
// [Event.IsToolResult] classify the common cases.
//
// Events are produced by [NewEventFromStream] and emitted by [Parser.Parse].
// The executor forwards them to the handler installed with
// [Agent.SetEventHandler] for live display, and the [Agent] accumulates the
// assistant Text of a session to extract the step's [agent.Response]:
//
//	a.SetEventHandler(func(req agent.Request, e claude.Event) {
//	    if e.IsToolUse() {
//	        fmt.Printf("%s: %s %s\n", req.StepID, e.ToolName, e.ToolDescription)
//	    }
//	})
type Event struct {
	// Raw is the original line, for fields not lifted below.
	Raw *StreamEvent

	// Type is the event kind.
	Type EventType

	// Text is the assistant text, if this event carries any. Several text
	// blocks in one message are concatenated.
	Text string

	// Tool fields are set for tool invocations (assistant events with a
	// tool_use block). ToolCommand is set for shell tools and ToolFilePath
	// for file operations.
	ToolName        string
	ToolDescription string
	ToolCommand     string
	ToolFilePath    string

	// Tool output fields are set for tool results (user events).
	ToolStdout      string
	ToolStderr      string
	ToolInterrupted bool

	// SessionStarted is true for the system init event.
	SessionStarted bool

	// SessionComplete is true for the result event.
	SessionComplete bool

	// ResultText and IsError come from the final result event. IsError means
	// the CLI itself reported a failed session.
	ResultText string
	IsError    bool
}

// NewEventFromStream flattens a raw event.
func NewEventFromStream(raw *StreamEvent) Event {
	e := Event{Raw: raw, Type: EventType(raw.Type)}

	switch e.Type {
	case EventTypeSystem:
		e.SessionStarted = raw.Subtype == SubtypeInit

	case EventTypeAssistant:
		if raw.Message == nil {
			break
		}
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "text":
				e.Text += block.Text
			case "tool_use":
				e.ToolName = block.Name
				if block.Input != nil {
					e.ToolDescription = block.Input.Description
					e.ToolCommand = block.Input.Command
					e.ToolFilePath = block.Input.FilePath
				}
			}
		}

	case EventTypeUser:
		if r := raw.ToolUseResult; r != nil {
			e.ToolStdout, e.ToolStderr, e.ToolInterrupted = r.Stdout, r.Stderr, r.Interrupted
		}

	case EventTypeResult:
		e.SessionComplete = true
		e.ResultText = raw.Result
		e.IsError = raw.IsError
	}

	return e
}

// IsText reports whether the event carries assistant text.
func (e Event) IsText() bool {
	return e.Type == EventTypeAssistant && e.Text != ""
}

// IsToolUse reports whether the event is a tool invocation.
func (e Event) IsToolUse() bool {
	return e.Type == EventTypeAssistant && e.ToolName != ""
}

// IsToolResult reports whether the event carries tool output.
func (e Event) IsToolResult() bool {
	return e.Type == EventTypeUser && (e.ToolStdout != "" || e.ToolStderr != "")
}
