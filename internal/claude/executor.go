package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// EventHandler receives each event as it is parsed.
type EventHandler func(event Event)

// Executor runs a prompt through the Claude CLI.
type Executor interface {
	// Execute runs prompt and returns the process exit code. A non-nil error
	// means the process could not be started.
	Execute(ctx context.Context, prompt string, handler EventHandler) (int, error)

	// ExecuteWithResult is Execute with a model override. An empty model
	// uses the CLI default.
	ExecuteWithResult(ctx context.Context, prompt string, handler EventHandler, model string) (int, error)
}

// ExecutorConfig configures a [CLIExecutor].
type ExecutorConfig struct {
	BinaryPath   string
	OutputFormat string
	ExtraArgs    []string
	Dir          string
}

// CLIExecutor spawns the Claude binary once per prompt.
type CLIExecutor struct {
	config ExecutorConfig
	parser Parser
}

// NewExecutor creates a [CLIExecutor]. Empty fields fall back to "claude" and
// stream-json.
func NewExecutor(cfg ExecutorConfig) *CLIExecutor {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "claude"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "stream-json"
	}
	return &CLIExecutor{config: cfg, parser: NewParser()}
}

// Execute implements [Executor].
func (e *CLIExecutor) Execute(ctx context.Context, prompt string, handler EventHandler) (int, error) {
	return e.ExecuteWithResult(ctx, prompt, handler, "")
}

// ExecuteWithResult implements [Executor].
func (e *CLIExecutor) ExecuteWithResult(ctx context.Context, prompt string, handler EventHandler, model string) (int, error) {
	cmd := exec.CommandContext(ctx, e.config.BinaryPath, e.args(prompt, model)...)
	cmd.Dir = e.config.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open claude stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start claude: %w", err)
	}

	for event := range e.parser.Parse(stdout) {
		if handler != nil {
			handler(event)
		}
	}
	// The parser stops on an overlong line; drain the rest so the process can exit.
	_, _ = io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return -1, fmt.Errorf("claude failed: %w: %s", err, msg)
	}
	return -1, fmt.Errorf("claude failed: %w", err)
}

func (e *CLIExecutor) args(prompt, model string) []string {
	args := []string{"-p", prompt, "--output-format", e.config.OutputFormat, "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return append(args, e.config.ExtraArgs...)
}

// MockExecutor replays canned events. It is safe for concurrent use.
type MockExecutor struct {
	// Events are sent to the handler in order on every call.
	Events []Event

	// EventsFor, when set, chooses the events per prompt and overrides Events.
	EventsFor func(prompt string) []Event

	// ExitCode is returned after the events are replayed.
	ExitCode int

	// Error, when set, is returned before any event is sent.
	Error error

	mu              sync.Mutex
	RecordedPrompts []string
	RecordedModels  []string
}

// Execute implements [Executor].
func (m *MockExecutor) Execute(ctx context.Context, prompt string, handler EventHandler) (int, error) {
	return m.ExecuteWithResult(ctx, prompt, handler, "")
}

// ExecuteWithResult implements [Executor].
func (m *MockExecutor) ExecuteWithResult(ctx context.Context, prompt string, handler EventHandler, model string) (int, error) {
	m.mu.Lock()
	m.RecordedPrompts = append(m.RecordedPrompts, prompt)
	m.RecordedModels = append(m.RecordedModels, model)
	m.mu.Unlock()

	if m.Error != nil {
		return -1, m.Error
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	events := m.Events
	if m.EventsFor != nil {
		events = m.EventsFor(prompt)
	}
	if handler != nil {
		for _, event := range events {
			handler(event)
		}
	}
	return m.ExitCode, nil
}

// Prompts returns a copy of the recorded prompts.
func (m *MockExecutor) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.RecordedPrompts...)
}
