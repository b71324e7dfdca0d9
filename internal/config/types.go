// Package config provides configuration loading and management for pipewright.
//
// Configuration is loaded using Viper, supporting YAML config files and
// environment variable overrides. The defaults work out of the box; a config
// file customizes role instructions, the Claude CLI, the board tracker,
// dispatch policy and the ambient logging, tracing and metrics settings.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (PIPEWRIGHT_ prefix, "." replaced by "_")
//  2. Config file specified by PIPEWRIGHT_CONFIG_PATH
//  3. User config directory: <os.UserConfigDir>/pipewright/config.yaml
//  4. ./pipewright.yaml
//  5. [DefaultConfig] defaults
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	// Roles maps agent role names to their settings.
	Roles map[string]RoleConfig `mapstructure:"roles"`

	// DefaultInstructions is the instruction template for roles without their own.
	DefaultInstructions string `mapstructure:"default_instructions"`

	Claude    ClaudeConfig    `mapstructure:"claude"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Output    OutputConfig    `mapstructure:"output"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// RoleConfig configures one agent role.
type RoleConfig struct {
	// Instructions is a Go template expanded with [InstructionData]. Empty
	// uses [Config.DefaultInstructions].
	Instructions string `mapstructure:"instructions"`

	// Mode is the default mode for steps bound to this role that do not set
	// one, e.g. "comment-only".
	Mode string `mapstructure:"mode"`

	// Model is the Claude model for this role. Empty uses the CLI default.
	Model string `mapstructure:"model"`
}

// ClaudeConfig contains Claude CLI configuration.
type ClaudeConfig struct {
	// BinaryPath is the Claude CLI binary. Can be overridden with
	// PIPEWRIGHT_CLAUDE_PATH.
	BinaryPath string `mapstructure:"binary_path"`

	// OutputFormat is passed to the CLI. Must be "stream-json".
	OutputFormat string `mapstructure:"output_format"`

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `mapstructure:"extra_args"`
}

// TrackerConfig configures the board file tracker.
type TrackerConfig struct {
	// BoardPath is the YAML board file. PIPEWRIGHT_BOARD_PATH overrides it.
	BoardPath string `mapstructure:"board_path"`

	// ColumnAPI is false for boards that cannot move items between columns.
	// Lifecycle changes are then recorded as annotations.
	ColumnAPI bool `mapstructure:"column_api"`
}

// DispatchConfig is the caller policy for executor invocations.
type DispatchConfig struct {
	// MaxConcurrency bounds concurrent fan-out branches. 1 runs them
	// sequentially.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// MaxRetries is how often a transport error is retried. Blocked and
	// Failed outcomes are never retried.
	MaxRetries int `mapstructure:"max_retries"`

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// OutputConfig controls how streamed agent output is shown.
type OutputConfig struct {
	// TruncateLines is the maximum number of tool output lines shown per event.
	TruncateLines int `mapstructure:"truncate_lines"`

	// TruncateLength is the maximum length of each shown line.
	TruncateLength int `mapstructure:"truncate_length"`

	// Stream shows agent text and tool use while steps run.
	Stream bool `mapstructure:"stream"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format"`

	// File, when set, receives logs instead of stderr.
	File string `mapstructure:"file"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`

	// File receives spans as JSON lines. Empty writes to stderr.
	File string `mapstructure:"file"`
}

// MetricsConfig configures Prometheus run metrics.
type MetricsConfig struct {
	// Textfile, when set, receives the metrics in text exposition format
	// after each run (for the node exporter textfile collector).
	Textfile string `mapstructure:"textfile"`
}

// defaultInstructions is the generic instruction template.
const defaultInstructions = `You are the {{.Role}} agent for step "{{.StepID}}" of run {{.RunID}}.
Work item: {{.WorkItem}}
{{- if .Item}}
Child item: {{.Item}}
{{- end}}
Mode: {{.Mode}}
{{- if eq .Mode "comment-only"}} (do not change code; report your findings as a comment on the work item){{end}}

{{.Instructions}}

Run context:
{{.Context}}`

// DefaultConfig returns a new [Config] with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultInstructions: defaultInstructions,
		Roles: map[string]RoleConfig{
			"analyst": {
				Mode:         "comment-only",
				Instructions: defaultInstructions + "\n\nAssess feasibility. If requirements are missing, report status \"blocked\" with the reason. Otherwise list follow-up child items with their category.",
			},
			"devops": {
				Mode: "implement",
			},
			"developer": {
				Mode: "implement",
			},
			"reviewer": {
				Mode: "comment-only",
			},
		},
		Claude: ClaudeConfig{
			BinaryPath:   "claude",
			OutputFormat: "stream-json",
		},
		Tracker: TrackerConfig{
			ColumnAPI: true,
		},
		Dispatch: DispatchConfig{
			MaxConcurrency: 4,
			MaxRetries:     0,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Output: OutputConfig{
			TruncateLines:  20,
			TruncateLength: 60,
			Stream:         true,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "pipewright",
		},
	}
}

// InstructionData contains data for instruction template expansion.
// Fields are accessible in templates using {{.FieldName}} syntax.
type InstructionData struct {
	RunID  string
	StepID string
	Role   string
	Mode   string

	// Instructions is the step's own instruction text from the definition.
	Instructions string

	// WorkItem and Item are rendered item references.
	WorkItem string
	Item     string

	// Context is the step's context slice rendered as indented JSON.
	Context string
}
