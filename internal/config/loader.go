package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables read directly by the loader.
const (
	EnvPrefix     = "PIPEWRIGHT"
	EnvConfigPath = "PIPEWRIGHT_CONFIG_PATH"
	EnvClaudePath = "PIPEWRIGHT_CLAUDE_PATH"
	EnvBoardPath  = "PIPEWRIGHT_BOARD_PATH"
)

// Loader loads configuration with Viper.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a [Loader] with defaults and environment bindings set.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("claude.binary_path", EnvClaudePath)
	_ = v.BindEnv("tracker.board_path", EnvBoardPath)

	return &Loader{v: v}
}

// setDefaults registers every scalar key so environment overrides apply.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("default_instructions", cfg.DefaultInstructions)
	for name, rc := range cfg.Roles {
		v.SetDefault("roles."+name+".instructions", rc.Instructions)
		v.SetDefault("roles."+name+".mode", rc.Mode)
		v.SetDefault("roles."+name+".model", rc.Model)
	}

	v.SetDefault("claude.binary_path", cfg.Claude.BinaryPath)
	v.SetDefault("claude.output_format", cfg.Claude.OutputFormat)
	v.SetDefault("claude.extra_args", cfg.Claude.ExtraArgs)

	v.SetDefault("tracker.board_path", cfg.Tracker.BoardPath)
	v.SetDefault("tracker.column_api", cfg.Tracker.ColumnAPI)

	v.SetDefault("dispatch.max_concurrency", cfg.Dispatch.MaxConcurrency)
	v.SetDefault("dispatch.max_retries", cfg.Dispatch.MaxRetries)
	v.SetDefault("dispatch.initial_backoff", cfg.Dispatch.InitialBackoff)
	v.SetDefault("dispatch.max_backoff", cfg.Dispatch.MaxBackoff)

	v.SetDefault("output.truncate_lines", cfg.Output.TruncateLines)
	v.SetDefault("output.truncate_length", cfg.Output.TruncateLength)
	v.SetDefault("output.stream", cfg.Output.Stream)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)

	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("telemetry.file", cfg.Telemetry.File)

	v.SetDefault("metrics.textfile", cfg.Metrics.Textfile)
}

// Load loads configuration following the documented priority order.
func (l *Loader) Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return l.LoadFromFile(path)
	}

	if path, err := DefaultConfigPath(); err == nil && fileExists(path) {
		return l.LoadFromFile(path)
	}

	if fileExists("pipewright.yaml") {
		return l.LoadFromFile("pipewright.yaml")
	}

	return l.unmarshal()
}

// LoadFromFile loads configuration from path. The format follows the extension.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	normalizeRoles(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeRoles lower-cases role keys. Viper already does this for file
// keys; roles registered in code may not be.
func normalizeRoles(cfg *Config) {
	roles := make(map[string]RoleConfig, len(cfg.Roles))
	for name, rc := range cfg.Roles {
		roles[strings.ToLower(name)] = rc
	}
	cfg.Roles = roles
}

// Validate checks settings that would make every run fail.
func (c *Config) Validate() error {
	var errs []error
	if c.Claude.OutputFormat != "" && c.Claude.OutputFormat != "stream-json" {
		errs = append(errs, fmt.Errorf("claude.output_format must be stream-json, got %q", c.Claude.OutputFormat))
	}
	if c.Dispatch.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_concurrency must be at least 1, got %d", c.Dispatch.MaxConcurrency))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must not be negative, got %d", c.Dispatch.MaxRetries))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// MustLoad loads configuration and panics on error.
func MustLoad() *Config {
	cfg, err := NewLoader().Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// ConfigDir returns the pipewright directory under the user config directory.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}
	return filepath.Join(base, "pipewright"), nil
}

// DefaultConfigPath returns the user-level config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureConfigDir creates the user config directory if needed.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
