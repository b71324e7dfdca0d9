package config

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// ModeFor returns the default mode for role.
func (c *Config) ModeFor(role string) string {
	if rc, ok := c.role(role); ok && rc.Mode != "" {
		return rc.Mode
	}
	return "implement"
}

// ModelFor returns the Claude model for role, or "" for the CLI default.
func (c *Config) ModelFor(role string) string {
	rc, _ := c.role(role)
	return rc.Model
}

func (c *Config) role(role string) (RoleConfig, bool) {
	rc, ok := c.Roles[strings.ToLower(strings.TrimSpace(role))]
	return rc, ok
}

// GetInstructions expands the instruction template for role.
//
// The role's own template is used when set, otherwise DefaultInstructions.
// An empty data.Mode is filled from [Config.ModeFor].
func (c *Config) GetInstructions(role string, data InstructionData) (string, error) {
	tmpl := c.DefaultInstructions
	if rc, ok := c.role(role); ok && rc.Instructions != "" {
		tmpl = rc.Instructions
	}
	if tmpl == "" {
		return "", fmt.Errorf("no instructions configured for role: %s", role)
	}
	if data.Role == "" {
		data.Role = role
	}
	if data.Mode == "" {
		data.Mode = c.ModeFor(role)
	}
	return expandTemplate(tmpl, data)
}

// expandTemplate expands a Go template string with the given data.
func expandTemplate(tmplStr string, data InstructionData) (string, error) {
	tmpl, err := template.New("instructions").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
