package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"pipewright/internal/gate"
	"pipewright/internal/workflow"
)

// formConfirmer confirms a plan with an interactive form.
type formConfirmer struct{}

// Confirm implements [gate.Confirmer]. Aborting the form declines the plan.
func (formConfirmer) Confirm(ctx context.Context, plan gate.Plan) (bool, error) {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Run %s (%d steps)?", plan.WorkflowID, len(plan.Steps))).
				Affirmative("Run").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return confirmed, nil
}

// formPrompter asks for input values with an interactive form.
type formPrompter struct{}

// Prompt implements [gate.InputPrompter]. Values are decoded the same way as
// --input flags. An empty answer leaves the input unbound.
func (formPrompter) Prompt(ctx context.Context, in workflow.InputSpec) (any, error) {
	var raw string
	field := huh.NewInput().
		Title(in.Name).
		Description(in.Description).
		Value(&raw)
	if in.Required {
		field = field.Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", in.Name)
			}
			return nil
		})
	}

	form := huh.NewForm(huh.NewGroup(field)).WithTheme(huh.ThemeDracula())
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil, nil
		}
		return nil, err
	}

	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	values, err := gate.ParseBindings([]string{in.Name + "=" + raw})
	if err != nil {
		return nil, err
	}
	return values[in.Name], nil
}
