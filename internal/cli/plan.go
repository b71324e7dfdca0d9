package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pipewright/internal/gate"
	"pipewright/internal/workflow"
)

func newPlanCommand(app *App) *cobra.Command {
	var (
		inputs []string
		format string
	)

	cmd := &cobra.Command{
		Use:   "plan <definition>",
		Short: "Show the run plan of a definition",
		Long: `Show the ordered steps and the input specification of a definition, with
the values bound by --input. Missing required inputs are marked. Nothing is
executed and the tracker is not contacted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, g, err := loadGate(app, args[0], inputs)
			if err != nil {
				return err
			}
			plan := g.Present()

			switch strings.ToLower(format) {
			case "", "text":
				app.Printer.Plan(plan)
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(plan)
			default:
				return cannotRun(fmt.Errorf("unknown plan format %q", format))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "bind an input as name=value (repeatable)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json or yaml")
	return cmd
}

// loadGate loads the definition at path and binds the --input assignments.
// Failures are reported and returned as [ExitCannotRun] errors.
func loadGate(app *App, path string, assignments []string) (*workflow.Definition, *gate.Gate, error) {
	def, err := workflow.LoadFile(path)
	if err != nil {
		app.Printer.Error("%v", err)
		return nil, nil, cannotRun(err)
	}
	values, err := gate.ParseBindings(assignments)
	if err != nil {
		app.Printer.Error("%v", err)
		return nil, nil, cannotRun(err)
	}
	g := gate.New(def)
	if err := g.BindAll(values); err != nil {
		app.Printer.Error("%v", err)
		return nil, nil, cannotRun(err)
	}
	return def, g, nil
}
