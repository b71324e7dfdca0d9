package cli

import (
	"github.com/spf13/cobra"

	"pipewright/internal/workflow"
)

func newValidateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition>...",
		Short: "Check workflow definitions for errors",
		Long: `Load each definition and report definition errors: duplicate or unknown
step identifiers, dependency cycles, references to undeclared inputs and
malformed conditions. Nothing is executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, path := range args {
				def, err := workflow.LoadFile(path)
				if err != nil {
					invalid++
					app.Printer.Error("%v", err)
					continue
				}
				app.Printer.Info("%s: %s ok (%d steps, %d inputs)", path, def.ID(), def.Len(), len(def.Inputs()))
			}
			if invalid > 0 {
				return NewExitError(ExitCannotRun)
			}
			return nil
		},
	}
}
