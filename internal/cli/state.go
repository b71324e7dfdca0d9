package cli

import (
	"context"

	"github.com/spf13/cobra"

	"pipewright/internal/tracker"
)

// itemReader is implemented by trackers that can return a whole item.
type itemReader interface {
	Item(ctx context.Context, id string) (tracker.Item, error)
}

func newStateCommand(app *App) *cobra.Command {
	var children string

	cmd := &cobra.Command{
		Use:   "state <item-id>",
		Short: "Show a work item's lifecycle state",
		Long: `Show the lifecycle state of a work item and the annotations recorded on it,
such as block reasons and fallback notes. With --children, list the item's
child items of that category ("" lists all) with their states.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref := tracker.ItemRef{ID: args[0]}
			if err := app.printItem(ctx, ref); err != nil {
				app.Printer.Error("%v", err)
				return &ExitError{Code: ExitFailed, Err: err}
			}

			if !cmd.Flags().Changed("children") {
				return nil
			}
			refs, err := app.Tracker.ListChildren(ctx, ref, children)
			if err != nil {
				app.Printer.Error("%v", err)
				return &ExitError{Code: ExitFailed, Err: err}
			}
			for _, child := range refs {
				if err := app.printItem(ctx, child); err != nil {
					app.Printer.Warn("%s: %v", child, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&children, "children", "", "also list child items of this category")
	return cmd
}

func (app *App) printItem(ctx context.Context, ref tracker.ItemRef) error {
	if r, ok := app.Tracker.(itemReader); ok {
		item, err := r.Item(ctx, ref.ID)
		if err != nil {
			return err
		}
		state, err := app.Tracker.GetLifecycleState(ctx, item.Ref())
		if err != nil {
			return err
		}
		app.Printer.ItemState(item.Ref(), state, item.Annotations)
		return nil
	}

	state, err := app.Tracker.GetLifecycleState(ctx, ref)
	if err != nil {
		return err
	}
	app.Printer.ItemState(ref, state, nil)
	return nil
}
