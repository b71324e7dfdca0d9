package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pipewright/internal/agent"
	"pipewright/internal/dispatch"
	"pipewright/internal/gate"
	"pipewright/internal/report"
	"pipewright/internal/scheduler"
	"pipewright/internal/tracker"
)

// itemEnsurer is implemented by trackers that register unknown items on
// first use.
type itemEnsurer interface {
	EnsureItem(ctx context.Context, ref tracker.ItemRef) (tracker.Item, error)
}

type runOptions struct {
	item         string
	itemURL      string
	inputs       []string
	yes          bool
	reportFormat string
	reportOut    string
}

func newRunCommand(app *App) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run a workflow against a work item",
		Long: `Run a workflow definition against one work item.

The plan is presented first. Missing required inputs are prompted for, and the
run starts only after confirmation (or --yes). Steps then run in order; every
step result, lifecycle transition and artifact is collected in the run report.

Exit codes:
  0  run completed
  1  run failed
  2  run blocked
  3  run could not start (definition error, missing inputs, not confirmed)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.item, "item", "", "work item identifier")
	cmd.Flags().StringVar(&opts.itemURL, "item-url", "", "work item URL")
	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "bind an input as name=value (repeatable)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "confirm the plan without asking")
	cmd.Flags().StringVar(&opts.reportFormat, "report-format", report.FormatText, "report format: text, json, yaml or flat")
	cmd.Flags().StringVar(&opts.reportOut, "report-out", "", "write the report to this file instead of stdout")
	return cmd
}

func (app *App) run(ctx context.Context, stdout io.Writer, path string, opts runOptions) error {
	workItem := tracker.ItemRef{ID: opts.item, URL: opts.itemURL}
	if workItem.IsZero() {
		app.Printer.Error("a work item is required: pass --item or --item-url")
		return cannotRun(scheduler.ErrNoWorkItem)
	}

	switch strings.ToLower(opts.reportFormat) {
	case "", report.FormatText, report.FormatJSON, report.FormatYAML, report.FormatFlat:
	default:
		err := fmt.Errorf("unknown report format %q", opts.reportFormat)
		app.Printer.Error("%v", err)
		return cannotRun(err)
	}

	def, g, err := loadGate(app, path, opts.inputs)
	if err != nil {
		return err
	}

	executor, err := app.executorFor(def)
	if err != nil {
		app.Printer.Error("%v", err)
		return cannotRun(err)
	}

	confirmer := app.Confirmer
	if opts.yes {
		confirmer = gate.AutoConfirm
	} else if app.Prompter != nil {
		g.SetPrompter(app.Prompter)
	}
	if confirmer == nil {
		app.Printer.Error("confirmation required: pass --yes")
		return cannotRun(gate.ErrNotConfirmed)
	}

	adm, err := g.Await(ctx, gate.ConfirmerFunc(func(ctx context.Context, plan gate.Plan) (bool, error) {
		app.Printer.Plan(plan)
		return confirmer.Confirm(ctx, plan)
	}))
	if err != nil {
		var missing *gate.MissingRequiredInputError
		switch {
		case errors.As(err, &missing):
			app.Printer.Error("%v", err)
		case errors.Is(err, gate.ErrNotConfirmed):
			app.Printer.Info("Run of %s cancelled.", def.ID())
		default:
			app.Printer.Error("%v", err)
		}
		return cannotRun(err)
	}

	if e, ok := app.Tracker.(itemEnsurer); ok {
		item, err := e.EnsureItem(ctx, workItem)
		if err != nil {
			app.Printer.Error("%v", err)
			return cannotRun(err)
		}
		workItem = item.Ref()
	}

	sched := app.newScheduler(executor)
	rep, err := sched.Run(ctx, adm, workItem)
	if err != nil {
		app.Printer.Error("%v", err)
		return &ExitError{Code: ExitFailed, Err: err}
	}

	app.Printer.Report(rep)
	if err := writeReport(stdout, rep, opts); err != nil {
		app.Printer.Warn("failed to write report: %v", err)
	}
	if app.Metrics != nil && app.Config.Metrics.Textfile != "" {
		if err := app.Metrics.WriteTextfile(app.Config.Metrics.Textfile); err != nil {
			app.Printer.Warn("failed to write metrics: %v", err)
		}
	}

	if code := rep.Outcome.ExitCode(); code != ExitCompleted {
		return NewExitError(code)
	}
	return nil
}

func (app *App) newScheduler(executor agent.Executor) *scheduler.Scheduler {
	cfg := app.Config.Dispatch
	opts := []scheduler.Option{
		scheduler.WithLogger(app.logger()),
		scheduler.WithModeFunc(app.Config.ModeFor),
		scheduler.WithDispatchOptions(
			dispatch.WithMaxConcurrency(cfg.MaxConcurrency),
			dispatch.WithRetry(dispatch.RetryPolicy{
				MaxRetries:      cfg.MaxRetries,
				InitialInterval: cfg.InitialBackoff,
				MaxInterval:     cfg.MaxBackoff,
			}),
		),
	}
	if app.Tracer != nil {
		opts = append(opts, scheduler.WithTracer(app.Tracer))
	}
	if app.Metrics != nil {
		opts = append(opts, scheduler.WithObserver(app.Metrics))
	}

	sched := scheduler.New(app.Tracker, executor, opts...)
	sched.SetProgressCallback(func(index, total int, stepID string) {
		app.Printer.StepStart(index, total, stepID)
	})
	sched.SetResultCallback(app.Printer.StepResult)
	return sched
}

// writeReport writes the encoded report to --report-out, or to stdout for
// any format other than text, which the printer already rendered.
func writeReport(stdout io.Writer, rep *report.Report, opts runOptions) error {
	if opts.reportOut == "" {
		if opts.reportFormat == "" || strings.EqualFold(opts.reportFormat, report.FormatText) {
			return nil
		}
		return rep.Encode(stdout, opts.reportFormat)
	}

	f, err := os.Create(opts.reportOut)
	if err != nil {
		return err
	}
	if err := rep.Encode(f, opts.reportFormat); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", opts.reportOut, err)
	}
	return nil
}
