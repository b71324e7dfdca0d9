// Package cli implements the pipewright command-line interface using Cobra.
//
// The package is organised around [App], which carries the injected
// dependencies (configuration, tracker, executor, printer) so that commands can
// be tested with mocks. [NewRootCommand] builds the command tree;
// [RunWithConfig] and [Execute] are the entry points used by main.
//
// Commands:
//   - validate: load definitions and report definition errors
//   - plan: present a run plan without running anything
//   - run: gate, schedule and report one run against a work item
//   - state: show a work item's lifecycle state and annotations
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pipewright/internal/agent"
	"pipewright/internal/config"
	"pipewright/internal/gate"
	"pipewright/internal/logging"
	"pipewright/internal/metrics"
	"pipewright/internal/output"
	"pipewright/internal/telemetry"
	"pipewright/internal/tracker"
)

// App holds the dependencies shared by all commands.
//
// Executor, Confirmer and Prompter are optional. A nil Executor means one
// Claude agent per role is built from Config for each definition. A nil
// Confirmer requires --yes to run. A nil Prompter never prompts.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Tracker   tracker.Tracker
	Executor  agent.Executor
	Printer   output.Printer
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
	Confirmer gate.Confirmer
	Prompter  gate.InputPrompter
}

// NewApp wires the production dependencies for cfg. The returned function
// flushes the logger and shuts down tracing.
func NewApp(cfg *config.Config) (*App, func(), error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	board := tracker.NewFileTracker(tracker.ResolveBoardPath(cfg.Tracker.BoardPath))
	board.SetColumnAPI(cfg.Tracker.ColumnAPI)

	printer := output.NewPrinter()
	printer.SetTruncation(cfg.Output.TruncateLines, cfg.Output.TruncateLength)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Tracker:   board,
		Printer:   printer,
		Metrics:   metrics.NewCollector(logger),
		Tracer:    telemetry.Tracer(),
		Confirmer: formConfirmer{},
		Prompter:  formPrompter{},
	}
	cleanup := func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return app, cleanup, nil
}

// logger returns the app logger, or a no-op logger when none is set.
func (app *App) logger() *zap.Logger {
	if app.Logger == nil {
		return zap.NewNop()
	}
	return app.Logger
}

// NewRootCommand creates the root Cobra command with all subcommands.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipewright",
		Short: "Run declarative multi-agent pipelines against tracked work items",
		Long: `pipewright runs a workflow definition of role-bound steps against one
work item. Each step is dispatched to the agent serving its role; conditions,
fan-out over child items and lifecycle transitions are handled by the engine.

A run always presents its plan and needs explicit confirmation before any step
executes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newValidateCommand(app),
		newPlanCommand(app),
		newRunCommand(app),
		newStateCommand(app),
	)

	return rootCmd
}

// ExecuteResult is the outcome of [RunWithConfig].
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// RunWithConfig builds the production [App] for cfg and executes the command
// line in os.Args.
func RunWithConfig(cfg *config.Config) ExecuteResult {
	app, cleanup, err := NewApp(cfg)
	if err != nil {
		return ExecuteResult{ExitCode: ExitFailed, Err: err}
	}
	defer cleanup()

	return executeCommand(context.Background(), NewRootCommand(app))
}

func executeCommand(ctx context.Context, cmd *cobra.Command) ExecuteResult {
	if err := cmd.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return ExecuteResult{ExitCode: code, Err: err}
		}
		return ExecuteResult{ExitCode: ExitFailed, Err: err}
	}
	return ExecuteResult{ExitCode: ExitCompleted}
}

// Execute loads configuration, runs the CLI and exits the process.
func Execute() {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitCannotRun)
	}

	result := RunWithConfig(cfg)
	if result.Err != nil {
		if _, ok := IsExitError(result.Err); !ok {
			fmt.Fprintf(os.Stderr, "error: %v\n", result.Err)
		}
	}
	os.Exit(result.ExitCode)
}
