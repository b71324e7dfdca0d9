package cli

import (
	"encoding/json"
	"fmt"
	"sync"

	"pipewright/internal/agent"
	"pipewright/internal/claude"
	"pipewright/internal/config"
	"pipewright/internal/router"
	"pipewright/internal/workflow"
)

// executorFor returns the executor serving def's roles. An injected
// App.Executor is used as is; otherwise every role gets its own Claude agent.
func (app *App) executorFor(def *workflow.Definition) (agent.Executor, error) {
	if app.Executor != nil {
		return app.Executor, nil
	}

	cfg := app.Config
	runner := claude.NewExecutor(claude.ExecutorConfig{
		BinaryPath:   cfg.Claude.BinaryPath,
		OutputFormat: cfg.Claude.OutputFormat,
		ExtraArgs:    cfg.Claude.ExtraArgs,
	})

	// Fan-out branches stream concurrently; keep each event's lines together.
	var mu sync.Mutex
	onEvent := func(req agent.Request, e claude.Event) {
		mu.Lock()
		defer mu.Unlock()
		app.Printer.Event(req.StepID, e)
	}

	r, err := router.NewRouterFromRoles(router.RolesOf(def), func(role string) (agent.Executor, error) {
		a := claude.NewAgent(runner, instructionPrompt(cfg))
		a.SetModel(cfg.ModelFor)
		if cfg.Output.Stream {
			a.SetEventHandler(onEvent)
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.Check(def); err != nil {
		return nil, err
	}
	return r, nil
}

// instructionPrompt renders requests through the configured role templates.
func instructionPrompt(cfg *config.Config) claude.PromptFunc {
	return func(req agent.Request) (string, error) {
		slice := "{}"
		if len(req.Context) > 0 {
			b, err := json.MarshalIndent(req.Context, "", "  ")
			if err != nil {
				return "", fmt.Errorf("encode context: %w", err)
			}
			slice = string(b)
		}

		data := config.InstructionData{
			RunID:        req.RunID,
			StepID:       req.StepID,
			Role:         req.Role,
			Mode:         req.Mode,
			Instructions: req.Instructions,
			WorkItem:     req.WorkItem.String(),
			Context:      slice,
		}
		if req.Item != nil {
			data.Item = req.Item.String()
		}
		return cfg.GetInstructions(req.Role, data)
	}
}
