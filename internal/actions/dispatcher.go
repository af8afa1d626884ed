package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/machina/internal/agent"
	"github.com/rendis/machina/internal/expressions"
	"github.com/rendis/machina/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// Config wires the dispatcher's external collaborators.
type Config struct {
	Evaluator *expressions.Evaluator
	Agent     agent.Executor
	Logger    *slog.Logger
	// Workdir is the default working directory for shell commands.
	Workdir string
	// ShellTimeout bounds shell commands that declare no timeout.
	ShellTimeout time.Duration
	// MaxOutputSize caps captured shell output.
	MaxOutputSize int64
	// RunSubWorkflow launches nested runs. Nil disables sub_workflow.
	RunSubWorkflow SubWorkflowRunner
}

// Dispatcher executes one action variant against a run context. The kind
// switch is exhaustive: an unknown kind is a validation error, not a no-op.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher creates a Dispatcher, applying defaults for unset limits.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShellTimeout <= 0 {
		cfg.ShellTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Dispatcher{cfg: cfg}
}

// Execute runs the action, producing its side effect and/or context
// mutation. Errors carry MachinaError codes per variant contract.
func (d *Dispatcher) Execute(ctx context.Context, rc Context, action *schema.Action) error {
	if action == nil {
		return nil
	}
	switch action.Kind {
	case schema.ActionLog:
		return d.executeLog(ctx, rc, action.Log)
	case schema.ActionSetVariable:
		return d.executeSetVariable(ctx, rc, action.SetVariable)
	case schema.ActionShellCommand:
		return d.executeShell(ctx, rc, action.Shell)
	case schema.ActionPromptExecution:
		return d.executePrompt(ctx, rc, action.Prompt)
	case schema.ActionSubWorkflow:
		return d.executeSubWorkflow(ctx, rc, action.SubWorkflow)
	case schema.ActionWait:
		return d.executeWait(ctx, rc, action.Wait)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", action.Kind)
	}
}
