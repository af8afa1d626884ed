package actions

import (
	"context"

	"github.com/rendis/machina/internal/agent"
	"github.com/rendis/machina/pkg/schema"
)

const defaultPromptOutputKey = "prompt_result"

// executePrompt renders the prompts against the run context and delegates
// to the configured agent backend. Timeout errors surface distinctly from
// execution failures.
func (d *Dispatcher) executePrompt(ctx context.Context, rc Context, a *schema.PromptExecutionAction) error {
	if a == nil || a.UserPrompt == "" {
		return schema.NewError(schema.ErrCodeValidation, "prompt_execution: missing user_prompt")
	}
	if d.cfg.Agent == nil {
		return schema.NewError(schema.ErrCodeAgent, "prompt_execution: no agent backend configured")
	}

	systemPrompt, err := resolveTemplate(a.SystemPrompt, rc)
	if err != nil {
		return err
	}
	userPrompt, err := resolveTemplate(a.UserPrompt, rc)
	if err != nil {
		return err
	}

	timeout, err := schema.ParseTimeout(a.Timeout, agent.DefaultPromptTimeout)
	if err != nil {
		return err
	}

	result, err := d.cfg.Agent.ExecutePrompt(ctx, agent.PromptRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Vars:         rc.Snapshot(),
		Timeout:      timeout,
	})
	if err != nil {
		return err
	}

	outputKey := a.OutputKey
	if outputKey == "" {
		outputKey = defaultPromptOutputKey
	}
	rc.Set(outputKey, result.Text)

	d.cfg.Logger.DebugContext(ctx, "prompt executed",
		"run_id", rc.RunID(),
		"backend", d.cfg.Agent.Name(),
		"model", result.Model,
		"duration_ms", result.DurationMs)
	return nil
}
