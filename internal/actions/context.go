package actions

import (
	"context"

	"github.com/rendis/machina/internal/expressions"
)

// Context is the run-context surface an action may read and mutate. The
// engine's run context satisfies it; actions never see the executor itself.
type Context interface {
	RunID() string
	Workflow() string
	Get(key string) (any, bool)
	Set(key string, value any)
	Snapshot() map[string]any
}

// SubWorkflowRunner launches a nested workflow run with a fresh context
// seeded from params and returns the child's final context snapshot. Bound
// late by the engine so this package never depends on it.
type SubWorkflowRunner func(ctx context.Context, workflow string, params map[string]any) (map[string]any, error)

// scope builds the interpolation scope for a run context.
func scope(rc Context) *expressions.Scope {
	return &expressions.Scope{
		Vars: rc.Snapshot(),
		Run: map[string]any{
			"run_id":   rc.RunID(),
			"workflow": rc.Workflow(),
		},
	}
}

// resolveTemplate interpolates ${{...}} tokens in s against the run context.
// Plain strings pass through untouched.
func resolveTemplate(s string, rc Context) (string, error) {
	if !expressions.HasInterpolation(s) {
		return s, nil
	}
	return expressions.ResolveString(s, scope(rc))
}

// exprData builds the expression-evaluation data map: context variables as
// top-level keys plus run metadata under the reserved "run" key.
func exprData(rc Context) map[string]any {
	data := rc.Snapshot()
	data["run"] = map[string]any{
		"run_id":   rc.RunID(),
		"workflow": rc.Workflow(),
	}
	return data
}
