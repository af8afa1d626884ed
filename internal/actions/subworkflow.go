package actions

import (
	"context"

	"github.com/rendis/machina/pkg/schema"
)

// executeSubWorkflow evaluates the input expressions against the parent
// context, runs the child workflow in a fresh context, and copies only the
// declared output keys back into the parent.
func (d *Dispatcher) executeSubWorkflow(ctx context.Context, rc Context, a *schema.SubWorkflowAction) error {
	if a == nil || a.Workflow == "" {
		return schema.NewError(schema.ErrCodeValidation, "sub_workflow: missing workflow name")
	}
	if d.cfg.RunSubWorkflow == nil {
		return schema.NewError(schema.ErrCodeExecution, "sub_workflow: nested runs are not enabled")
	}

	params := make(map[string]any, len(a.Inputs))
	for childKey, expression := range a.Inputs {
		value, err := d.cfg.Evaluator.Evaluate(ctx, expression, exprData(rc))
		if err != nil {
			return err
		}
		params[childKey] = value
	}

	childVars, err := d.cfg.RunSubWorkflow(ctx, a.Workflow, params)
	if err != nil {
		return err
	}

	for childKey, parentKey := range a.Outputs {
		if value, ok := childVars[childKey]; ok {
			rc.Set(parentKey, value)
		}
	}
	return nil
}
