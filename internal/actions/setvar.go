package actions

import (
	"context"

	"github.com/rendis/machina/pkg/schema"
)

// executeSetVariable evaluates the value expression against the run context
// and stores the result, overwriting any existing key.
func (d *Dispatcher) executeSetVariable(ctx context.Context, rc Context, a *schema.SetVariableAction) error {
	if a == nil || a.Key == "" {
		return schema.NewError(schema.ErrCodeValidation, "set_variable: missing key")
	}

	value, err := d.cfg.Evaluator.Evaluate(ctx, a.Value, exprData(rc))
	if err != nil {
		return err
	}
	rc.Set(a.Key, value)
	return nil
}
