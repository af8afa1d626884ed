package expressions

import (
	"context"
	"strings"

	"github.com/rendis/machina/pkg/schema"
)

// Engine evaluates an expression against a run's variables. Three
// implementations: Expr (default, conditions and values), CEL (guard
// expressions), GoJQ (data extraction).
//
// All engines receive the same data map: the run-context variables as
// top-level keys plus a reserved "run" key holding run metadata
// (run_id, workflow).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engine-selection prefixes. An expression like "cel: vars.count > 3" is
// routed to CEL; "jq: .items | length" to GoJQ; everything else to Expr.
const (
	prefixCEL = "cel:"
	prefixJQ  = "jq:"
)

// Evaluator routes expressions to the right engine by prefix and coerces
// condition results to booleans. Safe for concurrent use.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate runs the expression against data using the engine selected by
// its prefix.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(trimmed, prefixCEL):
		return ev.cel.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, prefixCEL)), data)
	case strings.HasPrefix(trimmed, prefixJQ):
		return ev.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, prefixJQ)), data)
	default:
		return ev.expr.Evaluate(ctx, trimmed, data)
	}
}

// EvaluateBool evaluates a condition expression. Non-boolean results are
// an expression error: transition conditions must be explicit predicates.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
