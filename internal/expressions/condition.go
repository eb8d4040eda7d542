package expressions

import (
	"context"
	"strings"

	"github.com/loomery/loom/pkg/schema"
)

// ConditionEvaluator decides whether a step's guard condition holds.
// Conditions are CEL by default; an "expr:" prefix switches to expr-lang
// for pipeline-style logic. An empty condition always holds.
type ConditionEvaluator struct {
	cel  *CELEngine
	expr *ExprEngine
}

func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
	}, nil
}

// ShouldRun evaluates condition against the scope and coerces the result
// to a boolean.
func (c *ConditionEvaluator) ShouldRun(ctx context.Context, condition string, scope *Scope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	data := map[string]any{
		"steps":    scope.Steps,
		"inputs":   scope.Inputs,
		"workflow": scope.Workflow,
	}

	var (
		out any
		err error
	)
	if rest, ok := strings.CutPrefix(condition, "expr:"); ok {
		out, err = c.expr.Evaluate(ctx, strings.TrimSpace(rest), data)
	} else {
		out, err = c.cel.Evaluate(ctx, condition, data)
	}
	if err != nil {
		return false, err
	}

	return toBool(out, condition)
}

// toBool coerces an evaluation result to a boolean. Only booleans and nil
// are accepted; anything else is a validation error rather than a guess.
func toBool(v any, condition string) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q evaluated to %T, expected boolean", condition, v)
	}
}
