package stagewise

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// ConditionEvaluator decides a boolean condition against a participant's
// flat extras record. Conditional routing depends on it but the engine does
// not care how conditions are expressed.
type ConditionEvaluator interface {
	Evaluate(condition string, record map[string]any) (bool, error)
}

// ExprEvaluator evaluates conditions as expr-lang expressions, e.g.
// `amount > 5000 && country == "DE"`.
type ExprEvaluator struct{}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{}
}

func (e *ExprEvaluator) Evaluate(condition string, record map[string]any) (bool, error) {
	if record == nil {
		record = map[string]any{}
	}

	program, err := expr.Compile(condition, expr.Env(record), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}

	out, err := expr.Run(program, record)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", condition)
	}

	return result, nil
}
