package stagewise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name      string
		condition string
		record    map[string]any
		want      bool
	}{
		{"numeric comparison", "amount > 5000", map[string]any{"amount": 9000}, true},
		{"numeric below threshold", "amount > 5000", map[string]any{"amount": 100}, false},
		{"string equality", `country == "DE"`, map[string]any{"country": "DE"}, true},
		{"combined clauses", `amount > 1000 && country == "DE"`, map[string]any{"amount": 2000, "country": "DE"}, true},
		{"nil record", "amount == nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.condition, tt.record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvaluatorRejectsBadSyntax(t *testing.T) {
	evaluator := NewExprEvaluator()

	_, err := evaluator.Evaluate("amount >>> 5", map[string]any{"amount": 1})
	require.Error(t, err)
}

func TestExprEvaluatorRejectsNonBoolean(t *testing.T) {
	evaluator := NewExprEvaluator()

	_, err := evaluator.Evaluate("amount + 5", map[string]any{"amount": 1})
	require.Error(t, err)
}
