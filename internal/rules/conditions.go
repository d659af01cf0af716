package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var celOperators = map[domain.Operator]string{
	domain.OpGreater:      ">",
	domain.OpGreaterEqual: ">=",
	domain.OpLess:         "<",
	domain.OpLessEqual:    "<=",
	domain.OpEqual:        "==",
	domain.OpNotEqual:     "!=",
}

// ConditionExpression renders AND-combined conditions as a CEL expression
// over the feature schema.
func ConditionExpression(conds []domain.Condition) (string, error) {
	if len(conds) == 0 {
		return "", fmt.Errorf("%w: at least one condition is required", domain.ErrInvalidInput)
	}

	parts := make([]string, 0, len(conds))
	for i, c := range conds {
		expr, err := conditionExpression(c)
		if err != nil {
			return "", fmt.Errorf("condition %d: %w", i, err)
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, " && "), nil
}

func conditionExpression(c domain.Condition) (string, error) {
	kind, ok := domain.FeatureSchema[c.Feature]
	if !ok {
		return "", fmt.Errorf("%w: unknown feature %q", domain.ErrInvalidInput, c.Feature)
	}
	op, ok := celOperators[c.Operator]
	if !ok {
		return "", fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidInput, c.Operator)
	}

	var literal string
	switch kind {
	case domain.KindNumber:
		v, ok := toFloat(c.Value)
		if !ok {
			return "", fmt.Errorf("%w: %s needs a numeric value", domain.ErrInvalidInput, c.Feature)
		}
		literal = doubleLiteral(v)

	case domain.KindBool:
		v, ok := c.Value.(bool)
		if !ok {
			return "", fmt.Errorf("%w: %s needs a boolean value", domain.ErrInvalidInput, c.Feature)
		}
		if c.Operator != domain.OpEqual && c.Operator != domain.OpNotEqual {
			return "", fmt.Errorf("%w: %s only supports eq and neq", domain.ErrInvalidInput, c.Feature)
		}
		literal = strconv.FormatBool(v)

	case domain.KindString:
		v, ok := c.Value.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s needs a string value", domain.ErrInvalidInput, c.Feature)
		}
		if c.Operator != domain.OpEqual && c.Operator != domain.OpNotEqual {
			return "", fmt.Errorf("%w: %s only supports eq and neq", domain.ErrInvalidInput, c.Feature)
		}
		literal = strconv.Quote(v)
	}

	return c.Feature + " " + op + " " + literal, nil
}

// toFloat accepts the numeric shapes a condition value arrives in from
// JSON or Go code.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// doubleLiteral formats v so CEL parses it as a double, never an int.
func doubleLiteral(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
