package flow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/finteca/cobraflow/internal/models"
)

// EvaluateRules applies ordered condition rules against the variable
// namespace. The first matching rule wins; its target node id is returned.
func EvaluateRules(rules []models.ConditionRule, vars map[string]any) (string, bool) {
	for i, rule := range rules {
		name := rule.Variable
		if name == "" {
			name = models.VarUserResponse
		}
		value, _ := LookupPath(vars, name)
		actual := StringifyValue(value)
		if ruleMatches(rule, actual) {
			slog.Debug("Condition rule matched", "index", i, "variable", name, "operator", rule.Operator, "target", rule.TargetNodeID)
			return rule.TargetNodeID, true
		}
	}
	return "", false
}

// ruleMatches applies a single operator. Unknown operators never match.
func ruleMatches(rule models.ConditionRule, actual string) bool {
	switch rule.Operator {
	case models.OperatorEquals:
		return normalize(actual) == normalize(rule.Value)
	case models.OperatorContains:
		return strings.Contains(actual, rule.Value)
	case models.OperatorContainsIgnoreCase:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(rule.Value))
	case models.OperatorGreater:
		a, b, ok := coerceNumbers(actual, rule.Value)
		return ok && a > b
	case models.OperatorLess:
		a, b, ok := coerceNumbers(actual, rule.Value)
		return ok && a < b
	default:
		slog.Warn("Unknown condition operator", "operator", rule.Operator)
		return false
	}
}

// normalize lowercases and collapses whitespace for equals comparisons.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func coerceNumbers(a, b string) (float64, float64, bool) {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	return fa, fb, true
}
