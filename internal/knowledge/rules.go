package knowledge

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// evalContext is the fact base a Pattern's MatchingRules are evaluated
// against — typically built from a Problem's Context plus a handful of
// derived fields (e.g. "age" for older_than).
type evalContext map[string]interface{}

// matchRule evaluates a single MatchRule against ctx. An unknown or
// missing field never matches rather than erroring — a Pattern with a
// stale field reference should simply fail to fire, not panic a caller
// mid-dispatch.
func matchRule(rule MatchRule, ctx evalContext) bool {
	actual, ok := ctx[rule.Field]
	if !ok {
		return false
	}

	switch rule.Operator {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(rule.Value)
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(rule.Value)
	case "gt", "gte", "lt", "lte":
		a, aOK := toFloat(actual)
		b, bOK := toFloat(rule.Value)
		if !aOK || !bOK {
			return false
		}
		switch rule.Operator {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "regex":
		pattern, ok := rule.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(actual))
	case "in":
		items, ok := rule.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range items {
			if fmt.Sprint(item) == fmt.Sprint(actual) {
				return true
			}
		}
		return false
	case "older_than":
		t, ok := actual.(time.Time)
		if !ok {
			return false
		}
		d, err := parseDuration(rule.Value)
		if err != nil {
			return false
		}
		return time.Since(t) > d
	default:
		return false
	}
}

// matchAll reports whether every rule in a Pattern's matching_rules
// fires against ctx — a Pattern applies only on full agreement.
func matchAll(rules []MatchRule, ctx evalContext) bool {
	for _, r := range rules {
		if !matchRule(r, ctx) {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseDuration(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	default:
		return 0, fmt.Errorf("older_than value must be a duration string, got %T", v)
	}
}
