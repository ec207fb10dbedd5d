package engine

import (
	"fmt"
	"strings"
	"time"

	"accessgate/internal/metadata"
)

// EvaluateConditions checks every condition against the context and ANDs
// the results. It is a pure function and never fails: a missing context
// attribute, an unknown operator or a malformed value is a non-match, not
// an error. An empty condition set always evaluates true.
func EvaluateConditions(conditions []metadata.Condition, context map[string]any) bool {
	for _, cond := range conditions {
		if !evaluateCondition(cond, context) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond metadata.Condition, context map[string]any) bool {
	val, ok := lookupPath(context, cond.Path)
	if !ok {
		return false
	}

	switch cond.Op {
	case "eq":
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", cond.Value)
	case "in":
		return valueInList(val, cond.Value)
	case "range":
		return valueInRange(val, cond.Value)
	default:
		return false
	}
}

// lookupPath resolves a dot-notation path against nested maps. Unknown
// segments resolve to absence.
func lookupPath(context map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = context
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valueInList(val, list any) bool {
	valStr := fmt.Sprintf("%v", val)
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if fmt.Sprintf("%v", item) == valStr {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == valStr {
				return true
			}
		}
	}
	return false
}

// valueInRange checks an inclusive [lo, hi] bound. Numeric values compare
// as floats; otherwise all three values must parse as RFC3339 timestamps.
func valueInRange(val, bounds any) bool {
	lo, hi, ok := rangeBounds(bounds)
	if !ok {
		return false
	}

	if fv, fok := toFloat64(val); fok {
		flo, lok := toFloat64(lo)
		fhi, hok := toFloat64(hi)
		return lok && hok && fv >= flo && fv <= fhi
	}

	tv, tok := toTime(val)
	tlo, lok := toTime(lo)
	thi, hok := toTime(hi)
	if !tok || !lok || !hok {
		return false
	}
	return !tv.Before(tlo) && !tv.After(thi)
}

func rangeBounds(bounds any) (any, any, bool) {
	switch b := bounds.(type) {
	case []any:
		if len(b) == 2 {
			return b[0], b[1], true
		}
	case []string:
		if len(b) == 2 {
			return b[0], b[1], true
		}
	case []float64:
		if len(b) == 2 {
			return b[0], b[1], true
		}
	case []int:
		if len(b) == 2 {
			return b[0], b[1], true
		}
	}
	return nil, nil, false
}

func toFloat64(v any) (float64, bool) {
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
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
