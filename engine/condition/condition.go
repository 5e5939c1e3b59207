// Package condition evaluates condition-node predicates against the
// execution context. Evaluation is pure and never fails: unrecognized
// condition types fall back to true, keeping the historical default-pass
// behavior for workflows written before a type existed.
package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fieldops/flowengine/core"
)

const (
	TypeFieldEquals      = "field_equals"
	TypeFieldGreaterThan = "field_greater_than"
	TypeFieldLessThan    = "field_less_than"
	TypeFieldContains    = "field_contains"
)

// Evaluate returns the boolean result for a condition node. The value is
// looked up from the trigger data first, then from the most recently created
// document of the configured documentType.
//
// Numeric comparisons coerce the field value to a float; a non-numeric value
// becomes NaN and every comparison against NaN is false. That is accepted
// behavior, not guarded against.
func Evaluate(node *core.Node, ec *core.ExecutionContext) bool {
	conditionType, _ := node.Config["conditionType"].(string)
	fieldName, _ := node.Config["fieldName"].(string)
	documentType, _ := node.Config["documentType"].(string)

	value, _ := ec.Field(documentType, fieldName)

	switch conditionType {
	case TypeFieldEquals:
		return equals(value, node.Config["expectedValue"])

	case TypeFieldGreaterThan:
		return toNumber(value) > toNumber(node.Config["threshold"])

	case TypeFieldLessThan:
		return toNumber(value) < toNumber(node.Config["threshold"])

	case TypeFieldContains:
		searchText, _ := node.Config["searchText"].(string)
		return strings.Contains(toString(value), searchText)

	default:
		// Unrecognized or missing condition type passes.
		return true
	}
}

func equals(a, b any) bool {
	// JSON decoding produces float64 for every number, but configs built in
	// code may carry ints. Compare numerically when both sides are numbers.
	na, aNum := asNumber(a)
	nb, bNum := asNumber(b)
	if aNum && bNum {
		return na == nb
	}

	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toNumber(v any) float64 {
	if n, ok := asNumber(v); ok {
		return n
	}

	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n
		}
	}

	return math.NaN()
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}
