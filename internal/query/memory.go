package query

import (
	"reflect"
	"time"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/pkg/types"
)

// Matches evaluates the query against a materialized record by recursive
// descent. It is the evaluator for flat (non-relational) backends and
// supports the full operator set, including $all/$none.
func Matches(q *Query, record types.Record) (bool, error) {
	if q.Empty() {
		return true, nil
	}

	for i := range q.And {
		ok, err := Matches(&q.And[i], record)
		if err != nil || !ok {
			return false, err
		}
	}

	if len(q.Or) > 0 {
		any := false
		for i := range q.Or {
			ok, err := Matches(&q.Or[i], record)
			if err != nil {
				return false, err
			}
			if ok {
				any = true
				break
			}
		}
		if !any {
			return false, nil
		}
	}

	for i := range q.Nor {
		ok, err := Matches(&q.Nor[i], record)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	for _, field := range q.Fields {
		value := record[field.Name]
		for _, cond := range field.Conds {
			ok, err := matchCond(value, cond)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func matchCond(value interface{}, cond Cond) (bool, error) {
	switch cond.Op {
	case OpEq:
		return deepEqual(value, cond.Value), nil
	case OpNe:
		return !deepEqual(value, cond.Value), nil
	case OpGt, OpLt, OpGte, OpLte:
		return matchOrder(value, cond)
	case OpIn:
		return contains(cond.Values, value), nil
	case OpNin:
		return !contains(cond.Values, value), nil
	case OpAll, OpNone:
		list, ok := asList(value)
		if !ok {
			// Array operators on a non-array value never match; $none
			// holds vacuously.
			return cond.Op == OpNone, nil
		}
		for _, want := range cond.Values {
			if !contains(list, want) {
				if cond.Op == OpAll {
					return false, nil
				}
			} else if cond.Op == OpNone {
				return false, nil
			}
		}
		return true, nil
	case OpNot:
		for _, sub := range cond.Sub {
			ok, err := matchCond(value, sub)
			if err != nil {
				return false, err
			}
			if !ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, errors.Malformed(errors.CategoryQuery, "unknown operator %q", cond.Op)
}

// matchOrder handles the ordering operators. When the record value is an
// array the comparison is against its length; otherwise numbers compare
// numerically and strings lexicographically.
func matchOrder(value interface{}, cond Cond) (bool, error) {
	var cmp int
	var comparable bool

	if list, ok := asList(value); ok {
		operand, numeric := asFloat(cond.Value)
		if !numeric {
			return false, nil
		}
		cmp, comparable = compareFloats(float64(len(list)), operand), true
	} else {
		cmp, comparable = compareValues(value, cond.Value)
	}
	if !comparable {
		return false, nil
	}

	switch cond.Op {
	case OpGt:
		return cmp > 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpGte:
		return cmp >= 0, nil
	case OpLte:
		return cmp <= 0, nil
	}
	return false, nil
}

// deepEqual compares two values structurally, treating all numeric
// representations of the same quantity as equal.
func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func contains(list []interface{}, value interface{}) bool {
	for _, item := range list {
		if deepEqual(item, value) {
			return true
		}
	}
	return false
}

// normalize rewrites numeric leaves to float64 and list/map containers to
// their generic forms so records decoded from different backends compare
// equal.
func normalize(v interface{}) interface{} {
	if f, ok := asFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func asList(v interface{}) ([]interface{}, bool) {
	list, ok := v.([]interface{})
	return list, ok
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case time.Time:
		// Date columns decode to time.Time while query operands stay
		// epoch millis; compare both on the wire representation.
		return float64(t.UnixMilli()), true
	}
	return 0, false
}

// compareValues orders two scalars. The second return is false when the
// values have no defined ordering (mixed types, nil, composites).
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return compareFloats(fa, fb), true
		}
		return 0, false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1, true
			case sa > sb:
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
