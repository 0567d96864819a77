// Package query implements Loom's backend-agnostic filter language: a
// recursive expression tree with logical combinators and per-field
// comparison operators, evaluated either by compiling to a parameterized
// SQL predicate or by interpreting directly against a materialized record.
package query

import (
	"sort"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/pkg/types"
)

// Op is a field-level comparison operator.
type Op string

const (
	OpEq   Op = "$eq"
	OpNe   Op = "$ne"
	OpGt   Op = "$gt"
	OpLt   Op = "$lt"
	OpGte  Op = "$gte"
	OpLte  Op = "$lte"
	OpIn   Op = "$in"
	OpNin  Op = "$nin"
	OpNot  Op = "$not"
	OpAll  Op = "$all"
	OpNone Op = "$none"
)

// Logical combinator keys.
const (
	keyOr  = "$or"
	keyAnd = "$and"
	keyNor = "$nor"
)

// Cond is one operator applied to a field's value.
type Cond struct {
	Op Op

	// Value is the operand for scalar operators.
	Value interface{}

	// Values is the operand list for $in/$nin/$all/$none.
	Values []interface{}

	// Sub holds the negated conditions for $not.
	Sub []Cond
}

// Field groups the conditions applied to one column.
type Field struct {
	Name  string
	Conds []Cond
}

// Query is the filter tree: either a logical combination of sub-queries
// or a conjunction of per-field conditions.
type Query struct {
	Or     []Query
	And    []Query
	Nor    []Query
	Fields []Field
}

// Empty reports whether the query constrains nothing.
func (q *Query) Empty() bool {
	return q == nil || (len(q.Or) == 0 && len(q.And) == 0 && len(q.Nor) == 0 && len(q.Fields) == 0)
}

// Parse builds a Query from its generic JSON representation: a map whose
// keys are either logical combinators ($or/$and/$nor over lists of
// sub-queries) or column names mapped to a literal (implicit equality)
// or an operator map. Keys are processed in sorted order so compilation
// is deterministic.
func Parse(raw map[string]interface{}) (*Query, error) {
	if len(raw) == 0 {
		return &Query{}, nil
	}
	q := &Query{}
	keys := sortedKeys(raw)
	for _, key := range keys {
		value := raw[key]
		switch key {
		case keyOr, keyAnd, keyNor:
			subs, err := parseSubQueries(key, value)
			if err != nil {
				return nil, err
			}
			switch key {
			case keyOr:
				q.Or = subs
			case keyAnd:
				q.And = subs
			case keyNor:
				q.Nor = subs
			}
		default:
			if !types.ValidIdentifier(key) {
				return nil, errors.Malformed(errors.CategoryQuery, "invalid field name %q in query", key)
			}
			conds, err := parseConds(key, value)
			if err != nil {
				return nil, err
			}
			q.Fields = append(q.Fields, Field{Name: key, Conds: conds})
		}
	}
	return q, nil
}

func parseSubQueries(key string, value interface{}) ([]Query, error) {
	list, ok := value.([]interface{})
	if !ok {
		return nil, errors.Malformed(errors.CategoryQuery, "%s expects a list of sub-queries", key)
	}
	subs := make([]Query, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.Malformed(errors.CategoryQuery, "%s contains a non-object sub-query", key)
		}
		sub, err := Parse(m)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// parseConds interprets a field's value: an operator map becomes one Cond
// per operator; anything else is an implicit equality.
func parseConds(field string, value interface{}) ([]Cond, error) {
	m, ok := value.(map[string]interface{})
	if !ok || !operatorMap(m) {
		return []Cond{{Op: OpEq, Value: value}}, nil
	}

	conds := make([]Cond, 0, len(m))
	for _, opKey := range sortedKeys(m) {
		operand := m[opKey]
		switch op := Op(opKey); op {
		case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte:
			conds = append(conds, Cond{Op: op, Value: operand})
		case OpIn, OpNin, OpAll, OpNone:
			list, ok := operand.([]interface{})
			if !ok {
				return nil, errors.Malformed(errors.CategoryQuery, "%s on %q expects a list", opKey, field)
			}
			conds = append(conds, Cond{Op: op, Values: list})
		case OpNot:
			subMap, ok := operand.(map[string]interface{})
			if !ok {
				return nil, errors.Malformed(errors.CategoryQuery, "$not on %q expects an operator object", field)
			}
			sub, err := parseConds(field, subMap)
			if err != nil {
				return nil, err
			}
			conds = append(conds, Cond{Op: OpNot, Sub: sub})
		default:
			return nil, errors.Malformed(errors.CategoryQuery, "unknown operator %q on field %q", opKey, field)
		}
	}
	return conds, nil
}

// operatorMap reports whether the map's keys are operator keys. A map with
// a mix of operator and plain keys is treated as an operator map so the
// plain keys surface as unknown-operator errors instead of being silently
// compared as a literal.
func operatorMap(m map[string]interface{}) bool {
	for key := range m {
		if len(key) > 0 && key[0] == '$' {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
