package query

import (
	"fmt"
	"strings"

	"github.com/loomdb/loom/internal/errors"
)

// Compile walks the query depth-first and emits a parameterized SQL
// predicate plus its ordered arguments. Every literal is bound as a
// positional parameter; nothing is interpolated into the predicate text.
//
// $in/$nin are emitted as a containment test of the column value inside a
// delimiter-joined serialization of the candidate set. This is not true
// set membership: candidate values containing the "," delimiter can
// mis-match. The in-memory evaluator performs true membership; the
// divergence is deliberate and kept for behavioral compatibility.
//
// $all/$none have no relational rendering and fail with NOT_SUPPORTED.
func Compile(q *Query) (string, []interface{}, error) {
	if q.Empty() {
		return "", nil, nil
	}
	return compileNode(q)
}

func compileNode(q *Query) (string, []interface{}, error) {
	var parts []string
	var args []interface{}

	appendGroup := func(subs []Query, joiner string, negate bool) error {
		if len(subs) == 0 {
			return nil
		}
		clauses := make([]string, 0, len(subs))
		for i := range subs {
			clause, subArgs, err := compileNode(&subs[i])
			if err != nil {
				return err
			}
			if clause == "" {
				continue
			}
			clauses = append(clauses, clause)
			args = append(args, subArgs...)
		}
		if len(clauses) == 0 {
			return nil
		}
		group := "(" + strings.Join(clauses, " "+joiner+" ") + ")"
		if negate {
			group = "NOT " + group
		}
		parts = append(parts, group)
		return nil
	}

	if err := appendGroup(q.And, "AND", false); err != nil {
		return "", nil, err
	}
	if err := appendGroup(q.Or, "OR", false); err != nil {
		return "", nil, err
	}
	if err := appendGroup(q.Nor, "OR", true); err != nil {
		return "", nil, err
	}

	for _, field := range q.Fields {
		for _, cond := range field.Conds {
			clause, condArgs, err := compileCond(field.Name, cond)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, clause)
			args = append(args, condArgs...)
		}
	}

	if len(parts) == 0 {
		return "", nil, nil
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", args, nil
}

func compileCond(column string, cond Cond) (string, []interface{}, error) {
	col := quoteIdent(column)
	switch cond.Op {
	case OpEq:
		if cond.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []interface{}{cond.Value}, nil
	case OpNe:
		if cond.Value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		return col + " != ?", []interface{}{cond.Value}, nil
	case OpGt:
		return col + " > ?", []interface{}{cond.Value}, nil
	case OpLt:
		return col + " < ?", []interface{}{cond.Value}, nil
	case OpGte:
		return col + " >= ?", []interface{}{cond.Value}, nil
	case OpLte:
		return col + " <= ?", []interface{}{cond.Value}, nil
	case OpIn:
		return "instr(?, ',' || " + col + " || ',') > 0", []interface{}{serializeSet(cond.Values)}, nil
	case OpNin:
		return "instr(?, ',' || " + col + " || ',') = 0", []interface{}{serializeSet(cond.Values)}, nil
	case OpNot:
		clauses := make([]string, 0, len(cond.Sub))
		var args []interface{}
		for _, sub := range cond.Sub {
			clause, subArgs, err := compileCond(column, sub)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, clause)
			args = append(args, subArgs...)
		}
		return "NOT (" + strings.Join(clauses, " AND ") + ")", args, nil
	case OpAll, OpNone:
		return "", nil, errors.NotSupported(errors.CategoryQuery,
			"%s is not expressible on the relational backend", cond.Op)
	}
	return "", nil, errors.Malformed(errors.CategoryQuery, "unknown operator %q", cond.Op)
}

// serializeSet joins the candidate values into the delimiter-wrapped text
// form the containment test matches against.
func serializeSet(values []interface{}) string {
	var b strings.Builder
	b.WriteByte(',')
	for _, v := range values {
		b.WriteString(serializeScalar(v))
		b.WriteByte(',')
	}
	return b.String()
}

func serializeScalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		// Render integral floats without a fraction so they match the
		// text SQLite produces when casting an INTEGER column.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
