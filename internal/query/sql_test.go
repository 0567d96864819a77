package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/loomdb/loom/internal/errors"
)

func mustParse(t *testing.T, raw map[string]interface{}) *Query {
	t.Helper()
	q, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%v): %v", raw, err)
	}
	return q
}

func TestCompileEmpty(t *testing.T) {
	clause, args, err := Compile(&Query{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != "" || len(args) != 0 {
		t.Errorf("Compile(empty) = %q %v, want empty", clause, args)
	}
}

func TestCompileSingleField(t *testing.T) {
	q := mustParse(t, map[string]interface{}{"name": "bob"})
	clause, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != `"name" = ?` {
		t.Errorf("clause = %q", clause)
	}
	if diff := cmp.Diff([]interface{}{"bob"}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileFieldsSortedAndConjoined(t *testing.T) {
	q := mustParse(t, map[string]interface{}{
		"name": "bob",
		"age":  map[string]interface{}{"$gte": 21},
	})
	clause, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// fields compile in sorted key order for deterministic output
	if clause != `("age" >= ? AND "name" = ?)` {
		t.Errorf("clause = %q", clause)
	}
	if diff := cmp.Diff([]interface{}{21, "bob"}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileNullEquality(t *testing.T) {
	q := mustParse(t, map[string]interface{}{"nickname": nil})
	clause, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != `"nickname" IS NULL` || len(args) != 0 {
		t.Errorf("clause = %q args = %v", clause, args)
	}

	q = mustParse(t, map[string]interface{}{
		"nickname": map[string]interface{}{"$ne": nil},
	})
	clause, _, err = Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != `"nickname" IS NOT NULL` {
		t.Errorf("clause = %q", clause)
	}
}

func TestCompileLogical(t *testing.T) {
	tests := []struct {
		name     string
		raw      map[string]interface{}
		expected string
	}{
		{
			"or",
			map[string]interface{}{"$or": []interface{}{
				map[string]interface{}{"a": 1},
				map[string]interface{}{"b": 2},
			}},
			`("a" = ? OR "b" = ?)`,
		},
		{
			"and",
			map[string]interface{}{"$and": []interface{}{
				map[string]interface{}{"a": 1},
				map[string]interface{}{"b": 2},
			}},
			`("a" = ? AND "b" = ?)`,
		},
		{
			"nor",
			map[string]interface{}{"$nor": []interface{}{
				map[string]interface{}{"a": 1},
				map[string]interface{}{"b": 2},
			}},
			`NOT ("a" = ? OR "b" = ?)`,
		},
		{
			"or beside field",
			map[string]interface{}{
				"$or": []interface{}{
					map[string]interface{}{"a": 1},
					map[string]interface{}{"b": 2},
				},
				"c": 3,
			},
			`(("a" = ? OR "b" = ?) AND "c" = ?)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, _, err := Compile(mustParse(t, tt.raw))
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if clause != tt.expected {
				t.Errorf("clause = %q, want %q", clause, tt.expected)
			}
		})
	}
}

func TestCompileSetMembership(t *testing.T) {
	q := mustParse(t, map[string]interface{}{
		"color": map[string]interface{}{"$in": []interface{}{"red", "blue"}},
	})
	clause, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != `instr(?, ',' || "color" || ',') > 0` {
		t.Errorf("clause = %q", clause)
	}
	if diff := cmp.Diff([]interface{}{",red,blue,"}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	q = mustParse(t, map[string]interface{}{
		"n": map[string]interface{}{"$nin": []interface{}{float64(1), float64(2.5)}},
	})
	clause, args, err = Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != `instr(?, ',' || "n" || ',') = 0` {
		t.Errorf("clause = %q", clause)
	}
	// integral floats serialize without a fraction to match SQLite's
	// rendering of INTEGER columns
	if diff := cmp.Diff([]interface{}{",1,2.5,"}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileNot(t *testing.T) {
	q := mustParse(t, map[string]interface{}{
		"age": map[string]interface{}{"$not": map[string]interface{}{"$gte": 21}},
	})
	clause, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if clause != `NOT ("age" >= ?)` {
		t.Errorf("clause = %q", clause)
	}
	if diff := cmp.Diff([]interface{}{21}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileArrayOperatorsUnsupported(t *testing.T) {
	for _, op := range []string{"$all", "$none"} {
		q := mustParse(t, map[string]interface{}{
			"tags": map[string]interface{}{op: []interface{}{"a"}},
		})
		_, _, err := Compile(q)
		if !errors.IsNotSupported(err) {
			t.Errorf("Compile with %s: err = %v, want NOT_SUPPORTED", op, err)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
	}{
		{"invalid field name", map[string]interface{}{"bad name": 1}},
		{"unknown operator", map[string]interface{}{"a": map[string]interface{}{"$regex": "x"}}},
		{"non-list or", map[string]interface{}{"$or": "nope"}},
		{"non-object sub-query", map[string]interface{}{"$or": []interface{}{"nope"}}},
		{"non-list in", map[string]interface{}{"a": map[string]interface{}{"$in": "x"}}},
		{"non-object not", map[string]interface{}{"a": map[string]interface{}{"$not": 5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); !errors.IsMalformed(err) {
				t.Errorf("Parse: err = %v, want MALFORMED", err)
			}
		})
	}
}
