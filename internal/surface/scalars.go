package surface

import (
	"strconv"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// DateScalar carries date columns across the surface as RFC 3339 strings,
// accepting epoch milliseconds on the way in as well.
var DateScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "Date",
	Description: "An instant in time, serialized as an RFC 3339 string.",
	Serialize: func(value interface{}) interface{} {
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339)
		case *time.Time:
			if v == nil {
				return nil
			}
			return v.UTC().Format(time.RFC3339)
		default:
			return v
		}
	},
	ParseValue:   parseDateValue,
	ParseLiteral: func(valueAST ast.Value) interface{} { return parseDateValue(literalValue(valueAST)) },
})

func parseDateValue(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return nil
	case int:
		return time.UnixMilli(int64(v)).UTC()
	case int64:
		return time.UnixMilli(v).UTC()
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	default:
		return nil
	}
}

// JSONScalar passes arbitrary structured values through unchanged.
var JSONScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "JSON",
	Description:  "An arbitrary JSON value.",
	Serialize:    func(value interface{}) interface{} { return value },
	ParseValue:   func(value interface{}) interface{} { return value },
	ParseLiteral: literalValue,
})

// VoidScalar is the result type of operations that return nothing.
var VoidScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "Void",
	Description:  "Always null.",
	Serialize:    func(value interface{}) interface{} { return nil },
	ParseValue:   func(value interface{}) interface{} { return nil },
	ParseLiteral: func(valueAST ast.Value) interface{} { return nil },
})

// OperationEnum names the batch operation kinds.
var OperationEnum = graphql.NewEnum(graphql.EnumConfig{
	Name: "Operation",
	Values: graphql.EnumValueConfigMap{
		"PUT": &graphql.EnumValueConfig{Value: "put"},
		"DEL": &graphql.EnumValueConfig{Value: "del"},
	},
})

// SearchOptionsInput mirrors the table search parameters.
var SearchOptionsInput = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "SearchOptions",
	Fields: graphql.InputObjectConfigFieldMap{
		"skip":       &graphql.InputObjectFieldConfig{Type: graphql.Int},
		"limit":      &graphql.InputObjectFieldConfig{Type: graphql.Int},
		"query":      &graphql.InputObjectFieldConfig{Type: JSONScalar},
		"sort":       &graphql.InputObjectFieldConfig{Type: graphql.String},
		"projection": &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
	},
})

// literalValue converts a parsed literal into its plain Go value.
func literalValue(valueAST ast.Value) interface{} {
	switch v := valueAST.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.IntValue:
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil
		}
		return f
	case *ast.EnumValue:
		return v.Value
	case *ast.ListValue:
		list := make([]interface{}, 0, len(v.Values))
		for _, item := range v.Values {
			list = append(list, literalValue(item))
		}
		return list
	case *ast.ObjectValue:
		obj := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			obj[f.Name.Value] = literalValue(f.Value)
		}
		return obj
	default:
		return nil
	}
}
