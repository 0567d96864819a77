package surface

import (
	"context"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/pkg/types"
)

// DeclareTypes reflects an externally authored type declaration into table
// schemas. Each object type in the text becomes one schema; fields whose
// type names a core scalar become columns of that type, anything else
// becomes an ID-typed reference column. Names listed in stubs may be
// referenced without being declared and produce no schema of their own.
func DeclareTypes(text string, stubs []string) ([]types.TableSchema, error) {
	doc, err := parser.Parse(parser.ParseParams{Source: text})
	if err != nil {
		return nil, errors.Wrap(errors.CategorySurface, errors.CodeMalformed, "invalid type declaration", err)
	}

	stubbed := make(map[string]bool, len(stubs))
	for _, s := range stubs {
		stubbed[s] = true
	}

	var schemas []types.TableSchema
	for _, def := range doc.Definitions {
		obj, ok := def.(*ast.ObjectDefinition)
		if !ok {
			return nil, errors.Malformed(errors.CategorySurface, "type declaration may only contain object types")
		}
		if stubbed[obj.Name.Value] {
			continue
		}
		schema, err := schemaFromObject(obj)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	if len(schemas) == 0 {
		return nil, errors.Malformed(errors.CategorySurface, "type declaration defines no types")
	}
	return schemas, nil
}

func schemaFromObject(obj *ast.ObjectDefinition) (types.TableSchema, error) {
	schema := types.TableSchema{
		Name:    TableName(obj.Name.Value),
		Columns: make(map[string]types.ColumnDef, len(obj.Fields)),
	}
	for _, field := range obj.Fields {
		name := field.Name.Value
		if name == types.IDColumn {
			continue
		}
		annotation, err := annotationFromType(field.Type)
		if err != nil {
			return types.TableSchema{}, err
		}
		schema.Columns[name] = types.ColumnFromAnnotation(annotation)
	}
	schema.EnsureID()
	if err := schema.Validate(); err != nil {
		return types.TableSchema{}, errors.Wrap(errors.CategorySurface, errors.CodeMalformed, "invalid type declaration", err)
	}
	return schema, nil
}

// annotationFromType renders an AST type reference back into the compact
// annotation form stored in column metadata ("[Post!]!").
func annotationFromType(t ast.Type) (string, error) {
	switch node := t.(type) {
	case *ast.Named:
		return node.Name.Value, nil
	case *ast.NonNull:
		inner, err := annotationFromType(node.Type)
		if err != nil {
			return "", err
		}
		return inner + "!", nil
	case *ast.List:
		inner, err := annotationFromType(node.Type)
		if err != nil {
			return "", err
		}
		return "[" + inner + "]", nil
	default:
		return "", errors.Malformed(errors.CategorySurface, "unsupported field type in declaration")
	}
}

// RegisterTypes declares the types and applies each resulting schema to
// the store via Redefine, then invalidates the cached surface schema.
func (g *Generator) RegisterTypes(ctx context.Context, text string, stubs []string) ([]types.TableSchema, error) {
	schemas, err := DeclareTypes(text, stubs)
	if err != nil {
		return nil, err
	}
	applied := make([]types.TableSchema, 0, len(schemas))
	for _, schema := range schemas {
		result, err := g.store.Redefine(ctx, schema.Name, schema)
		if err != nil {
			return nil, err
		}
		applied = append(applied, result)
	}
	g.Invalidate()
	return applied, nil
}
