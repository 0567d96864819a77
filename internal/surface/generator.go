// Package surface generates a typed query/mutation document from the
// tables a tenant has declared: per-table object, input and batch types,
// CRUD operations wired to the table store, and reference fields resolved
// through a caller-supplied loader. The reverse direction, declaring
// tables from externally authored type text, lives in declare.go.
package surface

import (
	"context"
	"encoding/json"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/graphql-go/graphql"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/internal/query"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

// Loader resolves a reference field: given the related type's name and a
// stored id, it returns the related record. It is owned by the layer that
// holds the whole tenant catalog.
type Loader func(ctx context.Context, typeName, id string) (types.Record, error)

// ExecContext carries per-execution state into resolvers.
type ExecContext struct {
	// Identity is the authenticated caller, informational only.
	Identity string

	// Loader resolves cross-table references.
	Loader Loader
}

type execContextKey struct{}

// WithExecContext attaches an ExecContext to ctx for resolvers.
func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

func execContext(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(ExecContext)
	return ec, ok
}

// Generator builds and caches the surface schema for one tenant's store.
type Generator struct {
	store  tablestore.Store
	logger logging.Logger

	mu     sync.Mutex
	schema *graphql.Schema
}

func NewGenerator(store tablestore.Store, logger logging.Logger) *Generator {
	return &Generator{store: store, logger: logger}
}

// Invalidate discards the cached schema so the next execution rebuilds it
// from the current catalog. Call after any schema registration change.
func (g *Generator) Invalidate() {
	g.mu.Lock()
	g.schema = nil
	g.mu.Unlock()
}

// Schema returns the composed root document for the tenant's current
// catalog, building it on first use.
func (g *Generator) Schema(ctx context.Context) (graphql.Schema, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.schema != nil {
		return *g.schema, nil
	}
	schemas, err := g.store.List(ctx, "")
	if err != nil {
		return graphql.Schema{}, err
	}
	built, err := g.build(schemas)
	if err != nil {
		return graphql.Schema{}, err
	}
	g.schema = &built
	return built, nil
}

// build composes every table's fragment into one schema with a Query,
// Mutation and Subscription root.
func (g *Generator) build(schemas []types.TableSchema) (graphql.Schema, error) {
	objects := make(map[string]*graphql.Object, len(schemas))
	tables := make(map[string]types.TableSchema, len(schemas))
	for _, schema := range schemas {
		tables[TypeName(schema.Name)] = schema
	}

	// First pass declares every object so reference fields can close over
	// the full map; field thunks run after registration completes.
	for _, schema := range schemas {
		objects[TypeName(schema.Name)] = g.objectType(schema, objects)
	}

	queryFields := graphql.Fields{}
	mutationFields := graphql.Fields{}
	subscriptionFields := graphql.Fields{}
	for _, schema := range schemas {
		g.tableOperations(schema, objects, queryFields, mutationFields, subscriptionFields)
	}
	if len(queryFields) == 0 {
		// an executable schema needs at least one query field
		queryFields["_tables"] = &graphql.Field{
			Type: graphql.NewList(graphql.NewNonNull(graphql.String)),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return []string{}, nil
			},
		}
	}

	config := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queryFields}),
	}
	if len(mutationFields) > 0 {
		config.Mutation = graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutationFields})
	}
	if len(subscriptionFields) > 0 {
		config.Subscription = graphql.NewObject(graphql.ObjectConfig{Name: "Subscription", Fields: subscriptionFields})
	}
	schema, err := graphql.NewSchema(config)
	if err != nil {
		return graphql.Schema{}, errors.Wrap(errors.CategorySurface, errors.CodeUnexpected, "failed to compose surface schema", err)
	}
	return schema, nil
}

// objectType derives the output type for one table. Reference columns get
// both a relation field and a raw <field>ID identifier field.
func (g *Generator) objectType(schema types.TableSchema, objects map[string]*graphql.Object) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: TypeName(schema.Name),
		Fields: (graphql.FieldsThunk)(func() graphql.Fields {
			fields := graphql.Fields{}
			for _, name := range schema.ColumnNames() {
				col := schema.Columns[name]
				if !col.Reference() {
					fields[name] = &graphql.Field{
						Type:    outputType(col),
						Resolve: columnResolver(name),
					}
					continue
				}
				related := types.BaseAnnotation(col.Meta)
				target, known := objects[TypeName(related)]
				fields[name+"ID"] = &graphql.Field{
					Type:    graphql.ID,
					Resolve: columnResolver(name),
				}
				if !known {
					// forward-declared stub with no registered table;
					// only the raw identifier is addressable
					continue
				}
				if types.ListAnnotation(col.Meta) {
					fields[name] = &graphql.Field{
						Type:    graphql.NewList(target),
						Resolve: referenceListResolver(name, TypeName(related)),
					}
				} else {
					fields[name] = &graphql.Field{
						Type:    target,
						Resolve: referenceResolver(name, TypeName(related)),
					}
				}
			}
			return fields
		}),
	})
}

// inputType mirrors the object type minus id, references as raw ids.
func (g *Generator) inputType(schema types.TableSchema) *graphql.InputObject {
	fields := graphql.InputObjectConfigFieldMap{}
	for _, name := range schema.ColumnNames() {
		if name == types.IDColumn {
			continue
		}
		col := schema.Columns[name]
		if col.Reference() {
			if types.ListAnnotation(col.Meta) {
				fields[name] = &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.ID))}
			} else {
				fields[name] = &graphql.InputObjectFieldConfig{Type: graphql.ID}
			}
			continue
		}
		fields[name] = &graphql.InputObjectFieldConfig{Type: inputScalar(col)}
	}
	return graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   TypeName(schema.Name) + "Input",
		Fields: fields,
	})
}

// tableOperations adds one table's query, mutation and subscription
// fields to the roots.
func (g *Generator) tableOperations(schema types.TableSchema, objects map[string]*graphql.Object, queryFields, mutationFields, subscriptionFields graphql.Fields) {
	typeName := TypeName(schema.Name)
	object := objects[typeName]
	input := g.inputType(schema)
	batchInput := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: typeName + "BatchInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"operation": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(OperationEnum)},
			"id":        &graphql.InputObjectFieldConfig{Type: graphql.ID},
			"value":     &graphql.InputObjectFieldConfig{Type: input},
		},
	})
	batchResult := graphql.NewObject(graphql.ObjectConfig{
		Name: typeName + "BatchResult",
		Fields: graphql.Fields{
			"operation": &graphql.Field{Type: graphql.NewNonNull(OperationEnum)},
			"id":        &graphql.Field{Type: graphql.ID},
			"value":     &graphql.Field{Type: JSONScalar},
		},
	})

	tableName := schema.Name
	singular := lowerFirst(typeName)

	queryFields[singular] = &graphql.Field{
		Type: object,
		Args: graphql.FieldConfigArgument{
			"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			return table.One(p.Context, argString(p.Args, "id"))
		},
	}
	queryFields[singular+"s"] = &graphql.Field{
		Type: graphql.NewList(object),
		Args: graphql.FieldConfigArgument{
			"filter": &graphql.ArgumentConfig{Type: JSONScalar},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			filter, _ := p.Args["filter"].(map[string]interface{})
			return table.All(p.Context, filter)
		},
	}
	queryFields["search"+typeName+"s"] = &graphql.Field{
		Type: graphql.NewList(object),
		Args: graphql.FieldConfigArgument{
			"options": &graphql.ArgumentConfig{Type: graphql.NewNonNull(SearchOptionsInput)},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			opts, err := searchOptions(p.Args["options"])
			if err != nil {
				return nil, err
			}
			return table.Search(p.Context, opts)
		},
	}

	mutationFields["add"+typeName] = &graphql.Field{
		Type: object,
		Args: graphql.FieldConfigArgument{
			"value": &graphql.ArgumentConfig{Type: graphql.NewNonNull(input)},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			return table.Add(p.Context, recordArg(p.Args["value"]))
		},
	}
	mutationFields["put"+typeName] = &graphql.Field{
		Type: object,
		Args: graphql.FieldConfigArgument{
			"id":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
			"value": &graphql.ArgumentConfig{Type: graphql.NewNonNull(input)},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			return table.Put(p.Context, argString(p.Args, "id"), recordArg(p.Args["value"]))
		},
	}
	mutationFields["del"+typeName] = &graphql.Field{
		Type: VoidScalar,
		Args: graphql.FieldConfigArgument{
			"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			return nil, table.Del(p.Context, argString(p.Args, "id"))
		},
	}
	mutationFields["batch"+typeName] = &graphql.Field{
		Type: graphql.NewList(batchResult),
		Args: graphql.FieldConfigArgument{
			"operations": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(batchInput)))},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			table, err := g.store.Table(p.Context, tableName)
			if err != nil {
				return nil, err
			}
			ops, echo := batchOps(p.Args["operations"])
			if err := table.Batch(p.Context, ops); err != nil {
				return nil, err
			}
			return echo, nil
		},
	}

	subscriptionFields[singular+"Changed"] = &graphql.Field{
		Type: object,
		Args: graphql.FieldConfigArgument{
			"id":        &graphql.ArgumentConfig{Type: graphql.ID},
			"operation": &graphql.ArgumentConfig{Type: OperationEnum},
		},
		// declared for surface completeness; no live event transport
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			return nil, nil
		},
	}
}

func columnResolver(name string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, ok := p.Source.(types.Record)
		if !ok {
			return nil, nil
		}
		return rec[name], nil
	}
}

func referenceResolver(name, relatedType string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, ok := p.Source.(types.Record)
		if !ok {
			return nil, nil
		}
		id, _ := rec[name].(string)
		if id == "" {
			return nil, nil
		}
		ec, ok := execContext(p.Context)
		if !ok || ec.Loader == nil {
			return nil, errors.New(errors.CategorySurface, errors.CodeMalformed, "no loader supplied for reference resolution")
		}
		return ec.Loader(p.Context, relatedType, id)
	}
}

func referenceListResolver(name, relatedType string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, ok := p.Source.(types.Record)
		if !ok {
			return nil, nil
		}
		ids := idList(rec[name])
		if len(ids) == 0 {
			return []types.Record{}, nil
		}
		ec, ok := execContext(p.Context)
		if !ok || ec.Loader == nil {
			return nil, errors.New(errors.CategorySurface, errors.CodeMalformed, "no loader supplied for reference resolution")
		}
		related := make([]types.Record, 0, len(ids))
		for _, id := range ids {
			rec, err := ec.Loader(p.Context, relatedType, id)
			if err != nil {
				return nil, err
			}
			related = append(related, rec)
		}
		return related, nil
	}
}

// idList accepts either a decoded list or a stored JSON array of ids.
func idList(v interface{}) []string {
	var raw []interface{}
	switch t := v.(type) {
	case []interface{}:
		raw = t
	case []string:
		return t
	case string:
		if err := json.Unmarshal([]byte(t), &raw); err != nil {
			return nil
		}
	default:
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

func outputType(col types.ColumnDef) graphql.Output {
	var t graphql.Output
	switch col.Type {
	case types.TypeBoolean:
		t = graphql.Boolean
	case types.TypeInt:
		t = graphql.Int
	case types.TypeFloat:
		t = graphql.Float
	case types.TypeID:
		t = graphql.ID
	case types.TypeDate:
		t = DateScalar
	case types.TypeJSON:
		t = JSONScalar
	default:
		t = graphql.String
	}
	if !col.Nullable {
		t = graphql.NewNonNull(t)
	}
	return t
}

func inputScalar(col types.ColumnDef) graphql.Input {
	switch col.Type {
	case types.TypeBoolean:
		return graphql.Boolean
	case types.TypeInt:
		return graphql.Int
	case types.TypeFloat:
		return graphql.Float
	case types.TypeID:
		return graphql.ID
	case types.TypeDate:
		return DateScalar
	case types.TypeJSON:
		return JSONScalar
	default:
		return graphql.String
	}
}

// searchOptions converts the SearchOptions input value into the table
// search call, parsing the embedded query tree.
func searchOptions(arg interface{}) (tablestore.SearchOptions, error) {
	opts := tablestore.SearchOptions{}
	m, ok := arg.(map[string]interface{})
	if !ok {
		return opts, nil
	}
	if skip, ok := m["skip"].(int); ok {
		opts.Skip = skip
	}
	if limit, ok := m["limit"].(int); ok {
		opts.Limit = limit
	}
	if sortSpec, ok := m["sort"].(string); ok {
		opts.Sort = sortSpec
	}
	if proj, ok := m["projection"].([]interface{}); ok {
		for _, p := range proj {
			if s, ok := p.(string); ok {
				opts.Projection = append(opts.Projection, s)
			}
		}
	}
	if raw, ok := m["query"].(map[string]interface{}); ok {
		q, err := query.Parse(raw)
		if err != nil {
			return opts, err
		}
		opts.Query = q
	}
	return opts, nil
}

// batchOps converts the batch argument list and prepares the echoed
// result triples returned on success.
func batchOps(arg interface{}) ([]tablestore.BatchOp, []map[string]interface{}) {
	list, ok := arg.([]interface{})
	if !ok {
		return nil, nil
	}
	ops := make([]tablestore.BatchOp, 0, len(list))
	echo := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		op := tablestore.BatchOp{}
		op.Op, _ = m["operation"].(string)
		op.ID, _ = m["id"].(string)
		if value, ok := m["value"].(map[string]interface{}); ok {
			op.Value = types.Record(value)
		}
		ops = append(ops, op)
		echo = append(echo, map[string]interface{}{
			"operation": op.Op,
			"id":        op.ID,
			"value":     map[string]interface{}(op.Value),
		})
	}
	return ops, echo
}

func recordArg(arg interface{}) types.Record {
	m, ok := arg.(map[string]interface{})
	if !ok {
		return types.Record{}
	}
	return types.Record(m)
}

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// TypeName derives the surface type name from a table name.
func TypeName(table string) string {
	return upperFirst(table)
}

// TableName is the inverse of TypeName.
func TableName(typeName string) string {
	return lowerFirst(typeName)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
