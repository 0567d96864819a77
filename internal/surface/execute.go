package surface

import (
	"context"

	"github.com/graphql-go/graphql"

	"github.com/loomdb/loom/pkg/types"
)

// Execute runs one request document against the tenant's composed
// surface. The ExecContext's loader is made available to reference
// resolvers through the request context.
func (g *Generator) Execute(ctx context.Context, request string, variables map[string]interface{}, ec ExecContext) (*graphql.Result, error) {
	schema, err := g.Schema(ctx)
	if err != nil {
		return nil, err
	}
	result := graphql.Do(graphql.Params{
		Schema:         schema,
		RequestString:  request,
		VariableValues: variables,
		Context:        WithExecContext(ctx, ec),
	})
	if len(result.Errors) > 0 {
		g.logger.Debugf("surface: request completed with %d errors", len(result.Errors))
	}
	return result, nil
}

// StoreLoader builds a Loader over the generator's own store: the related
// type name maps back to a table, and the record is fetched by id.
func (g *Generator) StoreLoader() Loader {
	return func(ctx context.Context, typeName, id string) (types.Record, error) {
		table, err := g.store.Table(ctx, TableName(typeName))
		if err != nil {
			return nil, err
		}
		return table.One(ctx, id)
	}
}
