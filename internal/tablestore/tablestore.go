// Package tablestore defines the tenant-scoped schema registry and typed
// CRUD contracts, and implements them on SQLite. A store owns the schema
// lifecycle for one tenant namespace; a Table owns the record lifecycle
// within one schema.
package tablestore

import (
	"context"

	"github.com/loomdb/loom/internal/query"
	"github.com/loomdb/loom/pkg/types"
)

// SearchOptions parameterizes Table.Search.
type SearchOptions struct {
	// Skip is the number of matching records to pass over.
	Skip int

	// Limit caps the number of returned records; 0 means no cap.
	Limit int

	// Query filters records; nil matches everything.
	Query *query.Query

	// Sort is a list of "[+-]fieldName" tokens, whitespace or comma
	// separated.
	Sort string

	// Projection restricts returned columns; empty returns all.
	Projection []string
}

// Batch operation kinds. Unrecognized kinds are skipped, not failed.
const (
	BatchPut = "put"
	BatchDel = "del"
)

// BatchOp is one operation inside a Table.Batch call.
type BatchOp struct {
	Op    string       `json:"operation"`
	ID    string       `json:"id,omitempty"`
	Value types.Record `json:"value,omitempty"`
}

// Table is the typed CRUD engine bound to one schema.
type Table interface {
	// Schema returns the schema the table was bound to.
	Schema() types.TableSchema

	// All returns every record, optionally restricted to exact-match
	// column filters.
	All(ctx context.Context, filter map[string]interface{}) ([]types.Record, error)

	// Search returns records matching the options' query, sorted and
	// paginated.
	Search(ctx context.Context, opts SearchOptions) ([]types.Record, error)

	// One returns the record with the given id, or NOT_FOUND.
	One(ctx context.Context, id string) (types.Record, error)

	// Add inserts a new record under a generated id and returns the full
	// decoded record.
	Add(ctx context.Context, rec types.Record) (types.Record, error)

	// Put partially updates the record with the given id and returns the
	// full decoded record post-update.
	Put(ctx context.Context, id string, rec types.Record) (types.Record, error)

	// Del removes the record with the given id, or NOT_FOUND.
	Del(ctx context.Context, id string) error

	// DelMany removes the given ids; absent ids are ignored.
	DelMany(ctx context.Context, ids []string) error

	// Batch executes the operations in order as one atomic unit.
	Batch(ctx context.Context, ops []BatchOp) error
}

// Store is the tenant-scoped schema registry and migration engine.
type Store interface {
	// Init ensures the store's own catalog exists. Idempotent.
	Init(ctx context.Context) error

	// Create registers a new table, failing with CONFLICT if the name is
	// taken. Returns the accepted schema with id injected and version 0.
	Create(ctx context.Context, schema types.TableSchema) (types.TableSchema, error)

	// Define returns the current schema for a table, or NOT_FOUND.
	Define(ctx context.Context, name string) (types.TableSchema, error)

	// List returns all schemas in the namespace, optionally restricted to
	// a name prefix.
	List(ctx context.Context, prefix string) ([]types.TableSchema, error)

	// Redefine evolves a table to the new schema: create when absent,
	// no-op when structurally identical, otherwise an atomic shadow-table
	// migration that preserves shared columns and bumps the version.
	Redefine(ctx context.Context, name string, schema types.TableSchema) (types.TableSchema, error)

	// Drop removes one table and its catalog entry together.
	Drop(ctx context.Context, name string) error

	// DropMany removes several tables atomically.
	DropMany(ctx context.Context, names []string) error

	// DropPrefixed removes every table whose name has the given prefix.
	DropPrefixed(ctx context.Context, prefix string) error

	// Table binds a Table to an existing schema, or NOT_FOUND.
	Table(ctx context.Context, name string) (Table, error)

	// Close releases the store's resources.
	Close() error
}
