// Package flatstore implements the Store and Table contracts on a flat
// key-value backend (LevelDB). Schemas live under a reserved catalog key
// prefix in the same database; records are JSON values keyed by
// namespace/table/id. Queries are evaluated in memory by the query
// package's interpreter.
package flatstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/loomdb/loom/internal/bloom"
	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

// flatSeparator joins namespace parts in key prefixes. Identifiers can
// never contain it, so prefixes are unambiguous.
const flatSeparator = "/"

// OpenDatabase opens the LevelDB database backing one or more flat
// stores. An empty path opens an in-memory database.
func OpenDatabase(path string) (*leveldb.DB, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(ldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Storage("failed to open leveldb", err)
	}
	return db, nil
}

// FlatStore implements tablestore.Store on LevelDB.
type FlatStore struct {
	db     *leveldb.DB
	ns     tablestore.Namespace
	logger logging.Logger

	mu     sync.Mutex
	blooms map[string]*columnBlooms
}

var _ tablestore.Store = (*FlatStore)(nil)

// NewFlatStore creates a store for one tenant namespace over an open
// database, which may be shared with other tenants' stores.
func NewFlatStore(db *leveldb.DB, prefix, tenant string, logger logging.Logger) (*FlatStore, error) {
	ns := tablestore.Namespace{Prefix: prefix, Tenant: tenant, Separator: flatSeparator}
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	return &FlatStore{db: db, ns: ns, logger: logger, blooms: make(map[string]*columnBlooms)}, nil
}

// Init is idempotent; a key-value catalog needs no setup.
func (s *FlatStore) Init(ctx context.Context) error {
	return ctx.Err()
}

func (s *FlatStore) catalogKey(name string) []byte {
	return []byte(s.ns.Catalog() + flatSeparator + name)
}

func (s *FlatStore) recordKey(table, id string) []byte {
	return []byte(s.ns.Physical(table) + flatSeparator + id)
}

func (s *FlatStore) recordPrefix(table string) []byte {
	return []byte(s.ns.Physical(table) + flatSeparator)
}

// Create registers a new table schema.
func (s *FlatStore) Create(ctx context.Context, schema types.TableSchema) (types.TableSchema, error) {
	if err := ctx.Err(); err != nil {
		return types.TableSchema{}, err
	}
	schema = schema.Clone()
	schema.EnsureID()
	schema.Version = 0
	if err := schema.Validate(); err != nil {
		return types.TableSchema{}, errors.Wrap(errors.CategorySchema, errors.CodeMalformed, "invalid schema", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(schema)
}

func (s *FlatStore) createLocked(schema types.TableSchema) (types.TableSchema, error) {
	if _, err := s.db.Get(s.catalogKey(schema.Name), nil); err == nil {
		return types.TableSchema{}, errors.Conflict(errors.CategorySchema, "table %q already exists", schema.Name)
	} else if err != leveldb.ErrNotFound {
		return types.TableSchema{}, errors.Storage("failed to probe catalog", err)
	}

	if err := s.putSchema(schema); err != nil {
		return types.TableSchema{}, err
	}
	return schema, nil
}

// Define returns the current schema for a table.
func (s *FlatStore) Define(ctx context.Context, name string) (types.TableSchema, error) {
	if err := ctx.Err(); err != nil {
		return types.TableSchema{}, err
	}
	data, err := s.db.Get(s.catalogKey(name), nil)
	if err == leveldb.ErrNotFound {
		return types.TableSchema{}, errors.NotFound(errors.CategorySchema, "table %q is not defined", name)
	}
	if err != nil {
		return types.TableSchema{}, errors.Storage("failed to read catalog", err)
	}
	var schema types.TableSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return types.TableSchema{}, errors.Internal("corrupt catalog entry", err)
	}
	return schema, nil
}

// List returns all schemas, optionally prefix-restricted.
func (s *FlatStore) List(ctx context.Context, prefix string) ([]types.TableSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(s.ns.Catalog()+flatSeparator+prefix)), nil)
	defer iter.Release()

	var schemas []types.TableSchema
	for iter.Next() {
		var schema types.TableSchema
		if err := json.Unmarshal(iter.Value(), &schema); err != nil {
			return nil, errors.Internal("corrupt catalog entry", err)
		}
		schemas = append(schemas, schema)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Storage("error iterating catalog", err)
	}
	return schemas, nil
}

// Redefine evolves a table: create when absent, no-op when structurally
// identical, otherwise an atomic re-encode of every record under the new
// column set.
func (s *FlatStore) Redefine(ctx context.Context, name string, schema types.TableSchema) (types.TableSchema, error) {
	next := schema.Clone()
	next.Name = name
	next.EnsureID()
	if err := next.Validate(); err != nil {
		return types.TableSchema{}, errors.Wrap(errors.CategorySchema, errors.CodeMalformed, "invalid schema", err)
	}

	// The catalog read must happen under the same lock as the migration,
	// otherwise two racing redefinitions could both observe version N.
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Define(ctx, name)
	if errors.IsNotFound(err) {
		next.Version = 0
		return s.createLocked(next)
	}
	if err != nil {
		return types.TableSchema{}, err
	}
	if current.EqualStructure(next) {
		return current, nil
	}
	next.Version = current.Version + 1

	shared := make(map[string]bool)
	for colName := range current.Columns {
		if _, ok := next.Columns[colName]; ok {
			shared[colName] = true
		}
	}
	if len(shared) == 0 {
		s.logger.Warningf("flatstore: redefining %q shares no columns with the current schema; migrated table starts empty", name)
	}

	tx, err := s.db.OpenTransaction()
	if err != nil {
		return types.TableSchema{}, errors.Storage("failed to begin migration", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()

	iter := tx.NewIterator(util.BytesPrefix(s.recordPrefix(name)), nil)
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		if len(shared) == 0 {
			if err := tx.Delete(key, nil); err != nil {
				iter.Release()
				return types.TableSchema{}, errors.Storage("failed to clear record", err)
			}
			continue
		}
		var stored map[string]interface{}
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			iter.Release()
			return types.TableSchema{}, errors.Internal("corrupt record", err)
		}
		migrated := make(map[string]interface{}, len(shared))
		for colName := range shared {
			if v, ok := stored[colName]; ok {
				migrated[colName] = v
			}
		}
		data, err := json.Marshal(migrated)
		if err != nil {
			iter.Release()
			return types.TableSchema{}, errors.Internal("failed to encode record", err)
		}
		if err := tx.Put(key, data, nil); err != nil {
			iter.Release()
			return types.TableSchema{}, errors.Storage("failed to migrate record", err)
		}
	}
	if err := iter.Error(); err != nil {
		iter.Release()
		return types.TableSchema{}, errors.Storage("error iterating records", err)
	}
	iter.Release()

	data, err := json.Marshal(next)
	if err != nil {
		return types.TableSchema{}, errors.Internal("failed to marshal schema", err)
	}
	if err := tx.Put(s.catalogKey(name), data, nil); err != nil {
		return types.TableSchema{}, errors.Storage("failed to update catalog", err)
	}
	if err := tx.Commit(); err != nil {
		return types.TableSchema{}, errors.Storage("failed to commit migration", err)
	}
	committed = true
	delete(s.blooms, name)
	return next, nil
}

// Drop removes one table: catalog entry and records together.
func (s *FlatStore) Drop(ctx context.Context, name string) error {
	return s.DropMany(ctx, []string{name})
}

// DropMany removes several tables atomically.
func (s *FlatStore) DropMany(ctx context.Context, names []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, name := range names {
		if _, err := s.db.Get(s.catalogKey(name), nil); err == leveldb.ErrNotFound {
			return errors.NotFound(errors.CategorySchema, "table %q is not defined", name)
		} else if err != nil {
			return errors.Storage("failed to probe catalog", err)
		}
		batch.Delete(s.catalogKey(name))
		iter := s.db.NewIterator(util.BytesPrefix(s.recordPrefix(name)), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		err := iter.Error()
		iter.Release()
		if err != nil {
			return errors.Storage("error iterating records", err)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Storage("failed to drop tables", err)
	}
	for _, name := range names {
		delete(s.blooms, name)
	}
	return nil
}

// DropPrefixed removes every table whose name has the given prefix.
func (s *FlatStore) DropPrefixed(ctx context.Context, prefix string) error {
	schemas, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		if strings.HasPrefix(schema.Name, prefix) {
			names = append(names, schema.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return s.DropMany(ctx, names)
}

// Table binds a Table instance to an existing schema.
func (s *FlatStore) Table(ctx context.Context, name string) (tablestore.Table, error) {
	schema, err := s.Define(ctx, name)
	if err != nil {
		return nil, err
	}
	return &FlatTable{store: s, schema: schema}, nil
}

// Close is a no-op: the database handle is owned by the caller.
func (s *FlatStore) Close() error {
	return nil
}

func (s *FlatStore) putSchema(schema types.TableSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return errors.Internal("failed to marshal schema", err)
	}
	if err := s.db.Put(s.catalogKey(schema.Name), data, nil); err != nil {
		return errors.Storage("failed to write catalog", err)
	}
	return nil
}

// columnBlooms holds the per-column filters for one table, built over the
// values of single-field indexed columns. A definite miss on an equality
// search answers it without a scan; false positives only cost the scan
// that would have happened anyway.
type columnBlooms struct {
	cols map[string]*bloom.Filter
}

const (
	bloomExpectedItems = 4096
	bloomFalsePositive = 0.01
)

// bloomsFor returns the table's filters, building them with one scan on
// first use. Caller must hold s.mu.
func (s *FlatStore) bloomsFor(schema types.TableSchema) (*columnBlooms, error) {
	if b, ok := s.blooms[schema.Name]; ok {
		return b, nil
	}
	b := &columnBlooms{cols: make(map[string]*bloom.Filter)}
	for _, idx := range schema.Indexes {
		if len(idx.Fields) == 1 && idx.Fields[0] != types.IDColumn {
			b.cols[idx.Fields[0]] = bloom.New(bloomExpectedItems, bloomFalsePositive)
		}
	}
	if len(b.cols) == 0 {
		s.blooms[schema.Name] = b
		return b, nil
	}

	iter := s.db.NewIterator(util.BytesPrefix(s.recordPrefix(schema.Name)), nil)
	defer iter.Release()
	for iter.Next() {
		var stored map[string]interface{}
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			continue
		}
		b.observe(stored)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Storage("error building bloom filters", err)
	}
	s.blooms[schema.Name] = b
	return b, nil
}

func (b *columnBlooms) observe(stored map[string]interface{}) {
	for col, filter := range b.cols {
		if v, ok := stored[col]; ok && v != nil {
			filter.Add(bloomItem(col, v))
		}
	}
}

func bloomItem(col string, v interface{}) []byte {
	data, _ := json.Marshal(v)
	return []byte(col + "=" + string(data))
}
