package flatstore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/query"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

// FlatTable implements tablestore.Table on LevelDB. Every filtered read
// is a prefix scan plus in-memory evaluation; bloom filters over indexed
// columns short-circuit equality searches that cannot match.
type FlatTable struct {
	store  *FlatStore
	schema types.TableSchema
}

var _ tablestore.Table = (*FlatTable)(nil)

func (t *FlatTable) Schema() types.TableSchema {
	return t.schema
}

func (t *FlatTable) All(ctx context.Context, filter map[string]interface{}) ([]types.Record, error) {
	for col := range filter {
		if _, ok := t.schema.Columns[col]; !ok {
			return nil, errors.Malformed(errors.CategoryQuery, "unknown filter column %q", col)
		}
	}
	q := &query.Query{}
	for _, col := range sortedFilterKeys(filter) {
		q.Fields = append(q.Fields, query.Field{
			Name:  col,
			Conds: []query.Cond{{Op: query.OpEq, Value: filter[col]}},
		})
	}
	return t.scan(ctx, q, nil, 0, 0, nil)
}

func (t *FlatTable) Search(ctx context.Context, opts tablestore.SearchOptions) ([]types.Record, error) {
	for _, col := range opts.Projection {
		if _, ok := t.schema.Columns[col]; !ok {
			return nil, errors.Malformed(errors.CategoryQuery, "unknown projection column %q", col)
		}
	}
	keys, err := query.ParseSort(opts.Sort)
	if err != nil {
		return nil, err
	}
	if opts.Query != nil && !opts.Query.Empty() {
		miss, err := t.bloomMiss(opts.Query)
		if err != nil {
			return nil, err
		}
		if miss {
			return []types.Record{}, nil
		}
	}
	return t.scan(ctx, opts.Query, keys, opts.Skip, opts.Limit, opts.Projection)
}

func (t *FlatTable) One(ctx context.Context, id string) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := t.store.db.Get(t.store.recordKey(t.schema.Name, id), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.NotFound(errors.CategoryTable, "record %q not found in %q", id, t.schema.Name)
	}
	if err != nil {
		return nil, errors.Storage("failed to read record", err)
	}
	return t.decode(data)
}

func (t *FlatTable) Add(ctx context.Context, rec types.Record) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	t.store.mu.Lock()
	err := t.write(id, rec, nil)
	t.store.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.One(ctx, id)
}

func (t *FlatTable) Put(ctx context.Context, id string, rec types.Record) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	existing, err := t.storedValue(nil, id)
	if err != nil {
		return nil, err
	}
	if err := t.write(id, rec, existing); err != nil {
		return nil, err
	}
	data, err := t.store.db.Get(t.store.recordKey(t.schema.Name, id), nil)
	if err != nil {
		return nil, errors.Storage("failed to read record", err)
	}
	return t.decode(data)
}

func (t *FlatTable) Del(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := t.store.recordKey(t.schema.Name, id)
	if _, err := t.store.db.Get(key, nil); err == leveldb.ErrNotFound {
		return errors.NotFound(errors.CategoryTable, "record %q not found in %q", id, t.schema.Name)
	} else if err != nil {
		return errors.Storage("failed to read record", err)
	}
	if err := t.store.db.Delete(key, nil); err != nil {
		return errors.Storage("failed to delete record", err)
	}
	return nil
}

func (t *FlatTable) DelMany(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(t.store.recordKey(t.schema.Name, id))
	}
	if err := t.store.db.Write(batch, nil); err != nil {
		return errors.Storage("failed to delete records", err)
	}
	return nil
}

// Batch runs the operations in order inside one LevelDB transaction, so
// later operations observe earlier ones and any failure discards the
// whole unit.
func (t *FlatTable) Batch(ctx context.Context, ops []tablestore.BatchOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.OpenTransaction()
	if err != nil {
		return errors.Storage("failed to begin batch", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()

	for _, op := range ops {
		switch op.Op {
		case tablestore.BatchPut:
			id := op.ID
			if id == "" {
				id = op.Value.ID()
			}
			if id == "" {
				id = uuid.NewString()
			}
			existing, err := t.storedValue(tx, id)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
			if err := t.writeTx(tx, id, op.Value, existing); err != nil {
				return err
			}
		case tablestore.BatchDel:
			key := t.store.recordKey(t.schema.Name, op.ID)
			if _, err := tx.Get(key, nil); err == leveldb.ErrNotFound {
				return errors.NotFound(errors.CategoryTable, "record %q not found in %q", op.ID, t.schema.Name)
			} else if err != nil {
				return errors.Storage("failed to read record", err)
			}
			if err := tx.Delete(key, nil); err != nil {
				return errors.Storage("failed to delete record", err)
			}
		default:
			// unrecognized kinds are skipped
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Storage("failed to commit batch", err)
	}
	committed = true
	return nil
}

// scan walks the table's key range, decoding and filtering in memory.
func (t *FlatTable) scan(ctx context.Context, q *query.Query, keys []query.SortKey, skip, limit int, projection []string) ([]types.Record, error) {
	iter := t.store.db.NewIterator(util.BytesPrefix(t.store.recordPrefix(t.schema.Name)), nil)
	defer iter.Release()

	records := []types.Record{}
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := t.decode(iter.Value())
		if err != nil {
			return nil, err
		}
		if q != nil && !q.Empty() {
			ok, err := query.Matches(q, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Storage("error iterating records", err)
	}

	if len(keys) > 0 {
		query.SortRecords(records, keys)
	} else {
		// key order is id order; make pagination deterministic anyway
		sort.Slice(records, func(i, j int) bool { return records[i].ID() < records[j].ID() })
	}
	if skip > 0 {
		if skip >= len(records) {
			records = records[:0]
		} else {
			records = records[skip:]
		}
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	if len(projection) > 0 {
		for i, rec := range records {
			records[i] = tablestore.Project(rec, projection)
		}
	}
	return records, nil
}

// bloomMiss reports whether the filters prove the query cannot match.
// Only a top-level conjunction of single equality conditions on
// bloom-covered columns can prove a miss.
func (t *FlatTable) bloomMiss(q *query.Query) (bool, error) {
	if len(q.Or) > 0 || len(q.And) > 0 || len(q.Nor) > 0 {
		return false, nil
	}
	t.store.mu.Lock()
	blooms, err := t.store.bloomsFor(t.schema)
	t.store.mu.Unlock()
	if err != nil {
		return false, err
	}
	for _, f := range q.Fields {
		filter, ok := blooms.cols[f.Name]
		if !ok {
			continue
		}
		for _, cond := range f.Conds {
			if cond.Op != query.OpEq || cond.Value == nil {
				continue
			}
			if !filter.Contains(bloomItem(f.Name, tablestore.EncodeValue(cond.Value))) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *FlatTable) decode(data []byte) (types.Record, error) {
	var stored map[string]interface{}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Internal("corrupt record", err)
	}
	return tablestore.DecodeRecord(t.schema, stored), nil
}

// storedValue fetches the raw stored map for a record, reading through
// the transaction when one is active.
func (t *FlatTable) storedValue(tx *leveldb.Transaction, id string) (map[string]interface{}, error) {
	key := t.store.recordKey(t.schema.Name, id)
	var data []byte
	var err error
	if tx != nil {
		data, err = tx.Get(key, nil)
	} else {
		data, err = t.store.db.Get(key, nil)
	}
	if err == leveldb.ErrNotFound {
		return nil, errors.NotFound(errors.CategoryTable, "record %q not found in %q", id, t.schema.Name)
	}
	if err != nil {
		return nil, errors.Storage("failed to read record", err)
	}
	var stored map[string]interface{}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Internal("corrupt record", err)
	}
	return stored, nil
}

// write merges the declared columns of rec over existing (nil for a
// fresh insert) and persists the result. Caller holds the store mutex.
func (t *FlatTable) write(id string, rec types.Record, existing map[string]interface{}) error {
	data, err := t.merged(id, rec, existing)
	if err != nil {
		return err
	}
	if err := t.store.db.Put(t.store.recordKey(t.schema.Name, id), data, nil); err != nil {
		return errors.Storage("failed to write record", err)
	}
	return nil
}

func (t *FlatTable) writeTx(tx *leveldb.Transaction, id string, rec types.Record, existing map[string]interface{}) error {
	data, err := t.merged(id, rec, existing)
	if err != nil {
		return err
	}
	if err := tx.Put(t.store.recordKey(t.schema.Name, id), data, nil); err != nil {
		return errors.Storage("failed to write record", err)
	}
	return nil
}

// merged builds the stored map: declared columns only, values encoded
// for storage, merged over any existing value (schema-on-write).
func (t *FlatTable) merged(id string, rec types.Record, existing map[string]interface{}) ([]byte, error) {
	stored := make(map[string]interface{}, len(t.schema.Columns))
	for col, v := range existing {
		if _, ok := t.schema.Columns[col]; ok {
			stored[col] = v
		}
	}
	for col, v := range rec {
		if col == types.IDColumn {
			continue
		}
		if _, ok := t.schema.Columns[col]; !ok {
			continue
		}
		stored[col] = tablestore.EncodeValue(v)
	}
	stored[types.IDColumn] = id

	if b, ok := t.store.blooms[t.schema.Name]; ok {
		b.observe(stored)
	}
	return json.Marshal(stored)
}

func sortedFilterKeys(filter map[string]interface{}) []string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
