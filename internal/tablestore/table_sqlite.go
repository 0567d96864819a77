package tablestore

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/query"
	"github.com/loomdb/loom/pkg/types"
)

// SQLTable implements Table against the relational backend. Queries are
// compiled to parameterized predicates; sorting and pagination run in the
// engine via ORDER BY/LIMIT/OFFSET.
type SQLTable struct {
	store  *SQLStore
	schema types.TableSchema
	phys   string
}

var _ Table = (*SQLTable)(nil)

// execer abstracts *sql.DB and *sql.Tx so CRUD helpers run standalone or
// inside a batch transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (t *SQLTable) Schema() types.TableSchema {
	return t.schema
}

// All returns every record, optionally restricted to exact-match filters.
func (t *SQLTable) All(ctx context.Context, filter map[string]interface{}) ([]types.Record, error) {
	q := `SELECT ` + quoteAll(t.schema.ColumnNames()) + ` FROM ` + quote(t.phys)
	var args []interface{}

	if len(filter) > 0 {
		keys := make([]string, 0, len(filter))
		for key := range filter {
			if _, ok := t.schema.Columns[key]; !ok {
				return nil, errors.Malformed(errors.CategoryTable, "filter column %q is not in the schema", key)
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)

		clauses := make([]string, 0, len(keys))
		for _, key := range keys {
			if filter[key] == nil {
				clauses = append(clauses, quote(key)+` IS NULL`)
				continue
			}
			clauses = append(clauses, quote(key)+` = ?`)
			args = append(args, EncodeValue(filter[key]))
		}
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}

	return t.queryRecords(ctx, t.store.db, q, args, t.schema.ColumnNames())
}

// Search returns query-filtered, sorted, paginated records.
func (t *SQLTable) Search(ctx context.Context, opts SearchOptions) ([]types.Record, error) {
	columns := t.schema.ColumnNames()
	if len(opts.Projection) > 0 {
		for _, name := range opts.Projection {
			if _, ok := t.schema.Columns[name]; !ok {
				return nil, errors.Malformed(errors.CategoryTable, "projection column %q is not in the schema", name)
			}
		}
		columns = opts.Projection
	}

	q := `SELECT ` + quoteAll(columns) + ` FROM ` + quote(t.phys)
	var args []interface{}

	predicate, predicateArgs, err := query.Compile(opts.Query)
	if err != nil {
		return nil, err
	}
	if predicate != "" {
		q += ` WHERE ` + predicate
		args = append(args, predicateArgs...)
	}

	if opts.Sort != "" {
		keys, err := query.ParseSort(opts.Sort)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			q += ` ORDER BY ` + query.OrderBySQL(keys)
		}
	}

	switch {
	case opts.Limit > 0:
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Skip > 0 {
			q += ` OFFSET ?`
			args = append(args, opts.Skip)
		}
	case opts.Skip > 0:
		// SQLite requires a LIMIT clause before OFFSET; -1 means uncapped.
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Skip)
	}

	return t.queryRecords(ctx, t.store.db, q, args, columns)
}

// One returns the record with the given id.
func (t *SQLTable) One(ctx context.Context, id string) (types.Record, error) {
	return t.one(ctx, t.store.db, id)
}

// Add inserts a new record under a generated id.
func (t *SQLTable) Add(ctx context.Context, rec types.Record) (types.Record, error) {
	id := uuid.NewString()
	if err := t.insert(ctx, t.store.db, id, rec); err != nil {
		return nil, err
	}
	return t.one(ctx, t.store.db, id)
}

// Put partially updates an existing record.
func (t *SQLTable) Put(ctx context.Context, id string, rec types.Record) (types.Record, error) {
	if err := t.update(ctx, t.store.db, id, rec); err != nil {
		return nil, err
	}
	return t.one(ctx, t.store.db, id)
}

// Del removes the record with the given id.
func (t *SQLTable) Del(ctx context.Context, id string) error {
	return t.del(ctx, t.store.db, id)
}

// DelMany removes the given ids, ignoring absent ones.
func (t *SQLTable) DelMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := t.store.db.ExecContext(ctx,
		`DELETE FROM `+quote(t.phys)+` WHERE `+quote(types.IDColumn)+` IN (`+placeholders+`)`, args...)
	if err != nil {
		return errors.Storage("failed to delete records", err)
	}
	return nil
}

// Batch executes the operations in caller order inside one transaction.
// Operations of an unrecognized kind are skipped; any failing put or del
// rolls the whole batch back.
func (t *SQLTable) Batch(ctx context.Context, ops []BatchOp) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage("failed to begin batch", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Op {
		case BatchPut:
			if err := t.upsert(ctx, tx, op.ID, op.Value); err != nil {
				return err
			}
		case BatchDel:
			if err := t.del(ctx, tx, op.ID); err != nil {
				return err
			}
		default:
			// Unknown kinds are skipped, not failed.
		}
	}
	return tx.Commit()
}

func (t *SQLTable) one(ctx context.Context, db execer, id string) (types.Record, error) {
	columns := t.schema.ColumnNames()
	records, err := t.queryRecords(ctx, db,
		`SELECT `+quoteAll(columns)+` FROM `+quote(t.phys)+` WHERE `+quote(types.IDColumn)+` = ?`,
		[]interface{}{id}, columns)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, errors.NotFound(errors.CategoryTable, "record %q not found in %q", id, t.schema.Name)
	case 1:
		return records[0], nil
	default:
		return nil, errors.Conflict(errors.CategoryTable, "record %q occurs %d times in %q", id, len(records), t.schema.Name)
	}
}

// insert writes the declared columns of rec under the given id. Keys that
// are not schema columns are dropped: storage is schema-on-write.
func (t *SQLTable) insert(ctx context.Context, db execer, id string, rec types.Record) error {
	columns := []string{types.IDColumn}
	args := []interface{}{id}
	for _, name := range t.schema.ColumnNames() {
		if name == types.IDColumn {
			continue
		}
		if v, ok := rec[name]; ok {
			columns = append(columns, name)
			args = append(args, EncodeValue(v))
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	_, err := db.ExecContext(ctx,
		`INSERT INTO `+quote(t.phys)+` (`+quoteAll(columns)+`) VALUES (`+placeholders+`)`, args...)
	if err != nil {
		return errors.Storage("failed to insert record", err)
	}
	return nil
}

func (t *SQLTable) update(ctx context.Context, db execer, id string, rec types.Record) error {
	var sets []string
	var args []interface{}
	for _, name := range t.schema.ColumnNames() {
		if name == types.IDColumn {
			continue
		}
		if v, ok := rec[name]; ok {
			sets = append(sets, quote(name)+` = ?`)
			args = append(args, EncodeValue(v))
		}
	}
	if len(sets) == 0 {
		// Nothing to update; still require the record to exist.
		_, err := t.one(ctx, db, id)
		return err
	}
	args = append(args, id)
	result, err := db.ExecContext(ctx,
		`UPDATE `+quote(t.phys)+` SET `+strings.Join(sets, ", ")+` WHERE `+quote(types.IDColumn)+` = ?`, args...)
	if err != nil {
		return errors.Storage("failed to update record", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound(errors.CategoryTable, "record %q not found in %q", id, t.schema.Name)
	}
	return nil
}

// upsert backs batch puts: an empty id inserts under a generated one, a
// known id updates, an unknown id inserts.
func (t *SQLTable) upsert(ctx context.Context, db execer, id string, rec types.Record) error {
	if id == "" {
		return t.insert(ctx, db, uuid.NewString(), rec)
	}
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM `+quote(t.phys)+` WHERE `+quote(types.IDColumn)+` = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return t.insert(ctx, db, id, rec)
	}
	if err != nil {
		return errors.Storage("failed to probe record", err)
	}
	return t.update(ctx, db, id, rec)
}

func (t *SQLTable) del(ctx context.Context, db execer, id string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM `+quote(t.phys)+` WHERE `+quote(types.IDColumn)+` = ?`, id)
	if err != nil {
		return errors.Storage("failed to delete record", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound(errors.CategoryTable, "record %q not found in %q", id, t.schema.Name)
	}
	return nil
}

func (t *SQLTable) queryRecords(ctx context.Context, db execer, q string, args []interface{}, columns []string) ([]types.Record, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Storage("query failed", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		values := make([]interface{}, len(columns))
		targets := make([]interface{}, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, errors.Storage("failed to scan record", err)
		}
		stored := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			stored[name] = values[i]
		}
		records = append(records, DecodeRecord(t.schema, stored))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("error iterating records", err)
	}
	return records, nil
}
