package tablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/pkg/types"
)

// sqlSeparator joins namespace parts in physical SQL names.
const sqlSeparator = "_"

// OpenDatabase opens the SQLite database backing one or more SQL stores.
// WAL mode and a busy timeout keep the single-writer model responsive.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Storage("failed to open database", err)
	}
	// Single writer; migrations must never interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// SQLStore implements Store on a relational SQLite backend. The catalog
// and every tenant table live in the same database under namespaced
// physical names.
type SQLStore struct {
	db     *sql.DB
	ns     Namespace
	logger logging.Logger
	mu     sync.Mutex
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store for one tenant namespace over an open
// database. The database may be shared by stores of other tenants.
func NewSQLStore(db *sql.DB, prefix, tenant string, logger logging.Logger) (*SQLStore, error) {
	ns := Namespace{Prefix: prefix, Tenant: tenant, Separator: sqlSeparator}
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, ns: ns, logger: logger}, nil
}

// Init ensures the catalog table exists. Idempotent.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+quote(s.ns.Catalog())+` (
			name TEXT PRIMARY KEY,
			columns TEXT NOT NULL,
			indexes TEXT NOT NULL,
			version INTEGER NOT NULL
		)`)
	if err != nil {
		return errors.Storage("failed to initialize catalog", err)
	}
	return nil
}

// Create registers a new table and issues its DDL.
func (s *SQLStore) Create(ctx context.Context, schema types.TableSchema) (types.TableSchema, error) {
	schema = schema.Clone()
	schema.EnsureID()
	schema.Version = 0
	if err := schema.Validate(); err != nil {
		return types.TableSchema{}, errors.Wrap(errors.CategorySchema, errors.CodeMalformed, "invalid schema", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, schema)
}

func (s *SQLStore) createLocked(ctx context.Context, schema types.TableSchema) (types.TableSchema, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.TableSchema{}, errors.Storage("failed to begin transaction", err)
	}
	defer tx.Rollback()

	exists, err := s.catalogHas(ctx, tx, schema.Name)
	if err != nil {
		return types.TableSchema{}, err
	}
	if exists {
		return types.TableSchema{}, errors.Conflict(errors.CategorySchema, "table %q already exists", schema.Name)
	}

	if err := s.insertCatalogRow(ctx, tx, schema); err != nil {
		return types.TableSchema{}, err
	}
	phys := s.ns.Physical(schema.Name)
	if _, err := tx.ExecContext(ctx, createTableSQL(phys, schema)); err != nil {
		return types.TableSchema{}, errors.Storage("failed to create table", err)
	}
	for _, stmt := range createIndexSQL(phys, schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return types.TableSchema{}, errors.Storage("failed to create index", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.TableSchema{}, errors.Storage("failed to commit create", err)
	}
	return schema, nil
}

// Define returns the current schema for a table.
func (s *SQLStore) Define(ctx context.Context, name string) (types.TableSchema, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, columns, indexes, version FROM `+quote(s.ns.Catalog())+` WHERE name = ?`, name)
	schema, err := scanSchema(row.Scan)
	if err == sql.ErrNoRows {
		return types.TableSchema{}, errors.NotFound(errors.CategorySchema, "table %q is not defined", name)
	}
	if err != nil {
		return types.TableSchema{}, errors.Storage("failed to read catalog", err)
	}
	return schema, nil
}

// List returns all schemas in the namespace, optionally prefix-restricted.
func (s *SQLStore) List(ctx context.Context, prefix string) ([]types.TableSchema, error) {
	q := `SELECT name, columns, indexes, version FROM ` + quote(s.ns.Catalog())
	var args []interface{}
	if prefix != "" {
		// Range scan instead of LIKE so prefixes need no escaping.
		q += ` WHERE name >= ? AND name < ?`
		args = append(args, prefix, prefix+"\xff")
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Storage("failed to list catalog", err)
	}
	defer rows.Close()

	var schemas []types.TableSchema
	for rows.Next() {
		schema, err := scanSchema(rows.Scan)
		if err != nil {
			return nil, errors.Storage("failed to scan catalog row", err)
		}
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("error iterating catalog", err)
	}
	return schemas, nil
}

// Redefine evolves a table's schema. When no table exists it behaves as
// Create; when the target is structurally identical it is a no-op; any
// actual change runs as an atomic shadow-table migration.
func (s *SQLStore) Redefine(ctx context.Context, name string, schema types.TableSchema) (types.TableSchema, error) {
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
		return s.createLocked(ctx, next)
	}
	if err != nil {
		return types.TableSchema{}, err
	}
	if current.EqualStructure(next) {
		return current, nil
	}
	next.Version = current.Version + 1

	shared := sharedColumns(current, next)
	if len(shared) == 0 {
		s.logger.Warningf("tablestore: redefining %q shares no columns with the current schema; migrated table starts empty", name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.TableSchema{}, errors.Storage("failed to begin migration", err)
	}
	defer tx.Rollback()

	live := s.ns.Physical(name)
	shadow := s.ns.Shadow(name)

	// Build the shadow table under the reserved internal name.
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(shadow)); err != nil {
		return types.TableSchema{}, errors.Storage("failed to clear shadow table", err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(shadow, next)); err != nil {
		return types.TableSchema{}, errors.Storage("failed to create shadow table", err)
	}

	// Copy every column present in both schemas; dropped columns vanish,
	// new columns default to null.
	if len(shared) > 0 {
		cols := quoteAll(shared)
		copySQL := `INSERT INTO ` + quote(shadow) + ` (` + cols + `) SELECT ` + cols + ` FROM ` + quote(live)
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return types.TableSchema{}, errors.Storage("failed to copy rows into shadow table", err)
		}
	}

	// Swap the shadow in, then re-create the declared indexes.
	if _, err := tx.ExecContext(ctx, `DROP TABLE `+quote(live)); err != nil {
		return types.TableSchema{}, errors.Storage("failed to drop live table", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE `+quote(shadow)+` RENAME TO `+quote(live)); err != nil {
		return types.TableSchema{}, errors.Storage("failed to rename shadow table", err)
	}
	for _, stmt := range createIndexSQL(live, next) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return types.TableSchema{}, errors.Storage("failed to re-create index", err)
		}
	}

	if err := s.updateCatalogRow(ctx, tx, next); err != nil {
		return types.TableSchema{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.TableSchema{}, errors.Storage("failed to commit migration", err)
	}
	return next, nil
}

// Drop removes one table and its catalog entry together.
func (s *SQLStore) Drop(ctx context.Context, name string) error {
	return s.DropMany(ctx, []string{name})
}

// DropMany removes several tables atomically.
func (s *SQLStore) DropMany(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage("failed to begin drop", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM `+quote(s.ns.Catalog())+` WHERE name = ?`, name)
		if err != nil {
			return errors.Storage("failed to delete catalog row", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return errors.NotFound(errors.CategorySchema, "table %q is not defined", name)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(s.ns.Physical(name))); err != nil {
			return errors.Storage("failed to drop table", err)
		}
	}
	return tx.Commit()
}

// DropPrefixed removes every table whose name has the given prefix.
func (s *SQLStore) DropPrefixed(ctx context.Context, prefix string) error {
	schemas, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	names := make([]string, len(schemas))
	for i, schema := range schemas {
		names[i] = schema.Name
	}
	if len(names) == 0 {
		return nil
	}
	return s.DropMany(ctx, names)
}

// Table binds a Table instance to an existing schema.
func (s *SQLStore) Table(ctx context.Context, name string) (Table, error) {
	schema, err := s.Define(ctx, name)
	if err != nil {
		return nil, err
	}
	return &SQLTable{store: s, schema: schema, phys: s.ns.Physical(name)}, nil
}

// Close is a no-op: the database handle is owned by the caller, which may
// be sharing it across tenant stores.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) catalogHas(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM `+quote(s.ns.Catalog())+` WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Storage("failed to probe catalog", err)
	}
	return true, nil
}

func (s *SQLStore) insertCatalogRow(ctx context.Context, tx *sql.Tx, schema types.TableSchema) error {
	columns, indexes, err := marshalSchemaParts(schema)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+quote(s.ns.Catalog())+` (name, columns, indexes, version) VALUES (?, ?, ?, ?)`,
		schema.Name, columns, indexes, schema.Version)
	if err != nil {
		return errors.Storage("failed to insert catalog row", err)
	}
	return nil
}

func (s *SQLStore) updateCatalogRow(ctx context.Context, tx *sql.Tx, schema types.TableSchema) error {
	columns, indexes, err := marshalSchemaParts(schema)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE `+quote(s.ns.Catalog())+` SET columns = ?, indexes = ?, version = ? WHERE name = ?`,
		columns, indexes, schema.Version, schema.Name)
	if err != nil {
		return errors.Storage("failed to update catalog row", err)
	}
	return nil
}

func marshalSchemaParts(schema types.TableSchema) (string, string, error) {
	columns, err := json.Marshal(schema.Columns)
	if err != nil {
		return "", "", errors.Internal("failed to marshal columns", err)
	}
	indexes, err := json.Marshal(schema.Indexes)
	if err != nil {
		return "", "", errors.Internal("failed to marshal indexes", err)
	}
	return string(columns), string(indexes), nil
}

func scanSchema(scan func(dest ...interface{}) error) (types.TableSchema, error) {
	var schema types.TableSchema
	var columns, indexes string
	if err := scan(&schema.Name, &columns, &indexes, &schema.Version); err != nil {
		return types.TableSchema{}, err
	}
	if err := json.Unmarshal([]byte(columns), &schema.Columns); err != nil {
		return types.TableSchema{}, err
	}
	if err := json.Unmarshal([]byte(indexes), &schema.Indexes); err != nil {
		return types.TableSchema{}, err
	}
	return schema, nil
}

// sharedColumns returns the column names present in both schemas, in the
// old schema's stable order.
func sharedColumns(old, next types.TableSchema) []string {
	var shared []string
	for _, name := range old.ColumnNames() {
		if _, ok := next.Columns[name]; ok {
			shared = append(shared, name)
		}
	}
	return shared
}

// createTableSQL renders the physical DDL for a schema. Only the id column
// carries a physical NOT NULL constraint: declared nullability is enforced
// at the schema layer so migrations can backfill new columns with nulls.
func createTableSQL(phys string, schema types.TableSchema) string {
	var defs []string
	for _, name := range schema.ColumnNames() {
		col := schema.Columns[name]
		if name == types.IDColumn {
			defs = append(defs, quote(name)+` TEXT PRIMARY KEY NOT NULL`)
			continue
		}
		defs = append(defs, quote(name)+` `+sqliteType(col.Type))
	}
	return `CREATE TABLE ` + quote(phys) + ` (` + strings.Join(defs, ", ") + `)`
}

// createIndexSQL renders the declared indexes for a physical table. Index
// names derive from the physical name so tenants cannot collide.
func createIndexSQL(phys string, schema types.TableSchema) []string {
	stmts := make([]string, 0, len(schema.Indexes))
	for _, idx := range schema.Indexes {
		kind := `CREATE INDEX `
		if idx.Unique {
			kind = `CREATE UNIQUE INDEX `
		}
		name := "idx_" + phys + "_" + strings.Join(idx.Fields, "_")
		stmts = append(stmts, kind+quote(name)+` ON `+quote(phys)+` (`+quoteAll(idx.Fields)+`)`)
	}
	return stmts
}

func sqliteType(t types.ColumnType) string {
	switch t {
	case types.TypeBoolean, types.TypeInt:
		return "INTEGER"
	case types.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quote(name string) string {
	return `"` + name + `"`
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quote(name)
	}
	return strings.Join(quoted, ", ")
}
