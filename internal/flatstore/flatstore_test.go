package flatstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/internal/query"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

func newTestStore(t *testing.T) *FlatStore {
	t.Helper()
	db, err := OpenDatabase("")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewFlatStore(db, "loom", "acme", logging.Noop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func widgetSchema() types.TableSchema {
	return types.TableSchema{
		Name: "widget",
		Columns: map[string]types.ColumnDef{
			"name":  {Type: types.TypeString, Nullable: true},
			"count": {Type: types.TypeInt, Nullable: true},
		},
	}
}

func TestCreateAndDefine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, widgetSchema())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Version != 0 {
		t.Errorf("created version = %d, want 0", created.Version)
	}
	if _, ok := created.Columns[types.IDColumn]; !ok {
		t.Error("created schema is missing the injected id column")
	}

	defined, err := store.Define(ctx, "widget")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if diff := cmp.Diff(created, defined); diff != "" {
		t.Errorf("Define mismatch (-created +defined):\n%s", diff)
	}

	if _, err := store.Create(ctx, widgetSchema()); !errors.IsConflict(err) {
		t.Errorf("duplicate Create: err = %v, want CONFLICT", err)
	}
	if _, err := store.Define(ctx, "ghost"); !errors.IsNotFound(err) {
		t.Errorf("Define unknown: err = %v, want NOT_FOUND", err)
	}
}

func TestListPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"invoice", "invoiceLine", "widget"} {
		schema := widgetSchema()
		schema.Name = name
		if _, err := store.Create(ctx, schema); err != nil {
			t.Fatalf("Create %q: %v", name, err)
		}
	}

	invoices, err := store.List(ctx, "invoice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := make([]string, len(invoices))
	for i, schema := range invoices {
		names[i] = schema.Name
	}
	if diff := cmp.Diff([]string{"invoice", "invoiceLine"}, names); diff != "" {
		t.Errorf("prefixed names mismatch (-want +got):\n%s", diff)
	}
}

func TestRedefineMigratesSharedColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	initial := types.TableSchema{
		Name: "thing",
		Columns: map[string]types.ColumnDef{
			"x": {Type: types.TypeInt, Nullable: true},
			"y": {Type: types.TypeString, Nullable: true},
		},
	}
	if _, err := store.Create(ctx, initial); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "thing")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	rec, err := table.Add(ctx, types.Record{"x": 7, "y": "dropped"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	next := types.TableSchema{
		Columns: map[string]types.ColumnDef{
			"x": {Type: types.TypeInt, Nullable: true},
			"z": {Type: types.TypeBoolean, Nullable: true},
		},
	}
	applied, err := store.Redefine(ctx, "thing", next)
	if err != nil {
		t.Fatalf("Redefine: %v", err)
	}
	if applied.Version != 1 {
		t.Errorf("version = %d, want 1 after migration", applied.Version)
	}

	table, err = store.Table(ctx, "thing")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	migrated, err := table.One(ctx, rec.ID())
	if err != nil {
		t.Fatalf("One: %v", err)
	}
	if migrated["x"] != int64(7) {
		t.Errorf("x = %v (%T), want 7", migrated["x"], migrated["x"])
	}
	if _, ok := migrated["y"]; ok {
		t.Error("dropped column y survived the migration")
	}
}

func TestRedefineNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, widgetSchema())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	applied, err := store.Redefine(ctx, "widget", widgetSchema())
	if err != nil {
		t.Fatalf("Redefine: %v", err)
	}
	if diff := cmp.Diff(created, applied); diff != "" {
		t.Errorf("structurally identical redefine should be a no-op (-created +applied):\n%s", diff)
	}
}

func TestRedefineConcurrentVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Every goroutine applies a distinct structure, so each redefinition
	// must observe the previous one and bump the version by exactly one.
	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := types.TableSchema{
				Columns: map[string]types.ColumnDef{
					fmt.Sprintf("c%d", i): {Type: types.TypeInt, Nullable: true},
				},
			}
			_, err := store.Redefine(ctx, "widget", next)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Redefine: %v", err)
		}
	}

	final, err := store.Define(ctx, "widget")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if final.Version != workers {
		t.Errorf("version = %d, want %d after %d distinct redefinitions", final.Version, workers, workers)
	}
}

func TestDropRemovesRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if _, err := table.Add(ctx, types.Record{"name": "a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := store.Drop(ctx, "widget"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := store.Drop(ctx, "widget"); !errors.IsNotFound(err) {
		t.Errorf("second Drop: err = %v, want NOT_FOUND", err)
	}

	// recreating must not resurrect old records
	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create after drop: %v", err)
	}
	table, err = store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	records, err := table.All(ctx, nil)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("recreated table has %d records, want 0", len(records))
	}
}

func TestDropManyIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.DropMany(ctx, []string{"widget", "ghost"}); !errors.IsNotFound(err) {
		t.Fatalf("DropMany: err = %v, want NOT_FOUND", err)
	}
	if _, err := store.Define(ctx, "widget"); err != nil {
		t.Errorf("widget vanished after failed DropMany: %v", err)
	}
}

func TestCRUDRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	added, err := table.Add(ctx, types.Record{"name": "sprocket", "count": 3, "ignored": true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID() == "" {
		t.Fatal("Add did not generate an id")
	}
	if added["name"] != "sprocket" || added["count"] != int64(3) {
		t.Errorf("added = %v", added)
	}
	if _, ok := added["ignored"]; ok {
		t.Error("undeclared key survived the write")
	}

	updated, err := table.Put(ctx, added.ID(), types.Record{"count": 4})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if updated["count"] != int64(4) || updated["name"] != "sprocket" {
		t.Errorf("partial update produced %v", updated)
	}
	if _, err := table.Put(ctx, "missing", types.Record{"count": 1}); !errors.IsNotFound(err) {
		t.Errorf("Put on missing id: err = %v, want NOT_FOUND", err)
	}

	if err := table.Del(ctx, added.ID()); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := table.One(ctx, added.ID()); !errors.IsNotFound(err) {
		t.Errorf("One after delete: err = %v, want NOT_FOUND", err)
	}
	if err := table.Del(ctx, added.ID()); !errors.IsNotFound(err) {
		t.Errorf("second Del: err = %v, want NOT_FOUND", err)
	}
}

func TestAllWithFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	for _, rec := range []types.Record{
		{"name": "a", "count": 1},
		{"name": "b", "count": 1},
		{"name": "c"},
	} {
		if _, err := table.Add(ctx, rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	matched, err := table.All(ctx, map[string]interface{}{"count": 1})
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(matched) != 2 {
		t.Errorf("filter matched %d records, want 2", len(matched))
	}

	nulls, err := table.All(ctx, map[string]interface{}{"count": nil})
	if err != nil {
		t.Fatalf("All with null filter: %v", err)
	}
	if len(nulls) != 1 || nulls[0]["name"] != "c" {
		t.Errorf("null filter matched %v", nulls)
	}

	if _, err := table.All(ctx, map[string]interface{}{"ghost": 1}); !errors.IsMalformed(err) {
		t.Errorf("unknown filter column: err = %v, want MALFORMED", err)
	}
}

func TestSearchSortSkipLimitProjection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	for i, name := range []string{"a", "b", "c"} {
		if _, err := table.Add(ctx, types.Record{"name": name, "count": i}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	q, err := query.Parse(map[string]interface{}{
		"count": map[string]interface{}{"$gte": 1},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	records, err := table.Search(ctx, tablestore.SearchOptions{
		Query:      q,
		Sort:       "-name",
		Skip:       1,
		Limit:      1,
		Projection: []string{"name"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 1 || records[0]["name"] != "b" {
		t.Errorf("Search returned %v, want the single record with name=b", records)
	}
	if _, ok := records[0]["count"]; ok {
		t.Error("projection leaked an unselected column")
	}

	if _, err := table.Search(ctx, tablestore.SearchOptions{Projection: []string{"ghost"}}); !errors.IsMalformed(err) {
		t.Errorf("unknown projection column: err = %v, want MALFORMED", err)
	}
}

func TestSearchDateColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	schema := types.TableSchema{
		Name: "event",
		Columns: map[string]types.ColumnDef{
			"name": {Type: types.TypeString, Nullable: true},
			"when": {Type: types.TypeDate, Nullable: true},
		},
	}
	if _, err := store.Create(ctx, schema); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "event")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	for name, millis := range map[string]int64{"early": 1_000_000, "late": 2_000_000} {
		if _, err := table.Add(ctx, types.Record{"name": name, "when": millis}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// Stored dates materialize as time.Time; operands stay epoch millis.
	q, err := query.Parse(map[string]interface{}{
		"when": map[string]interface{}{"$gt": 1_500_000},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	records, err := table.Search(ctx, tablestore.SearchOptions{Query: q})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 1 || records[0]["name"] != "late" {
		t.Errorf("date range search returned %v, want the single late record", records)
	}

	q, err = query.Parse(map[string]interface{}{"when": 1_000_000})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	records, err = table.Search(ctx, tablestore.SearchOptions{Query: q, Sort: "-when"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 1 || records[0]["name"] != "early" {
		t.Errorf("date equality search returned %v, want the single early record", records)
	}

	records, err = table.Search(ctx, tablestore.SearchOptions{Sort: "when"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 2 || records[0]["name"] != "early" || records[1]["name"] != "late" {
		t.Errorf("date sort returned %v, want early before late", records)
	}
}

func TestBatchReadsItsOwnWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	ops := []tablestore.BatchOp{
		{Op: tablestore.BatchPut, ID: "w1", Value: types.Record{"name": "first"}},
		{Op: tablestore.BatchPut, ID: "w1", Value: types.Record{"count": 2}},
		{Op: tablestore.BatchPut, ID: "w2", Value: types.Record{"name": "second"}},
		{Op: tablestore.BatchDel, ID: "w2"},
	}
	if err := table.Batch(ctx, ops); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	w1, err := table.One(ctx, "w1")
	if err != nil {
		t.Fatalf("One: %v", err)
	}
	if w1["name"] != "first" || w1["count"] != int64(2) {
		t.Errorf("w1 = %v, want merged puts", w1)
	}
	if _, err := table.One(ctx, "w2"); !errors.IsNotFound(err) {
		t.Errorf("w2 should have been deleted in the same batch: %v", err)
	}
}

func TestBatchRollsBackOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "widget")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	ops := []tablestore.BatchOp{
		{Op: tablestore.BatchPut, ID: "w1", Value: types.Record{"name": "first"}},
		{Op: tablestore.BatchDel, ID: "missing"},
	}
	if err := table.Batch(ctx, ops); !errors.IsNotFound(err) {
		t.Fatalf("Batch: err = %v, want NOT_FOUND", err)
	}
	if _, err := table.One(ctx, "w1"); !errors.IsNotFound(err) {
		t.Errorf("w1 survived a failed batch: %v", err)
	}
}

func TestBloomPrunedEquality(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	schema := types.TableSchema{
		Name: "tagged",
		Columns: map[string]types.ColumnDef{
			"tag": {Type: types.TypeString, Nullable: true},
		},
		Indexes: []types.IndexDef{{Fields: []string{"tag"}}},
	}
	if _, err := store.Create(ctx, schema); err != nil {
		t.Fatalf("Create: %v", err)
	}
	table, err := store.Table(ctx, "tagged")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	for _, tag := range []string{"red", "blue"} {
		if _, err := table.Add(ctx, types.Record{"tag": tag}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	search := func(tag string) []types.Record {
		t.Helper()
		q, err := query.Parse(map[string]interface{}{"tag": tag})
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		records, err := table.Search(ctx, tablestore.SearchOptions{Query: q})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return records
	}

	if got := search("zzz"); len(got) != 0 {
		t.Errorf("absent tag matched %v", got)
	}
	if got := search("red"); len(got) != 1 {
		t.Errorf("present tag matched %d records, want 1", len(got))
	}

	// writes after the filters are built keep them current
	if _, err := table.Add(ctx, types.Record{"tag": "green"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := search("green"); len(got) != 1 {
		t.Errorf("newly added tag matched %d records, want 1", len(got))
	}
}

func TestTenantIsolation(t *testing.T) {
	db, err := OpenDatabase("")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	acme, err := NewFlatStore(db, "loom", "acme", logging.Noop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	globex, err := NewFlatStore(db, "loom", "globex", logging.Noop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := acme.Create(ctx, widgetSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := globex.Define(ctx, "widget"); !errors.IsNotFound(err) {
		t.Errorf("schema leaked across tenants: %v", err)
	}
}
