package backup

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/loomdb/loom/internal/flatstore"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/pkg/types"
)

func newTestStore(t *testing.T) *flatstore.FlatStore {
	t.Helper()
	db, err := flatstore.OpenDatabase("")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := flatstore.NewFlatStore(db, "loom", "acme", logging.Noop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestLocalStorage(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	ctx := context.Background()

	if err := storage.Put(ctx, "backups/a.txt", strings.NewReader("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := storage.Put(ctx, "backups/b.txt", strings.NewReader("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	body, err := storage.Get(ctx, "backups/a.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil || string(data) != "hello" {
		t.Errorf("Get returned %q, %v", data, err)
	}

	objects, err := storage.List(ctx, "backups/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"backups/a.txt", "backups/b.txt"}, objects); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	if _, err := storage.Get(ctx, "backups/missing.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Get missing: err = %v, want ErrObjectNotFound", err)
	}

	if err := storage.Delete(ctx, "backups/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// deleting an absent object is not an error
	if err := storage.Delete(ctx, "backups/a.txt"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestDumpAndRestore(t *testing.T) {
	ctx := context.Background()
	source := newTestStore(t)

	bookSchema := types.TableSchema{
		Name: "book",
		Columns: map[string]types.ColumnDef{
			"title": {Type: types.TypeString, Nullable: true},
			"pages": {Type: types.TypeInt, Nullable: true},
		},
	}
	authorSchema := types.TableSchema{
		Name: "author",
		Columns: map[string]types.ColumnDef{
			"name": {Type: types.TypeString, Nullable: true},
		},
	}
	for _, schema := range []types.TableSchema{bookSchema, authorSchema} {
		if _, err := source.Create(ctx, schema); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	books, err := source.Table(ctx, "book")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := books.Add(ctx, types.Record{"title": string(rune('a' + i)), "pages": 100 * i}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	if err := NewDumper(source, storage, logging.Noop()).Dump(ctx, "daily"); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	objects, err := storage.List(ctx, "daily/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"daily/author.jsonl.snappy", "daily/book.jsonl.snappy"}
	if diff := cmp.Diff(want, objects); diff != "" {
		t.Errorf("dump objects mismatch (-want +got):\n%s", diff)
	}

	target := newTestStore(t)
	if err := NewDumper(target, storage, logging.Noop()).Restore(ctx, "daily"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restoredSchema, err := target.Define(ctx, "book")
	if err != nil {
		t.Fatalf("Define after restore: %v", err)
	}
	sourceSchema, err := source.Define(ctx, "book")
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if !restoredSchema.EqualStructure(sourceSchema) {
		t.Errorf("restored schema differs: %+v vs %+v", restoredSchema, sourceSchema)
	}

	sourceRecords, err := books.All(ctx, nil)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	restored, err := target.Table(ctx, "book")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	restoredRecords, err := restored.All(ctx, nil)
	if err != nil {
		t.Fatalf("All after restore: %v", err)
	}
	if diff := cmp.Diff(sourceRecords, restoredRecords); diff != "" {
		t.Errorf("records mismatch (-source +restored):\n%s", diff)
	}
}

func TestRestoreIntoLiveStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	schema := types.TableSchema{
		Name: "note",
		Columns: map[string]types.ColumnDef{
			"text": {Type: types.TypeString, Nullable: true},
		},
	}
	if _, err := store.Create(ctx, schema); err != nil {
		t.Fatalf("Create: %v", err)
	}
	notes, err := store.Table(ctx, "note")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	rec, err := notes.Add(ctx, types.Record{"text": "original"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	dumper := NewDumper(store, storage, logging.Noop())
	if err := dumper.Dump(ctx, "snap"); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	if _, err := notes.Put(ctx, rec.ID(), types.Record{"text": "changed"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := dumper.Restore(ctx, "snap"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	after, err := notes.One(ctx, rec.ID())
	if err != nil {
		t.Fatalf("One: %v", err)
	}
	if after["text"] != "original" {
		t.Errorf("text = %v, want the dumped value restored", after["text"])
	}
}

func TestRestoreSkipsForeignObjects(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	if err := storage.Put(ctx, "snap/readme.txt", strings.NewReader("not a dump")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := NewDumper(store, storage, logging.Noop()).Restore(ctx, "snap"); err != nil {
		t.Errorf("Restore with only foreign objects: %v", err)
	}
}
