package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-multierror"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

const (
	objectSuffix     = ".jsonl.snappy"
	restoreBatchSize = 500

	// scanBufferSize bounds one serialized record line.
	scanBufferSize = 4 * 1024 * 1024
)

// Dumper dumps and restores every table of one store.
type Dumper struct {
	store   tablestore.Store
	storage ObjectStorage
	logger  logging.Logger
}

func NewDumper(store tablestore.Store, storage ObjectStorage, logger logging.Logger) *Dumper {
	return &Dumper{store: store, storage: storage, logger: logger}
}

// Dump writes one compressed object per table under the given object
// prefix: a schema line followed by one line per record. Tables that fail
// are reported together after the rest have been attempted.
func (d *Dumper) Dump(ctx context.Context, prefix string) error {
	schemas, err := d.store.List(ctx, "")
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, schema := range schemas {
		if err := d.dumpTable(ctx, prefix, schema); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		d.logger.Infof("backup: dumped table %q", schema.Name)
	}
	return result.ErrorOrNil()
}

func (d *Dumper) dumpTable(ctx context.Context, prefix string, schema types.TableSchema) error {
	table, err := d.store.Table(ctx, schema.Name)
	if err != nil {
		return err
	}
	records, err := table.All(ctx, nil)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	enc := json.NewEncoder(w)
	if err := enc.Encode(schema); err != nil {
		return errors.Internal("failed to encode schema", err)
	}
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return errors.Internal("failed to encode record", err)
		}
	}
	if err := w.Close(); err != nil {
		return errors.Internal("failed to compress dump", err)
	}
	return d.storage.Put(ctx, objectPath(prefix, schema.Name), &buf)
}

// Restore replays every dump object under the prefix: the schema is
// applied through Redefine and the records through batched puts, so a
// restore into a live store follows the same paths as normal writes.
func (d *Dumper) Restore(ctx context.Context, prefix string) error {
	objects, err := d.storage.List(ctx, prefix)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, object := range objects {
		if !strings.HasSuffix(object, objectSuffix) {
			continue
		}
		if err := d.restoreObject(ctx, object); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		d.logger.Infof("backup: restored %q", object)
	}
	return result.ErrorOrNil()
}

func (d *Dumper) restoreObject(ctx context.Context, object string) error {
	body, err := d.storage.Get(ctx, object)
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(snappy.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return errors.Storage("failed to read dump", err)
		}
		return errors.Malformed(errors.CategoryStorage, "dump %q is empty", object)
	}
	var schema types.TableSchema
	if err := json.Unmarshal(scanner.Bytes(), &schema); err != nil {
		return errors.Wrap(errors.CategoryStorage, errors.CodeMalformed, "corrupt dump schema", err)
	}
	if _, err := d.store.Redefine(ctx, schema.Name, schema); err != nil {
		return err
	}
	table, err := d.store.Table(ctx, schema.Name)
	if err != nil {
		return err
	}

	var ops []tablestore.BatchOp
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		if err := table.Batch(ctx, ops); err != nil {
			return err
		}
		ops = ops[:0]
		return nil
	}
	for scanner.Scan() {
		var rec types.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return errors.Wrap(errors.CategoryStorage, errors.CodeMalformed, "corrupt dump record", err)
		}
		ops = append(ops, tablestore.BatchOp{Op: tablestore.BatchPut, ID: rec.ID(), Value: rec})
		if len(ops) >= restoreBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Storage("failed to read dump", err)
	}
	return flush()
}

func objectPath(prefix, table string) string {
	return path.Join(prefix, table+objectSuffix)
}
