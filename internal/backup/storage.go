// Package backup dumps and restores tenant tables through pluggable
// object storage. A dump is one compressed object per table holding the
// schema followed by every record; restore replays those objects through
// the normal schema and batch paths.
package backup

import (
	"context"
	"errors"
	"io"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the storage a dump is written to.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, objectPath string, body io.Reader) error

	// Get opens an object for reading. The caller closes it.
	Get(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Delete removes an object. Deleting an absent object is not an
	// error.
	Delete(ctx context.Context, objectPath string) error

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
