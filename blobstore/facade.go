// Package blobstore provides the Blob Store Facade: a minimal,
// backend-agnostic object store keyed by slash-delimited paths,
// backing the History Store and Registry Store. Concrete backends
// (memory, file, Redis, MongoDB) live in this package and all satisfy
// the same Facade interface.
package blobstore

import (
	"context"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// Facade is the object store capability every durable-storage
// component depends on. All paths are slash-delimited, relative, and
// opaque to the backend (a backend may map them onto a filesystem
// path, a Redis key, or a Mongo document id).
type Facade interface {
	// Get returns the bytes stored at path, or a NotFound error.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put writes data at path, overwriting any existing object.
	Put(ctx context.Context, path string, data []byte) error

	// Delete removes the object at path. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, path string) error

	// List returns every path with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Copy duplicates the object at src to dst. Copy MUST be safe to
	// retry: a failed or repeated copy must never produce duplicate or
	// corrupted data at dst.
	Copy(ctx context.Context, src, dst string) error
}

// NotFound builds the NotFound error for a missing path.
func NotFound(path string) error {
	return types.NewError(types.ErrBlobNotFound, "object not found: "+path)
}

// Conflict builds the Conflict error for a concurrent-write collision.
func Conflict(path string) error {
	return types.NewError(types.ErrBlobConflict, "object conflict: "+path)
}

// Transient wraps a retryable backend error.
func Transient(path string, cause error) error {
	return types.NewError(types.ErrBlobTransient, "transient blob error: "+path).
		WithCause(cause).
		WithRetryable(true)
}

// Fatal wraps a non-retryable backend error.
func Fatal(path string, cause error) error {
	return types.NewError(types.ErrBlobFatal, "fatal blob error: "+path).WithCause(cause)
}
