// Package storage holds training artifacts as small named blobs on the
// local filesystem or in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when the key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is a minimal blob store.
//
// Keys are forward-slash separated and relative to the store root.
// Put replaces a blob atomically: concurrent readers see either the old or
// the new content, never a partial write. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the blob. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
