// Package storage defines the interface and implementations for ReelStore's
// chunk persistence layer.
package storage

import (
	"context"
	"fmt"
)

// ChunkStore persists the immutable chunks of objects, keyed by object id
// and 0-based sequence number. Implementations provide the underlying
// storage mechanism (local filesystem, SQLite, cloud provider, etc.).
// All methods must be safe for concurrent use.
// There is no update operation: a chunk, once written, is never replaced.
type ChunkStore interface {
	// PutChunk stores data as chunk seq of objectID. It returns
	// ErrDuplicateChunk if that chunk already exists. Implementations must
	// not retain data after returning; callers reuse the buffer.
	PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error

	// GetChunk returns the bytes of chunk seq of objectID, or
	// ErrChunkNotFound if it does not exist.
	GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error)

	// DeleteChunks removes every chunk of objectID. Deleting an object with
	// no chunks is not an error.
	DeleteChunks(ctx context.Context, objectID string) error

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}

// seqWidth zero-pads sequence numbers in keys so that lexical listing order
// matches chunk order.
const seqWidth = 12

// chunkName returns the key suffix of chunk seq.
func chunkName(seq int64) string {
	return fmt.Sprintf("%0*d", seqWidth, seq)
}

// objectPrefix returns the key prefix shared by all chunks of objectID
// under the given backend prefix.
func objectPrefix(prefix, objectID string) string {
	return prefix + objectID + "/"
}

// chunkKey returns the full key of a chunk under the given backend prefix.
func chunkKey(prefix, objectID string, seq int64) string {
	return objectPrefix(prefix, objectID) + chunkName(seq)
}
