package storage

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/reelstore/reelstore/internal/metrics"
)

type chunkRef struct {
	objectID string
	seq      int64
}

// CachedStore wraps a ChunkStore with a bounded LRU of recently read chunks.
// Chunks are immutable, so cached entries never go stale; they are only
// dropped by eviction or DeleteChunks.
type CachedStore struct {
	inner ChunkStore
	cache *lru.Cache[chunkRef, []byte]

	// mu orders DeleteChunks against concurrent fills so a chunk read
	// before a delete is not reinserted after the purge.
	mu sync.RWMutex
}

var _ ChunkStore = (*CachedStore)(nil)

// NewCachedStore returns a CachedStore holding at most size chunks.
func NewCachedStore(inner ChunkStore, size int) (*CachedStore, error) {
	c, err := lru.New[chunkRef, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: c}, nil
}

// Inner returns the wrapped store.
func (s *CachedStore) Inner() ChunkStore {
	return s.inner
}

// Len returns the number of cached chunks.
func (s *CachedStore) Len() int {
	return s.cache.Len()
}

// PutChunk writes through to the wrapped store. Written chunks are not
// cached; the cache only tracks reads.
func (s *CachedStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	return s.inner.PutChunk(ctx, objectID, seq, data)
}

// GetChunk serves the chunk from cache when present and fills the cache on
// a miss. Callers must not modify the returned slice.
func (s *CachedStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	ref := chunkRef{objectID: objectID, seq: seq}
	if data, ok := s.cache.Get(ref); ok {
		metrics.ChunkCacheHits.Inc()
		return data, nil
	}
	metrics.ChunkCacheMisses.Inc()

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.inner.GetChunk(ctx, objectID, seq)
	if err != nil {
		return nil, err
	}
	s.cache.Add(ref, data)
	return data, nil
}

// DeleteChunks purges the object's cached chunks and deletes them from the
// wrapped store.
func (s *CachedStore) DeleteChunks(ctx context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.cache.Keys() {
		if ref.objectID == objectID {
			s.cache.Remove(ref)
		}
	}
	return s.inner.DeleteChunks(ctx, objectID)
}

// HealthCheck delegates to the wrapped store.
func (s *CachedStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}
