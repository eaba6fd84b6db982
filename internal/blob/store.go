// Package blob implements ReelStore's object engine: the upload pipeline
// that splits a byte stream into chunks, and the read engine that streams
// whole objects or byte windows back out of the chunk store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/reelstore/reelstore/internal/byterange"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/logging"
	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/metrics"
	"github.com/reelstore/reelstore/internal/storage"
)

// Config holds the engine's tunables.
type Config struct {
	// ChunkSize is recorded on every new object.
	ChunkSize int64
	// MaxObjectSize is the largest accepted upload in bytes. Zero means
	// no limit.
	MaxObjectSize int64
	// Clock drives the reaper. Defaults to the real clock.
	Clock clockwork.Clock
}

// Store ties a chunk store and a registry together. It is safe for
// concurrent use; build one per process and pass it to its users.
type Store struct {
	chunks   storage.ChunkStore
	registry metadata.Registry

	chunkSize     int64
	maxObjectSize int64
	clock         clockwork.Clock
	logger        *slog.Logger

	writers *keyedLock
	leases  *leaseTable
}

// New returns a Store over the given backends.
func New(chunks storage.ChunkStore, registry metadata.Registry, cfg Config) (*Store, error) {
	if cfg.ChunkSize <= 0 {
		return nil, reelerr.ErrInvalidArgument.WithMessage("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.MaxObjectSize < 0 {
		return nil, reelerr.ErrInvalidArgument.WithMessage("max object size must not be negative, got %d", cfg.MaxObjectSize)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		chunks:        chunks,
		registry:      registry,
		chunkSize:     cfg.ChunkSize,
		maxObjectSize: cfg.MaxObjectSize,
		clock:         clock,
		logger:        logging.Component("blob"),
		writers:       newKeyedLock(),
		leases:        newLeaseTable(),
	}, nil
}

// ChunkSize returns the chunk size used for new uploads.
func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

// MaxObjectSize returns the upload size limit.
func (s *Store) MaxObjectSize() int64 {
	return s.maxObjectSize
}

// Stat returns the registry record for id, in any status.
func (s *Store) Stat(ctx context.Context, id string) (*metadata.ObjectRecord, error) {
	return s.registry.Get(ctx, id)
}

// Head resolves a read without opening it. It returns the record of a
// complete object and the window rangeHeader selects, with the same errors
// as Read.
func (s *Store) Head(ctx context.Context, id, rangeHeader string) (*metadata.ObjectRecord, byterange.Window, error) {
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, byterange.Window{}, err
	}
	if !rec.Readable() {
		return nil, byterange.Window{}, notReadable(rec)
	}
	w, err := byterange.Parse(rangeHeader, rec.Length)
	if err != nil {
		return nil, byterange.Window{}, err
	}
	return rec, w, nil
}

// Ping checks both backends.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.registry.Ping(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := s.chunks.HealthCheck(ctx); err != nil {
		return fmt.Errorf("chunk store: %w", err)
	}
	return nil
}

// Delete marks the object deleted so new reads fail, then removes its
// chunks. If readers hold the object open, removal is deferred until the
// last one closes. Deleting a deleted object retries the removal.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.registry.MarkDeleted(ctx, id); err != nil {
		return err
	}
	if s.leases.deferRemoval(id) {
		metrics.DeferredDeletesTotal.Inc()
		s.logger.Info("chunk removal deferred to last reader", "id", id, "readers", s.leases.readers(id))
		return nil
	}
	if err := s.chunks.DeleteChunks(ctx, id); err != nil {
		return fmt.Errorf("removing chunks of %s: %w", id, err)
	}
	s.logger.Info("object deleted", "id", id)
	return nil
}

// removeDeferred performs a chunk removal handed over by the last reader.
// The reader's context may already be done, so it runs detached.
func (s *Store) removeDeferred(ctx context.Context, id string) {
	if err := s.chunks.DeleteChunks(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("deferred chunk removal failed; sweep will retry", "id", id, "error", err)
		return
	}
	s.logger.Info("deferred chunk removal done", "id", id)
}

// notReadable wraps the status of a record that cannot be read.
func notReadable(rec *metadata.ObjectRecord) error {
	return reelerr.ErrObjectNotReadable.WithMessage("object %s is %s", rec.ID, rec.Status)
}

func isNotFound(err error) bool {
	return errors.Is(err, reelerr.ErrNotFound)
}
