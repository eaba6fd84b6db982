package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/metrics"
)

// ReapStaleUploads marks failed every upload that has not finished within
// ttl and removes its chunks. Uploads still running in this process are
// skipped. It returns the number of uploads reaped.
func (s *Store) ReapStaleUploads(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, reelerr.ErrInvalidArgument.WithMessage("upload ttl must be positive, got %s", ttl)
	}
	stale, err := s.registry.List(ctx, metadata.ListOptions{
		Status:        metadata.StatusUploading,
		UpdatedBefore: s.clock.Now().Add(-ttl),
	})
	if err != nil {
		return 0, fmt.Errorf("listing stale uploads: %w", err)
	}

	var reaped int
	var errs []error
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		release, ok := s.writers.tryAcquire(rec.ID)
		if !ok {
			continue
		}
		done, err := s.reap(ctx, rec.ID)
		release()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !done {
			continue
		}
		reaped++
		metrics.ReapedUploadsTotal.Inc()
		s.logger.Info("reaped stale upload", "id", rec.ID, "updated_at", rec.UpdatedAt)
	}
	return reaped, errors.Join(errs...)
}

// reap marks the upload failed, then removes its chunks. MarkFailed only
// applies to an uploading record, so an upload that committed after the
// listing keeps its chunks. It reports whether the upload was reaped.
func (s *Store) reap(ctx context.Context, id string) (bool, error) {
	err := s.registry.MarkFailed(ctx, id)
	if isNotFound(err) || errors.Is(err, reelerr.ErrInvalidState) {
		s.logger.Debug("stale upload finished before reaping", "id", id)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("marking %s failed: %w", id, err)
	}
	// A failed record is swept later, which retries the removal.
	if err := s.chunks.DeleteChunks(ctx, id); err != nil {
		return true, fmt.Errorf("removing chunks of %s: %w", id, err)
	}
	return true, nil
}

// SweepDeleted removes the chunks of deleted and failed objects and purges
// their records. Objects with open readers or a removal pending on those
// readers are left for a later sweep. It returns the number of records
// purged.
func (s *Store) SweepDeleted(ctx context.Context) (int, error) {
	var swept int
	var errs []error
	for _, status := range []metadata.Status{metadata.StatusDeleted, metadata.StatusFailed} {
		recs, err := s.registry.List(ctx, metadata.ListOptions{Status: status})
		if err != nil {
			return swept, fmt.Errorf("listing %s objects: %w", status, err)
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return swept, err
			}
			if s.leases.active(rec.ID) {
				continue
			}
			release, ok := s.writers.tryAcquire(rec.ID)
			if !ok {
				continue
			}
			err := s.sweep(ctx, rec.ID)
			release()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			swept++
			s.logger.Debug("swept object", "id", rec.ID, "status", rec.Status)
		}
	}
	if swept > 0 {
		s.logger.Info("sweep finished", "purged", swept)
	}
	return swept, errors.Join(errs...)
}

func (s *Store) sweep(ctx context.Context, id string) error {
	if err := s.chunks.DeleteChunks(ctx, id); err != nil {
		return fmt.Errorf("removing chunks of %s: %w", id, err)
	}
	if err := s.registry.Purge(ctx, id); err != nil {
		return fmt.Errorf("purging %s: %w", id, err)
	}
	return nil
}

// RunMaintenance reaps stale uploads and sweeps deleted objects once, then
// again on every tick of interval until ctx is done.
func (s *Store) RunMaintenance(ctx context.Context, interval, ttl time.Duration) {
	s.maintain(ctx, ttl)
	if interval <= 0 {
		return
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.maintain(ctx, ttl)
		}
	}
}

func (s *Store) maintain(ctx context.Context, ttl time.Duration) {
	if _, err := s.ReapStaleUploads(ctx, ttl); err != nil && ctx.Err() == nil {
		s.logger.Error("reaping stale uploads", "error", err)
	}
	if _, err := s.SweepDeleted(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweeping deleted objects", "error", err)
	}
}
