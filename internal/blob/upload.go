package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"

	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/metrics"
	"github.com/reelstore/reelstore/internal/uid"
)

// UploadRequest describes one object upload.
type UploadRequest struct {
	// ID is the object id. A random id is generated when empty.
	ID          string
	ContentType string
	Attributes  map[string]string
	Body        io.Reader
	// DeclaredLength is the expected body size, or -1 when unknown.
	DeclaredLength int64
}

// UploadResult describes a committed object.
type UploadResult struct {
	ID     string `json:"id"`
	Length int64  `json:"length"`
	Chunks int64  `json:"chunks"`
}

// Upload streams req.Body into chunks and commits the object. On any
// failure, including cancellation of ctx, every chunk written is removed and
// the record is marked failed before the original error is returned.
func (s *Store) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	id := req.ID
	if id == "" {
		id = uid.New()
	} else if !uid.Valid(id) {
		return nil, reelerr.ErrInvalidArgument.WithMessage("invalid object id %q", id)
	}
	if req.Body == nil {
		return nil, reelerr.ErrInvalidArgument.WithMessage("upload body is required")
	}
	if s.maxObjectSize > 0 && req.DeclaredLength > s.maxObjectSize {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, tooLarge(req.DeclaredLength, s.maxObjectSize)
	}

	release, ok := s.writers.tryAcquire(id)
	if !ok {
		return nil, reelerr.ErrAlreadyExists.WithMessage("object %s is being uploaded", id)
	}
	defer release()

	err := s.registry.BeginUpload(ctx, &metadata.ObjectRecord{
		ID:          id,
		ChunkSize:   s.chunkSize,
		ContentType: req.ContentType,
		Attributes:  maps.Clone(req.Attributes),
	})
	if err != nil {
		return nil, err
	}

	length, chunks, err := s.writeChunks(ctx, id, req.Body)
	if err == nil && req.DeclaredLength >= 0 && length != req.DeclaredLength {
		err = reelerr.ErrInvalidArgument.WithMessage("body had %d bytes, declared %d", length, req.DeclaredLength)
	}
	if err == nil {
		err = s.commit(ctx, id, length)
	}
	if err != nil {
		s.abortUpload(ctx, id, err)
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues("complete").Inc()
	metrics.UploadBytesTotal.Add(float64(length))
	s.logger.Info("upload committed", "id", id, "length", length, "chunks", chunks)
	return &UploadResult{ID: id, Length: length, Chunks: chunks}, nil
}

// commit completes the upload. A backend may report an error for a commit
// that was applied, such as a timeout after the write landed, so on error
// the record is read back and an applied commit is kept.
func (s *Store) commit(ctx context.Context, id string, length int64) error {
	err := s.registry.CompleteUpload(ctx, id, length)
	if err == nil {
		return nil
	}
	rec, getErr := s.registry.Get(context.WithoutCancel(ctx), id)
	if getErr == nil && rec.Status == metadata.StatusComplete && rec.Length == length {
		s.logger.Warn("commit reported an error but was applied", "id", id, "error", err)
		return nil
	}
	return err
}

// writeChunks reads body one chunk at a time and stores each chunk under
// the next sequence number. It returns the byte and chunk counts.
func (s *Store) writeChunks(ctx context.Context, id string, body io.Reader) (int64, int64, error) {
	buf := make([]byte, s.chunkSize)
	var total, seq int64
	for {
		if err := ctx.Err(); err != nil {
			return total, seq, err
		}

		n, readErr := io.ReadFull(body, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return total, seq, fmt.Errorf("reading upload body: %w", readErr)
		}
		if n > 0 {
			total += int64(n)
			if s.maxObjectSize > 0 && total > s.maxObjectSize {
				return total, seq, tooLarge(total, s.maxObjectSize)
			}
			if err := s.chunks.PutChunk(ctx, id, seq, buf[:n]); err != nil {
				return total, seq, fmt.Errorf("writing chunk %d of %s: %w", seq, id, err)
			}
			metrics.ChunksWrittenTotal.Inc()
			seq++
		}
		// A short read means the body is exhausted.
		if readErr != nil {
			return total, seq, nil
		}
	}
}

// abortUpload removes the chunks of a failed upload and marks its record
// failed. It runs detached from ctx so cancellation still cleans up;
// cleanup errors are logged, and the reaper or sweep retries them.
func (s *Store) abortUpload(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	metrics.UploadsTotal.WithLabelValues("failed").Inc()

	if err := s.chunks.DeleteChunks(ctx, id); err != nil {
		s.logger.Error("removing chunks of failed upload", "id", id, "error", err)
	}
	if err := s.registry.MarkFailed(ctx, id); err != nil {
		s.logger.Error("marking upload failed", "id", id, "error", err)
	}

	if errors.Is(cause, context.Canceled) || errors.Is(cause, reelerr.ErrPayloadTooLarge) {
		s.logger.Info("upload aborted", "id", id, "error", cause)
		return
	}
	s.logger.Warn("upload failed", "id", id, "error", cause)
}

func tooLarge(size, limit int64) error {
	return reelerr.ErrPayloadTooLarge.WithMessage("object of at least %d bytes exceeds the %d byte limit", size, limit)
}
