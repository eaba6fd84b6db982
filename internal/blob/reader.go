package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/reelstore/reelstore/internal/byterange"
	"github.com/reelstore/reelstore/internal/chunk"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/metrics"
)

var errClosed = errors.New("blob: read on closed reader")

// ReadResult is everything a transport needs to answer a read: the record
// for its headers, the negotiated window, and the body.
type ReadResult struct {
	Record *metadata.ObjectRecord
	Window byterange.Window
	Body   *Reader
}

// Reader streams one byte window of an object, fetching a chunk only when
// the previous one is consumed. It holds a lease on the object until
// closed, so a concurrent Delete cannot remove chunks underneath it.
// A Reader is not safe for concurrent use.
type Reader struct {
	ctx    context.Context
	store  *Store
	rec    *metadata.ObjectRecord
	window byterange.Window

	next func() (chunk.Span, bool)
	stop func()

	// cur is the unread part of the current chunk's span.
	cur []byte
	err error

	closeOnce sync.Once
}

var (
	_ io.ReadCloser = (*Reader)(nil)
	_ io.WriterTo   = (*Reader)(nil)
)

// resolver chooses the window of rec to read and the chunk spans covering
// it.
type resolver func(rec *metadata.ObjectRecord) (byterange.Window, iter.Seq[chunk.Span], error)

// ReadFull opens the whole object for reading.
func (s *Store) ReadFull(ctx context.Context, id string) (*Reader, error) {
	metrics.ReadsTotal.WithLabelValues("full").Inc()
	return s.open(ctx, id, func(rec *metadata.ObjectRecord) (byterange.Window, iter.Seq[chunk.Span], error) {
		return byterange.Full(rec.Length), chunk.PlanFull(rec.ChunkSize, rec.Length), nil
	})
}

// ReadRange opens the inclusive window [start, end] of the object. It
// returns ErrRangeNotSatisfiable unless 0 <= start <= end < length.
func (s *Store) ReadRange(ctx context.Context, id string, start, end int64) (*Reader, error) {
	metrics.ReadsTotal.WithLabelValues("range").Inc()
	return s.open(ctx, id, func(rec *metadata.ObjectRecord) (byterange.Window, iter.Seq[chunk.Span], error) {
		spans, err := chunk.Plan(rec.ChunkSize, start, end, rec.Length)
		if err != nil {
			return byterange.Window{}, nil, err
		}
		w := byterange.Window{Start: start, End: end, Total: rec.Length, Partial: true}
		return w, spans, nil
	})
}

// Read negotiates an HTTP Range header against the object and opens the
// resulting window. An unsatisfiable range returns a
// *byterange.UnsatisfiableError, which matches ErrRangeNotSatisfiable.
func (s *Store) Read(ctx context.Context, id, rangeHeader string) (*ReadResult, error) {
	body, err := s.open(ctx, id, func(rec *metadata.ObjectRecord) (byterange.Window, iter.Seq[chunk.Span], error) {
		w, err := byterange.Parse(rangeHeader, rec.Length)
		if err != nil {
			return w, nil, err
		}
		if w.Len() == 0 {
			return w, chunk.PlanFull(rec.ChunkSize, 0), nil
		}
		spans, err := chunk.Plan(rec.ChunkSize, w.Start, w.End, rec.Length)
		return w, spans, err
	})
	if err != nil {
		return nil, err
	}
	kind := "full"
	if body.window.Partial {
		kind = "range"
	}
	metrics.ReadsTotal.WithLabelValues(kind).Inc()
	return &ReadResult{Record: body.rec, Window: body.window, Body: body}, nil
}

// open takes a lease before reading the record, so that a Delete either
// happened before the record read (and the read fails) or sees the lease
// (and defers chunk removal).
func (s *Store) open(ctx context.Context, id string, resolve resolver) (*Reader, error) {
	s.leases.acquire(id)

	rec, err := s.registry.Get(ctx, id)
	if err == nil && !rec.Readable() {
		err = notReadable(rec)
	}
	var (
		w     byterange.Window
		spans iter.Seq[chunk.Span]
	)
	if err == nil {
		w, spans, err = resolve(rec)
	}
	if err != nil {
		s.releaseLease(ctx, id)
		return nil, err
	}

	next, stop := iter.Pull(spans)
	metrics.ActiveReaders.Inc()
	return &Reader{
		ctx:    ctx,
		store:  s,
		rec:    rec,
		window: w,
		next:   next,
		stop:   stop,
	}, nil
}

func (s *Store) releaseLease(ctx context.Context, id string) {
	if s.leases.release(id) {
		s.removeDeferred(ctx, id)
	}
}

// Record returns the record the reader was opened against.
func (r *Reader) Record() *metadata.ObjectRecord {
	return r.rec
}

// Window returns the byte window the reader streams.
func (r *Reader) Window() byterange.Window {
	return r.window
}

// Len returns the total number of bytes the reader yields.
func (r *Reader) Len() int64 {
	return r.window.Len()
}

// fill makes cur non-empty by fetching the next chunk, or returns the
// sticky error (io.EOF once every span is consumed).
func (r *Reader) fill() error {
	for len(r.cur) == 0 {
		if r.err != nil {
			return r.err
		}
		sp, ok := r.next()
		if !ok {
			r.err = io.EOF
			return r.err
		}

		data, err := r.store.chunks.GetChunk(r.ctx, r.rec.ID, sp.Seq)
		if err != nil {
			r.err = fmt.Errorf("reading chunk %d of %s: %w", sp.Seq, r.rec.ID, err)
			return r.err
		}
		if want := chunk.Len(sp.Seq, r.rec.Length, r.rec.ChunkSize); int64(len(data)) != want {
			r.err = reelerr.ErrInternal.WithMessage("chunk %d of %s has %d bytes, want %d", sp.Seq, r.rec.ID, len(data), want)
			return r.err
		}
		r.cur = data[sp.Start : sp.End+1]
	}
	return nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	metrics.ReadBytesTotal.Add(float64(n))
	return n, nil
}

// Segments yields the remaining bytes one chunk span at a time. The
// yielded slices may be shared with a chunk cache and must not be
// modified. Iteration stops after the first error.
func (r *Reader) Segments() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			if err := r.fill(); err != nil {
				if err != io.EOF {
					yield(nil, err)
				}
				return
			}
			seg := r.cur
			r.cur = nil
			metrics.ReadBytesTotal.Add(float64(len(seg)))
			if !yield(seg, nil) {
				return
			}
		}
	}
}

// WriteTo implements io.WriterTo, writing each chunk span without an
// intermediate copy.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for seg, err := range r.Segments() {
		if err != nil {
			return total, err
		}
		n, err := w.Write(seg)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close releases the reader's lease. If the object was deleted while the
// reader was open and this was the last lease, Close removes its chunks.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.stop()
		r.cur = nil
		r.err = errClosed
		metrics.ActiveReaders.Dec()
		r.store.releaseLease(r.ctx, r.rec.ID)
	})
	return nil
}
