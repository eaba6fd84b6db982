package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelstore/reelstore/internal/byterange"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/metadata"
)

func TestReadRange(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)

	tests := []struct {
		start, end int64
		want       string
	}{
		{0, 3, "ABCD"},
		{2, 5, "CDEF"},
		{3, 8, "DEFGHI"},
		{4, 7, "EFGH"},
		{8, 9, "IJ"},
		{9, 9, "J"},
		{0, 0, "A"},
		{0, 9, alphabet},
	}
	for _, tt := range tests {
		r, err := f.store.ReadRange(context.Background(), "clip", tt.start, tt.end)
		require.NoError(t, err, "[%d, %d]", tt.start, tt.end)
		assert.Equal(t, int64(len(tt.want)), r.Len())
		assert.Equal(t, tt.want, readAll(t, r), "[%d, %d]", tt.start, tt.end)
	}
}

func TestReadRangeUnsatisfiable(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)

	for _, w := range [][2]int64{{5, 10}, {10, 10}, {6, 5}, {-1, 3}} {
		_, err := f.store.ReadRange(context.Background(), "clip", w[0], w[1])
		require.ErrorIs(t, err, reelerr.ErrRangeNotSatisfiable, "[%d, %d]", w[0], w[1])
	}
	assert.Zero(t, f.store.leases.readers("clip"), "failed opens release their lease")
}

func TestReadEveryWindow(t *testing.T) {
	for chunkSize := int64(1); chunkSize <= 11; chunkSize++ {
		f := newFixture(t, chunkSize, 0)
		f.upload(t, "clip", alphabet)
		for start := int64(0); start < 10; start++ {
			for end := start; end < 10; end++ {
				r, err := f.store.ReadRange(context.Background(), "clip", start, end)
				require.NoError(t, err)
				require.Equal(t, alphabet[start:end+1], readAll(t, r), "chunk size %d window [%d, %d]", chunkSize, start, end)
			}
		}
	}
}

func TestReadIsRepeatable(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.upload(t, "clip", alphabet)

	first := readAll(t, mustReadFull(t, f.store, "clip"))
	second := readAll(t, mustReadFull(t, f.store, "clip"))
	assert.Equal(t, alphabet, first)
	assert.Equal(t, first, second)
}

func TestReadMissingObject(t *testing.T) {
	f := newFixture(t, 4, 0)
	_, err := f.store.ReadFull(context.Background(), "missing")
	require.ErrorIs(t, err, reelerr.ErrNotFound)
	_, err = f.store.Read(context.Background(), "missing", "bytes=0-1")
	require.ErrorIs(t, err, reelerr.ErrNotFound)
	assert.False(t, f.store.leases.active("missing"))
}

func TestReadUploadingObject(t *testing.T) {
	f := newFixture(t, 4, 0)
	require.NoError(t, f.registry.BeginUpload(context.Background(), &metadata.ObjectRecord{ID: "clip", ChunkSize: 4}))

	_, err := f.store.ReadFull(context.Background(), "clip")
	require.ErrorIs(t, err, reelerr.ErrObjectNotReadable)
}

func TestReadHeader(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)
	ctx := context.Background()

	tests := []struct {
		header       string
		want         string
		status       int
		contentRange string
	}{
		{"", alphabet, http.StatusOK, ""},
		{"bytes=2-5", "CDEF", http.StatusPartialContent, "bytes 2-5/10"},
		{"bytes=7-", "HIJ", http.StatusPartialContent, "bytes 7-9/10"},
		{"bytes=-3", "HIJ", http.StatusPartialContent, "bytes 7-9/10"},
		{"bytes=8-100", "IJ", http.StatusPartialContent, "bytes 8-9/10"},
		{"bytes=0-1,4-5", alphabet, http.StatusOK, ""},
		{"items=0-1", alphabet, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			res, err := f.store.Read(ctx, "clip", tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Window.Status())
			assert.Equal(t, tt.contentRange, res.Window.ContentRange())
			assert.Equal(t, "clip", res.Record.ID)
			assert.Equal(t, tt.want, readAll(t, res.Body))
		})
	}

	_, err := f.store.Read(ctx, "clip", "bytes=10-")
	var unsat *byterange.UnsatisfiableError
	require.ErrorAs(t, err, &unsat)
	assert.Equal(t, "bytes */10", unsat.ContentRange())
	require.ErrorIs(t, err, reelerr.ErrRangeNotSatisfiable)
	assert.Zero(t, f.store.leases.readers("clip"))
}

func TestReaderSegments(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)

	r, err := f.store.ReadRange(context.Background(), "clip", 2, 9)
	require.NoError(t, err)
	defer r.Close()

	var segs []string
	for seg, err := range r.Segments() {
		require.NoError(t, err)
		segs = append(segs, string(seg))
	}
	assert.Equal(t, []string{"CD", "EFGH", "IJ"}, segs)
}

func TestReaderSegmentsStopEarly(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)

	r := mustReadFull(t, f.store, "clip")
	for seg := range r.Segments() {
		assert.Equal(t, "ABCD", string(seg))
		break
	}
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "EFGHIJ", string(rest))
	require.NoError(t, r.Close())
}

func TestReaderWriteTo(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)

	r, err := f.store.ReadRange(context.Background(), "clip", 1, 8)
	require.NoError(t, err)
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "BCDEFGHI", buf.String())
}

func TestReaderWriteToPropagatesWriteError(t *testing.T) {
	f := newFixture(t, 4, 0)
	f.upload(t, "clip", alphabet)

	r := mustReadFull(t, f.store, "clip")
	defer r.Close()

	boom := errors.New("client went away")
	n, err := r.WriteTo(&failingWriter{after: 1, err: boom})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(4), n)
}

type failingWriter struct {
	after int
	err   error
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after == 0 {
		return 0, w.err
	}
	w.after--
	return len(p), nil
}

// commit registers a complete object without going through Upload, so the
// test controls exactly which chunks exist.
func commit(t *testing.T, f *fixture, id string, length int64, chunks ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.registry.BeginUpload(ctx, &metadata.ObjectRecord{ID: id, ChunkSize: 4}))
	for seq, c := range chunks {
		require.NoError(t, f.chunks.PutChunk(ctx, id, int64(seq), []byte(c)))
	}
	require.NoError(t, f.registry.CompleteUpload(ctx, id, length))
}

func TestReadRejectsWrongChunkLength(t *testing.T) {
	f := newFixture(t, 4, 0)
	commit(t, f, "short", 10, "ABCD", "EFG", "IJ")
	commit(t, f, "long", 10, "ABCD", "EFGH", "IJK")

	for _, id := range []string{"short", "long"} {
		r := mustReadFull(t, f.store, id)
		_, err := io.ReadAll(r)
		require.ErrorIs(t, err, reelerr.ErrInternal, id)
		require.NoError(t, r.Close())
	}
}

func TestReadMissingChunk(t *testing.T) {
	f := newFixture(t, 4, 0)
	commit(t, f, "clip", 10, "ABCD", "EFGH")

	r, err := f.store.ReadRange(context.Background(), "clip", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGH", readAll(t, r))

	r = mustReadFull(t, f.store, "clip")
	defer r.Close()
	data, err := io.ReadAll(r)
	require.ErrorIs(t, err, reelerr.ErrChunkNotFound)
	assert.Equal(t, "ABCDEFGH", string(data))
}

func TestHead(t *testing.T) {
	f := newFixture(t, 4, 0)
	ctx := context.Background()
	f.upload(t, "clip", alphabet)

	rec, w, err := f.store.Head(ctx, "clip", "bytes=2-5")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Length)
	assert.Equal(t, byterange.Window{Start: 2, End: 5, Total: 10, Partial: true}, w)
	assert.Zero(t, f.store.leases.readers("clip"), "head takes no lease")

	_, w, err = f.store.Head(ctx, "clip", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Status())

	_, _, err = f.store.Head(ctx, "clip", "bytes=10-")
	require.ErrorIs(t, err, reelerr.ErrRangeNotSatisfiable)

	_, _, err = f.store.Head(ctx, "missing", "")
	require.ErrorIs(t, err, reelerr.ErrNotFound)

	require.NoError(t, f.store.Delete(ctx, "clip"))
	_, _, err = f.store.Head(ctx, "clip", "")
	require.ErrorIs(t, err, reelerr.ErrObjectNotReadable)

	rec, err = f.store.Stat(ctx, "clip")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusDeleted, rec.Status)
}
