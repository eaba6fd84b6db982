package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	reelerr "github.com/reelstore/reelstore/internal/errors"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newRegistryFunc builds a fresh, empty registry that stamps records with
// the given clock.
type newRegistryFunc func(t *testing.T, clock clockwork.Clock) Registry

func begin(t *testing.T, r Registry, id string) {
	t.Helper()
	err := r.BeginUpload(context.Background(), &ObjectRecord{
		ID:          id,
		ChunkSize:   4,
		ContentType: "video/mp4",
		Attributes:  map[string]string{"filename": id + ".mp4", "owner": "alice"},
	})
	if err != nil {
		t.Fatalf("BeginUpload(%q): %v", id, err)
	}
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}

// runRegistrySuite exercises the Registry contract shared by every engine.
func runRegistrySuite(t *testing.T, newRegistry newRegistryFunc) {
	t.Helper()

	t.Run("BeginUpload", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()
		begin(t, r, "clip")

		rec, err := r.Get(ctx, "clip")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != StatusUploading {
			t.Errorf("Status = %q, want %q", rec.Status, StatusUploading)
		}
		if rec.Length != -1 {
			t.Errorf("Length = %d, want -1", rec.Length)
		}
		if rec.ChunkSize != 4 {
			t.Errorf("ChunkSize = %d, want 4", rec.ChunkSize)
		}
		if rec.ContentType != "video/mp4" {
			t.Errorf("ContentType = %q, want %q", rec.ContentType, "video/mp4")
		}
		if rec.Attributes["filename"] != "clip.mp4" || rec.Attributes["owner"] != "alice" {
			t.Errorf("Attributes = %v", rec.Attributes)
		}
		if !rec.CreatedAt.Equal(epoch) {
			t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, epoch)
		}
		if rec.Readable() {
			t.Error("uploading record reports Readable")
		}
	})

	t.Run("BeginUploadDuplicate", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		begin(t, r, "clip")
		err := r.BeginUpload(context.Background(), &ObjectRecord{ID: "clip", ChunkSize: 4})
		wantErr(t, err, reelerr.ErrAlreadyExists)
	})

	t.Run("BeginUploadInvalid", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		ctx := context.Background()
		wantErr(t, r.BeginUpload(ctx, &ObjectRecord{ID: "", ChunkSize: 4}), reelerr.ErrInvalidArgument)
		wantErr(t, r.BeginUpload(ctx, &ObjectRecord{ID: "x", ChunkSize: 0}), reelerr.ErrInvalidArgument)
	})

	t.Run("CompleteUpload", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()
		begin(t, r, "clip")

		clock.Advance(time.Minute)
		if err := r.CompleteUpload(ctx, "clip", 10); err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}
		rec, err := r.Get(ctx, "clip")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != StatusComplete || rec.Length != 10 {
			t.Errorf("record = %s/%d, want complete/10", rec.Status, rec.Length)
		}
		if rec.ChunkCount() != 3 {
			t.Errorf("ChunkCount = %d, want 3", rec.ChunkCount())
		}
		if !rec.UpdatedAt.Equal(epoch.Add(time.Minute)) {
			t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, epoch.Add(time.Minute))
		}

		// Length is set exactly once.
		wantErr(t, r.CompleteUpload(ctx, "clip", 20), reelerr.ErrInvalidState)
		rec, _ = r.Get(ctx, "clip")
		if rec.Length != 10 {
			t.Errorf("Length after second complete = %d, want 10", rec.Length)
		}
	})

	t.Run("CompleteUploadErrors", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		ctx := context.Background()
		wantErr(t, r.CompleteUpload(ctx, "missing", 1), reelerr.ErrNotFound)

		begin(t, r, "failed")
		if err := r.MarkFailed(ctx, "failed"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		wantErr(t, r.CompleteUpload(ctx, "failed", 1), reelerr.ErrInvalidState)
	})

	t.Run("MarkFailed", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		ctx := context.Background()
		begin(t, r, "clip")

		if err := r.MarkFailed(ctx, "clip"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if err := r.MarkFailed(ctx, "clip"); err != nil {
			t.Fatalf("second MarkFailed: %v", err)
		}
		rec, _ := r.Get(ctx, "clip")
		if rec.Status != StatusFailed {
			t.Errorf("Status = %q, want %q", rec.Status, StatusFailed)
		}
		wantErr(t, r.MarkFailed(ctx, "missing"), reelerr.ErrNotFound)

		begin(t, r, "done")
		if err := r.CompleteUpload(ctx, "done", 0); err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}
		wantErr(t, r.MarkFailed(ctx, "done"), reelerr.ErrInvalidState)
	})

	t.Run("MarkDeleted", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		ctx := context.Background()
		begin(t, r, "clip")

		wantErr(t, r.MarkDeleted(ctx, "clip"), reelerr.ErrInvalidState)
		if err := r.CompleteUpload(ctx, "clip", 10); err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}
		if err := r.MarkDeleted(ctx, "clip"); err != nil {
			t.Fatalf("MarkDeleted: %v", err)
		}
		if err := r.MarkDeleted(ctx, "clip"); err != nil {
			t.Fatalf("second MarkDeleted: %v", err)
		}
		rec, _ := r.Get(ctx, "clip")
		if rec.Status != StatusDeleted {
			t.Errorf("Status = %q, want %q", rec.Status, StatusDeleted)
		}
		if rec.Length != 10 {
			t.Errorf("Length = %d, want 10", rec.Length)
		}
		wantErr(t, r.MarkDeleted(ctx, "missing"), reelerr.ErrNotFound)
	})

	t.Run("GetMissing", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		_, err := r.Get(context.Background(), "missing")
		wantErr(t, err, reelerr.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()

		begin(t, r, "b-stale")
		clock.Advance(time.Hour)
		begin(t, r, "a-fresh")
		begin(t, r, "c-done")
		if err := r.CompleteUpload(ctx, "c-done", 3); err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}

		all, err := r.List(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if got := ids(all); got != "a-fresh,b-stale,c-done" {
			t.Errorf("List(all) = %s", got)
		}

		uploading, err := r.List(ctx, ListOptions{Status: StatusUploading})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if got := ids(uploading); got != "a-fresh,b-stale" {
			t.Errorf("List(uploading) = %s", got)
		}

		stale, err := r.List(ctx, ListOptions{Status: StatusUploading, UpdatedBefore: epoch.Add(30 * time.Minute)})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if got := ids(stale); got != "b-stale" {
			t.Errorf("List(stale) = %s", got)
		}

		limited, err := r.List(ctx, ListOptions{Limit: 2})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if got := ids(limited); got != "a-fresh,b-stale" {
			t.Errorf("List(limit 2) = %s", got)
		}
	})

	t.Run("Purge", func(t *testing.T) {
		r := newRegistry(t, clockwork.NewFakeClockAt(epoch))
		ctx := context.Background()

		begin(t, r, "live")
		wantErr(t, r.Purge(ctx, "live"), reelerr.ErrInvalidState)

		begin(t, r, "gone")
		if err := r.MarkFailed(ctx, "gone"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if err := r.Purge(ctx, "gone"); err != nil {
			t.Fatalf("Purge: %v", err)
		}
		_, err := r.Get(ctx, "gone")
		wantErr(t, err, reelerr.ErrNotFound)
		if err := r.Purge(ctx, "gone"); err != nil {
			t.Fatalf("second Purge: %v", err)
		}

		// A purged id can be reused.
		begin(t, r, "gone")
	})
}

func ids(recs []ObjectRecord) string {
	var s string
	for i, rec := range recs {
		if i > 0 {
			s += ","
		}
		s += rec.ID
	}
	return s
}
