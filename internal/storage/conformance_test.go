package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// runChunkStoreSuite exercises the ChunkStore contract shared by every
// backend.
func runChunkStoreSuite(t *testing.T, newStore func(t *testing.T) ChunkStore) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		if err := st.PutChunk(ctx, "obj", 0, []byte("ABCD")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		if err := st.PutChunk(ctx, "obj", 1, []byte("EF")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		for seq, want := range []string{"ABCD", "EF"} {
			got, err := st.GetChunk(ctx, "obj", int64(seq))
			if err != nil {
				t.Fatalf("GetChunk(%d): %v", seq, err)
			}
			if string(got) != want {
				t.Errorf("GetChunk(%d) = %q, want %q", seq, got, want)
			}
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetChunk(context.Background(), "nope", 0)
		if !errors.Is(err, reelerr.ErrChunkNotFound) {
			t.Errorf("GetChunk error = %v, want ErrChunkNotFound", err)
		}
	})

	t.Run("WriteOnce", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		if err := st.PutChunk(ctx, "obj", 0, []byte("first")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		err := st.PutChunk(ctx, "obj", 0, []byte("second"))
		if !errors.Is(err, reelerr.ErrDuplicateChunk) {
			t.Fatalf("second PutChunk error = %v, want ErrDuplicateChunk", err)
		}
		got, err := st.GetChunk(ctx, "obj", 0)
		if err != nil {
			t.Fatalf("GetChunk: %v", err)
		}
		if string(got) != "first" {
			t.Errorf("GetChunk = %q, want %q", got, "first")
		}
	})

	t.Run("DeleteChunks", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		for seq := int64(0); seq < 5; seq++ {
			if err := st.PutChunk(ctx, "gone", seq, []byte{byte(seq)}); err != nil {
				t.Fatalf("PutChunk(%d): %v", seq, err)
			}
		}
		if err := st.PutChunk(ctx, "gone-not", 0, []byte("keep")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		if err := st.DeleteChunks(ctx, "gone"); err != nil {
			t.Fatalf("DeleteChunks: %v", err)
		}
		for seq := int64(0); seq < 5; seq++ {
			if _, err := st.GetChunk(ctx, "gone", seq); !errors.Is(err, reelerr.ErrChunkNotFound) {
				t.Errorf("GetChunk(%d) after delete error = %v, want ErrChunkNotFound", seq, err)
			}
		}
		got, err := st.GetChunk(ctx, "gone-not", 0)
		if err != nil || string(got) != "keep" {
			t.Errorf("sibling object chunk = %q, %v; want %q", got, err, "keep")
		}
		// Idempotent.
		if err := st.DeleteChunks(ctx, "gone"); err != nil {
			t.Errorf("second DeleteChunks: %v", err)
		}
		if err := st.DeleteChunks(ctx, "never-existed"); err != nil {
			t.Errorf("DeleteChunks of unknown object: %v", err)
		}
	})

	t.Run("RewriteAfterDelete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		if err := st.PutChunk(ctx, "obj", 0, []byte("old")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		if err := st.DeleteChunks(ctx, "obj"); err != nil {
			t.Fatalf("DeleteChunks: %v", err)
		}
		if err := st.PutChunk(ctx, "obj", 0, []byte("new")); err != nil {
			t.Fatalf("PutChunk after delete: %v", err)
		}
	})

	t.Run("ConcurrentObjects", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("obj-%d", i)
				for seq := int64(0); seq < 3; seq++ {
					if err := st.PutChunk(ctx, id, seq, bytes.Repeat([]byte{byte(i)}, 16)); err != nil {
						errs <- err
						return
					}
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent PutChunk: %v", err)
		}
		got, err := st.GetChunk(ctx, "obj-7", 2)
		if err != nil {
			t.Fatalf("GetChunk: %v", err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{7}, 16)) {
			t.Errorf("GetChunk = %v, want sixteen 7s", got)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		if err := newStore(t).HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})
}
