package metadata

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/reelstore/reelstore/internal/config"
)

func TestJournalRegistry(t *testing.T) {
	runRegistrySuite(t, func(t *testing.T, clock clockwork.Clock) Registry {
		r, err := NewJournalRegistry(config.LocalMetaConfig{RootDir: t.TempDir()}, WithClock(clock))
		if err != nil {
			t.Fatalf("NewJournalRegistry: %v", err)
		}
		return r
	})
}

func TestJournalRegistryReplay(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(epoch)
	ctx := context.Background()

	r, err := NewJournalRegistry(config.LocalMetaConfig{RootDir: dir}, WithClock(clock))
	if err != nil {
		t.Fatalf("NewJournalRegistry: %v", err)
	}
	begin(t, r, "kept")
	if err := r.CompleteUpload(ctx, "kept", 7); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	begin(t, r, "purged")
	if err := r.MarkFailed(ctx, "purged"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := r.Purge(ctx, "purged"); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	// Simulate a torn write at the tail of the journal.
	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	f.WriteString(`{"id":"torn","rec`)
	f.Close()

	replayed, err := NewJournalRegistry(config.LocalMetaConfig{RootDir: dir}, WithClock(clock))
	if err != nil {
		t.Fatalf("NewJournalRegistry (replay): %v", err)
	}
	all, err := replayed.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(all); got != "kept" {
		t.Fatalf("replayed ids = %s, want kept", got)
	}
	if all[0].Status != StatusComplete || all[0].Length != 7 {
		t.Errorf("replayed record = %s/%d, want complete/7", all[0].Status, all[0].Length)
	}
}

func TestJournalRegistryCompact(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r, err := NewJournalRegistry(config.LocalMetaConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("NewJournalRegistry: %v", err)
	}
	begin(t, r, "a")
	if err := r.CompleteUpload(ctx, "a", 1); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	begin(t, r, "b")

	compacted, err := NewJournalRegistry(config.LocalMetaConfig{RootDir: dir, CompactOnStartup: true})
	if err != nil {
		t.Fatalf("NewJournalRegistry (compact): %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("journal lines after compaction = %d, want 2", lines)
	}
	if _, err := compacted.Get(ctx, "b"); err != nil {
		t.Errorf("Get(b) after compaction: %v", err)
	}
}

func TestJournalRegistryRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r, err := NewJournalRegistry(config.LocalMetaConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("NewJournalRegistry: %v", err)
	}
	begin(t, r, "vid")

	// A directory in place of the journal makes every append fail.
	path := filepath.Join(dir, journalFile)
	if err := os.Remove(path); err != nil {
		t.Fatalf("removing journal: %v", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("creating directory: %v", err)
	}

	if err := r.CompleteUpload(ctx, "vid", 10); err == nil {
		t.Fatal("CompleteUpload succeeded with an unwritable journal")
	}
	rec, err := r.Get(ctx, "vid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusUploading || rec.Length != -1 {
		t.Errorf("record after failed commit = %s/%d, want uploading/-1", rec.Status, rec.Length)
	}

	if err := r.BeginUpload(ctx, &ObjectRecord{ID: "new", ChunkSize: 4}); err == nil {
		t.Fatal("BeginUpload succeeded with an unwritable journal")
	}
	if _, err := r.Get(ctx, "new"); err == nil {
		t.Error("record of a failed BeginUpload is visible")
	}
}
