package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/reelstore/reelstore/internal/config"
)

const journalFile = "objects.jsonl"

// journalEntry is one line of the journal: the full record after a change,
// or a tombstone when the record was purged.
type journalEntry struct {
	ID      string        `json:"id"`
	Record  *ObjectRecord `json:"record,omitempty"`
	Deleted bool          `json:"_deleted,omitempty"`
}

// JournalRegistry keeps records in memory and appends every change to a
// JSONL journal that is replayed on startup. Compaction rewrites the
// journal with one line per live record.
type JournalRegistry struct {
	// mu keeps journal order identical to the order changes were applied.
	mu    sync.Mutex
	inner *MemoryRegistry
	path  string
}

var _ Registry = (*JournalRegistry)(nil)

func NewJournalRegistry(cfg config.LocalMetaConfig, opts ...Option) (*JournalRegistry, error) {
	rootDir := cfg.RootDir
	if rootDir == "" {
		rootDir = "./data/metadata"
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	r := &JournalRegistry{
		inner: NewMemoryRegistry(opts...),
		path:  filepath.Join(rootDir, journalFile),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}
	if cfg.CompactOnStartup {
		if err := r.Compact(); err != nil {
			return nil, fmt.Errorf("compacting journal: %w", err)
		}
	}
	return r, nil
}

func (r *JournalRegistry) load() error {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry journalEntry
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Deleted || entry.Record == nil {
			delete(r.inner.objects, entry.ID)
			continue
		}
		r.inner.objects[entry.ID] = entry.Record
	}
	return scanner.Err()
}

func (r *JournalRegistry) appendEntry(entry journalEntry) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// record applies op to the in-memory state and journals the resulting
// record for id. If the journal write fails, the in-memory change is undone
// so memory never holds a state the journal lacks.
func (r *JournalRegistry) record(ctx context.Context, id string, op func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.inner.lookup(id)
	if err := op(); err != nil {
		return err
	}

	entry := journalEntry{ID: id, Deleted: true}
	if rec := r.inner.lookup(id); rec != nil {
		entry = journalEntry{ID: id, Record: rec}
	}
	if err := r.appendEntry(entry); err != nil {
		r.inner.restore(id, prev)
		return fmt.Errorf("journaling object %s: %w", id, err)
	}
	return nil
}

// Compact rewrites the journal with the current records only.
func (r *JournalRegistry) Compact() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.inner.List(context.Background(), ListOptions{})
	if err != nil {
		return err
	}

	tmpPath := r.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range recs {
		if err := enc.Encode(journalEntry{ID: recs[i].ID, Record: &recs[i]}); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.path)
}

func (r *JournalRegistry) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(r.path))
	return err
}

func (r *JournalRegistry) Close() error {
	return nil
}

func (r *JournalRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	return r.record(ctx, rec.ID, func() error {
		return r.inner.BeginUpload(ctx, rec)
	})
}

func (r *JournalRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	return r.record(ctx, id, func() error {
		return r.inner.CompleteUpload(ctx, id, length)
	})
}

func (r *JournalRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.record(ctx, id, func() error {
		return r.inner.MarkFailed(ctx, id)
	})
}

func (r *JournalRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.record(ctx, id, func() error {
		return r.inner.MarkDeleted(ctx, id)
	})
}

func (r *JournalRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	return r.inner.Get(ctx, id)
}

func (r *JournalRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	return r.inner.List(ctx, opts)
}

func (r *JournalRegistry) Purge(ctx context.Context, id string) error {
	return r.record(ctx, id, func() error {
		return r.inner.Purge(ctx, id)
	})
}
