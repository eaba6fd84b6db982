package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	reelerr "github.com/reelstore/reelstore/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryStore implements ChunkStore using in-memory maps. It optionally
// persists periodic snapshots to a SQLite file so that chunks survive
// restarts.
type MemoryStore struct {
	mu           sync.RWMutex
	objects      map[string]map[int64][]byte // objectID -> seq -> data
	currentSize  int64
	maxSizeBytes int64

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

var _ ChunkStore = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxSize caps the total bytes held by the store. Zero means unlimited.
func WithMaxSize(maxSizeBytes int64) MemoryOption {
	return func(s *MemoryStore) { s.maxSizeBytes = maxSizeBytes }
}

// WithSnapshot enables SQLite snapshot persistence at path. A positive
// interval also writes snapshots in the background.
func WithSnapshot(path string, interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.snapshotPath = path
		s.snapshotInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore. With snapshot persistence enabled,
// it loads any existing snapshot before returning.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	s := &MemoryStore{
		objects: make(map[string]map[int64][]byte),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.snapshotPath != "" {
		if err := s.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if s.snapshotInterval > 0 {
			s.wg.Add(1)
			go s.snapshotLoop()
		}
	}
	return s, nil
}

// PutChunk stores a copy of data.
func (s *MemoryStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := s.objects[objectID]
	if _, ok := chunks[seq]; ok {
		return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
	}
	if s.maxSizeBytes > 0 && s.currentSize+int64(len(data)) > s.maxSizeBytes {
		return reelerr.ErrPayloadTooLarge.WithMessage("memory chunk store is full (%d of %d bytes used)", s.currentSize, s.maxSizeBytes)
	}
	if chunks == nil {
		chunks = make(map[int64][]byte)
		s.objects[objectID] = chunks
	}
	chunks[seq] = append([]byte(nil), data...)
	s.currentSize += int64(len(data))
	return nil
}

// GetChunk returns the stored bytes. Callers must not modify the result.
func (s *MemoryStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[objectID][seq]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
	}
	return data, nil
}

// DeleteChunks drops every chunk of the object.
func (s *MemoryStore) DeleteChunks(ctx context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, data := range s.objects[objectID] {
		s.currentSize -= int64(len(data))
	}
	delete(s.objects, objectID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Size returns the number of bytes currently held.
func (s *MemoryStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// Close stops background snapshots and writes a final snapshot when
// persistence is enabled.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if s.snapshotPath != "" {
		if err := s.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(); err != nil {
				slog.Error("Memory chunk store snapshot failed", "path", s.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores chunks from the snapshot file. A missing file is a
// fresh start.
func (s *MemoryStore) loadSnapshot() error {
	if _, err := os.Stat(s.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", s.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'chunk_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT object_id, seq, data FROM chunk_snapshots")
	if err != nil {
		return fmt.Errorf("querying chunk snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var objectID string
		var seq int64
		var data []byte
		if err := rows.Scan(&objectID, &seq, &data); err != nil {
			return fmt.Errorf("scanning chunk snapshot row: %w", err)
		}
		chunks := s.objects[objectID]
		if chunks == nil {
			chunks = make(map[int64][]byte)
			s.objects[objectID] = chunks
		}
		chunks[seq] = data
		s.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot writes all chunks to a temp database and renames it over
// the snapshot path.
func (s *MemoryStore) writeSnapshot() error {
	type row struct {
		objectID string
		seq      int64
		data     []byte
	}
	s.mu.RLock()
	var snapshot []row
	for objectID, chunks := range s.objects {
		for seq, data := range chunks {
			snapshot = append(snapshot, row{objectID, seq, data})
		}
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := s.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}

	fail := func(err error) error {
		db.Close()
		os.Remove(tmpPath)
		return err
	}

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE chunk_snapshots (
			object_id TEXT    NOT NULL,
			seq       INTEGER NOT NULL,
			data      BLOB    NOT NULL,
			PRIMARY KEY (object_id, seq)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fail(fmt.Errorf("creating snapshot schema: %w", err))
	}

	tx, err := db.Begin()
	if err != nil {
		return fail(fmt.Errorf("beginning snapshot transaction: %w", err))
	}
	stmt, err := tx.Prepare("INSERT INTO chunk_snapshots (object_id, seq, data) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fail(fmt.Errorf("preparing snapshot insert: %w", err))
	}
	for _, r := range snapshot {
		if _, err := stmt.Exec(r.objectID, r.seq, r.data); err != nil {
			stmt.Close()
			tx.Rollback()
			return fail(fmt.Errorf("inserting chunk snapshot: %w", err))
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("committing snapshot: %w", err))
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing snapshot database: %w", err)
	}

	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}
