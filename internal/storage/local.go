package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/uid"
)

const objectsDir = "objects"

// LocalStore implements ChunkStore on the local filesystem. Each object gets
// a directory under RootDir/objects holding one file per chunk; RootDir/.tmp
// holds in-flight writes.
type LocalStore struct {
	// RootDir is the base directory under which all chunk data is stored.
	RootDir string
}

var _ ChunkStore = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at the given directory.
// It creates the root, objects and temp directories if they do not exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	for _, dir := range []string{".tmp", objectsDir} {
		path := filepath.Join(rootDir, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %q: %w", path, err)
		}
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files
// left behind indicate chunk writes interrupted by a crash; it runs on
// every startup.
func (s *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (s *LocalStore) objectDir(objectID string) string {
	return filepath.Join(s.RootDir, objectsDir, objectID)
}

func (s *LocalStore) chunkPath(objectID string, seq int64) string {
	return filepath.Join(s.objectDir(objectID), chunkName(seq))
}

func (s *LocalStore) tempPath() string {
	return filepath.Join(s.RootDir, ".tmp", "tmp-"+uid.New())
}

// PutChunk writes the chunk with the crash-only pattern: write to a temp
// file, fsync, then hard-link into place. The link fails if the chunk file
// already exists, which makes the write exclusive.
func (s *LocalStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	finalPath := s.chunkPath(objectID, seq)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating object directory for %q: %w", objectID, err)
	}

	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing chunk data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
		}
		return fmt.Errorf("linking chunk %s/%d into place: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk reads a chunk file.
func (s *LocalStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.chunkPath(objectID, seq))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
		}
		return nil, fmt.Errorf("reading chunk %s/%d: %w", objectID, seq, err)
	}
	return data, nil
}

// DeleteChunks removes the object's chunk directory.
// Idempotent: deleting a missing directory is not an error.
func (s *LocalStore) DeleteChunks(ctx context.Context, objectID string) error {
	if err := os.RemoveAll(s.objectDir(objectID)); err != nil {
		return fmt.Errorf("removing chunks of %q: %w", objectID, err)
	}
	return nil
}

// HealthCheck verifies that the root directory exists and is writable.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.RootDir)
	if err != nil {
		return fmt.Errorf("storage root directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %q is not a directory", s.RootDir)
	}
	probe, err := os.CreateTemp(filepath.Join(s.RootDir, ".tmp"), "health-*")
	if err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
