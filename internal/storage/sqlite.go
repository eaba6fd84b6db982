package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	reelerr "github.com/reelstore/reelstore/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements ChunkStore with chunks stored as BLOBs in a SQLite
// table, suitable for single-node or embedded deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ ChunkStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the chunk database at dbPath, applies
// performance PRAGMAs, and creates the chunks table.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite chunk database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite chunk database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS chunks (
			object_id TEXT    NOT NULL,
			seq       INTEGER NOT NULL,
			data      BLOB    NOT NULL,
			PRIMARY KEY (object_id, seq)
		) WITHOUT ROWID;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating chunk schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutChunk inserts the chunk row. The primary key rejects a second write.
func (s *SQLiteStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (object_id, seq, data) VALUES (?, ?, ?)`,
		objectID, seq, data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
		}
		return fmt.Errorf("putting chunk %s/%d: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk selects the chunk's data.
func (s *SQLiteStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chunks WHERE object_id = ? AND seq = ?`,
		objectID, seq,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting chunk %s/%d: %w", objectID, seq, err)
	}
	return data, nil
}

// DeleteChunks removes every chunk row of the object.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, objectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE object_id = ?`, objectID); err != nil {
		return fmt.Errorf("deleting chunks of %q: %w", objectID, err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
