package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	reelerr "github.com/reelstore/reelstore/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// schemaVersion is recorded in the schema_version table and reported by
// metadata exports.
const schemaVersion = 1

// SQLiteRegistry implements the Registry interface using SQLite as the
// backing database. It provides durable, ACID-compliant metadata storage
// suitable for single-node deployments.
type SQLiteRegistry struct {
	db   *sql.DB
	opts options
}

var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry creates a new SQLiteRegistry with the given DSN and
// initializes the database schema.
func NewSQLiteRegistry(dsn string, opts ...Option) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	r := &SQLiteRegistry{db: db, opts: buildOptions(opts)}
	if err := r.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return r, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (r *SQLiteRegistry) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			id           TEXT PRIMARY KEY,
			length       INTEGER NOT NULL DEFAULT -1,
			chunk_size   INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			attributes   TEXT NOT NULL DEFAULT '{}',
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_objects_status_updated ON objects(status, updated_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := r.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		schemaVersion, formatTime(r.opts.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (r *SQLiteRegistry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks connectivity to the SQLite database.
func (r *SQLiteRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	cp, err := newRecord(rec, r.opts.clock.Now())
	if err != nil {
		return err
	}
	attrs, err := json.Marshal(cp.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO objects (id, length, chunk_size, content_type, attributes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Length, cp.ChunkSize, cp.ContentType, string(attrs),
		string(cp.Status), formatTime(cp.CreatedAt), formatTime(cp.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return alreadyExists(cp.ID)
		}
		return fmt.Errorf("inserting object %s: %w", cp.ID, err)
	}
	return nil
}

func (r *SQLiteRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	if err := validateLength(length); err != nil {
		return err
	}
	return r.transition(ctx, id, StatusComplete, length)
}

func (r *SQLiteRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusFailed, -1)
}

func (r *SQLiteRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusDeleted, -1)
}

// transition applies a conditional status change. A negative length leaves
// the stored length unchanged.
func (r *SQLiteRegistry) transition(ctx context.Context, id string, to Status, length int64) error {
	now := formatTime(stamp(r.opts.clock.Now()))
	res, err := r.db.ExecContext(ctx, `
		UPDATE objects
		SET status = ?, updated_at = ?, length = CASE WHEN ? >= 0 THEN ? ELSE length END
		WHERE id = ? AND status = ?`,
		string(to), now, length, length, id, string(sourceStatus(to)),
	)
	if err != nil {
		return fmt.Errorf("updating object %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating object %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = checkTransition(id, cur.Status, to)
	return err
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, length, chunk_size, content_type, attributes, status, created_at, updated_at
		FROM objects WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", id, err)
	}
	return rec, nil
}

func (r *SQLiteRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	query := `SELECT id, length, chunk_size, content_type, attributes, status, created_at, updated_at FROM objects`
	var where []string
	var args []any
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if !opts.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(opts.UpdatedBefore))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	var out []ObjectRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objects: %w", err)
	}
	return out, nil
}

func (r *SQLiteRegistry) Purge(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM objects WHERE id = ? AND status IN (?, ?)",
		id, string(StatusFailed), string(StatusDeleted),
	)
	if err != nil {
		return fmt.Errorf("purging object %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		// Already gone.
		if errors.Is(err, reelerr.ErrNotFound) {
			return nil
		}
		return err
	}
	return checkPurge(id, cur.Status)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*ObjectRecord, error) {
	var (
		rec                  ObjectRecord
		attrs, status        string
		createdAt, updatedAt string
	)
	err := s.Scan(&rec.ID, &rec.Length, &rec.ChunkSize, &rec.ContentType, &attrs, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.Attributes = map[string]string{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decoding attributes of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// isUniqueViolation reports whether err is a SQLite primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY") ||
		strings.Contains(msg, "constraint failed: objects.id")
}
