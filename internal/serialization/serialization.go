// Package serialization exports and imports the object registry of a SQLite
// metadata database as JSON.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/uid"
)

// ExportVersion is the version of the export document format.
const ExportVersion = 1

const timeFormat = "2006-01-02T15:04:05.000Z"

// Envelope describes an export document.
type Envelope struct {
	Version       int    `json:"version"`
	ExportedAt    string `json:"exported_at"`
	SchemaVersion int    `json:"schema_version"`
	Source        string `json:"source"`
}

// ObjectRow is one row of the objects table. Timestamps are kept in their
// stored text form.
type ObjectRow struct {
	ID          string            `json:"id"`
	Length      int64             `json:"length"`
	ChunkSize   int64             `json:"chunk_size"`
	ContentType string            `json:"content_type"`
	Attributes  map[string]string `json:"attributes"`
	Status      metadata.Status   `json:"status"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// Document is the JSON export of a metadata database.
type Document struct {
	Export  Envelope    `json:"reelstore_export"`
	Objects []ObjectRow `json:"objects"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	// Statuses limits the export to records in these states. Empty means
	// every record.
	Statuses []metadata.Status
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes every existing record before inserting. Otherwise
	// records whose id already exists are kept and the imported row skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
	Warnings []string
}

// ExportMetadata exports the objects table of the SQLite database at dbPath
// to an indented JSON document.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	doc := Document{
		Export: Envelope{
			Version:       ExportVersion,
			ExportedAt:    time.Now().UTC().Format(timeFormat),
			SchemaVersion: getSchemaVersion(db),
			Source:        "reelstore",
		},
		Objects: make([]ObjectRow, 0),
	}

	query := "SELECT id, length, chunk_size, content_type, attributes, status, created_at, updated_at FROM objects"
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return "", fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row ObjectRow
		var attrs string
		if err := rows.Scan(&row.ID, &row.Length, &row.ChunkSize, &row.ContentType, &attrs, &row.Status, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return "", fmt.Errorf("scanning objects row: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &row.Attributes); err != nil {
			return "", fmt.Errorf("decoding attributes of %s: %w", row.ID, err)
		}
		doc.Objects = append(doc.Objects, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating objects: %w", err)
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ImportMetadata imports an export document into the SQLite database at
// dbPath, creating the schema if needed. Invalid rows are skipped with a
// warning; the rest are inserted in one transaction.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", doc.Export.Version)
	}

	// Opening a registry creates the schema on a fresh database.
	reg, err := metadata.NewSQLiteRegistry(dbPath)
	if err != nil {
		return nil, err
	}
	if err := reg.Close(); err != nil {
		return nil, fmt.Errorf("closing registry: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		if _, err := tx.Exec("DELETE FROM objects"); err != nil {
			return nil, fmt.Errorf("deleting objects: %w", err)
		}
	}

	result := &ImportResult{}
	for _, row := range doc.Objects {
		if err := validateRow(row); err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped object %q: %v", row.ID, err))
			continue
		}
		if row.Status == metadata.StatusUploading {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Object %q is still uploading and will be reaped", row.ID))
		}

		attrs := row.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrsJSON, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encoding attributes of %s: %w", row.ID, err)
		}
		contentType := row.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		res, err := tx.Exec(
			`INSERT OR IGNORE INTO objects (id, length, chunk_size, content_type, attributes, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.Length, row.ChunkSize, contentType, string(attrsJSON), string(row.Status), row.CreatedAt, row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting object %s: %w", row.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Imported++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

// validateRow rejects rows a registry could not have written.
func validateRow(row ObjectRow) error {
	if !uid.Valid(row.ID) {
		return fmt.Errorf("invalid id")
	}
	if !row.Status.Valid() {
		return fmt.Errorf("unknown status %q", row.Status)
	}
	if row.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if row.Status == metadata.StatusComplete && row.Length < 0 {
		return fmt.Errorf("complete object has no length")
	}
	for _, ts := range []string{row.CreatedAt, row.UpdatedAt} {
		if _, err := time.Parse(timeFormat, ts); err != nil {
			return fmt.Errorf("bad timestamp %q", ts)
		}
	}
	return nil
}

func getSchemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}
