package serialization

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/reelstore/reelstore/internal/metadata"
)

// seedDB creates a registry database holding one object in each state.
func seedDB(t *testing.T, dir string) string {
	t.Helper()
	dbPath := filepath.Join(dir, "metadata.db")
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg, err := metadata.NewSQLiteRegistry(dbPath, metadata.WithClock(clock))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer reg.Close()

	ctx := context.Background()
	begin := func(id string, attrs map[string]string) {
		rec := &metadata.ObjectRecord{ID: id, ChunkSize: 4, ContentType: "text/plain", Attributes: attrs}
		if err := reg.BeginUpload(ctx, rec); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
	}
	begin("complete", map[string]string{"owner": "alice", "tag": "x"})
	begin("uploading", nil)
	begin("failed", nil)
	begin("deleted", nil)

	if err := reg.CompleteUpload(ctx, "complete", 10); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := reg.MarkFailed(ctx, "failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := reg.CompleteUpload(ctx, "deleted", 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := reg.MarkDeleted(ctx, "deleted"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	return dbPath
}

func exportDoc(t *testing.T, dbPath string, opts *ExportOptions) Document {
	t.Helper()
	out, err := ExportMetadata(dbPath, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func TestExportAllObjects(t *testing.T) {
	dbPath := seedDB(t, t.TempDir())
	doc := exportDoc(t, dbPath, nil)

	if doc.Export.Version != ExportVersion {
		t.Errorf("expected version %d, got %d", ExportVersion, doc.Export.Version)
	}
	if doc.Export.Source != "reelstore" {
		t.Errorf("expected source reelstore, got %q", doc.Export.Source)
	}
	if len(doc.Objects) != 4 {
		t.Fatalf("expected 4 objects, got %d", len(doc.Objects))
	}

	var ids []string
	for _, row := range doc.Objects {
		ids = append(ids, row.ID)
	}
	if got := strings.Join(ids, ","); got != "complete,deleted,failed,uploading" {
		t.Errorf("expected objects ordered by id, got %s", got)
	}

	row := doc.Objects[0]
	if row.Length != 10 || row.ChunkSize != 4 || row.Status != metadata.StatusComplete {
		t.Errorf("unexpected complete row: %+v", row)
	}
	if row.Attributes["owner"] != "alice" {
		t.Errorf("expected attributes to be decoded, got %v", row.Attributes)
	}
	if row.CreatedAt != "2026-03-01T12:00:00.000Z" {
		t.Errorf("unexpected created_at %q", row.CreatedAt)
	}
	if up := doc.Objects[3]; up.Length != -1 {
		t.Errorf("expected uploading length -1, got %d", up.Length)
	}
}

func TestExportStatusFilter(t *testing.T) {
	dbPath := seedDB(t, t.TempDir())
	doc := exportDoc(t, dbPath, &ExportOptions{
		Statuses: []metadata.Status{metadata.StatusComplete, metadata.StatusFailed},
	})
	if len(doc.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(doc.Objects))
	}
	if doc.Objects[0].ID != "complete" || doc.Objects[1].ID != "failed" {
		t.Errorf("unexpected objects: %+v", doc.Objects)
	}
}

func TestExportEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	reg, err := metadata.NewSQLiteRegistry(dbPath)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	reg.Close()

	out, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, `"objects": []`) {
		t.Errorf("expected empty objects array, got %s", out)
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := seedDB(t, dir)
	out, err := ExportMetadata(src, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := filepath.Join(dir, "restored.db")
	result, err := ImportMetadata(dst, out, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 4 || result.Skipped != 0 {
		t.Errorf("expected 4 imported, got %+v", result)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "uploading") {
		t.Errorf("expected one warning about the uploading object, got %v", result.Warnings)
	}

	reg, err := metadata.NewSQLiteRegistry(dst)
	if err != nil {
		t.Fatalf("open restored registry: %v", err)
	}
	defer reg.Close()
	rec, err := reg.Get(context.Background(), "complete")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Length != 10 || rec.Status != metadata.StatusComplete || rec.Attributes["tag"] != "x" {
		t.Errorf("unexpected restored record: %+v", rec)
	}
	if !rec.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected created_at %v", rec.CreatedAt)
	}

	again, err := ExportMetadata(dst, nil)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	var a, b Document
	json.Unmarshal([]byte(out), &a)
	json.Unmarshal([]byte(again), &b)
	if len(a.Objects) != len(b.Objects) {
		t.Fatalf("object count changed: %d vs %d", len(a.Objects), len(b.Objects))
	}
	for i := range a.Objects {
		if a.Objects[i].ID != b.Objects[i].ID || a.Objects[i].UpdatedAt != b.Objects[i].UpdatedAt {
			t.Errorf("row %d differs: %+v vs %+v", i, a.Objects[i], b.Objects[i])
		}
	}
}

func TestImportMergeKeepsExisting(t *testing.T) {
	dbPath := seedDB(t, t.TempDir())
	doc := `{
		"reelstore_export": {"version": 1},
		"objects": [
			{"id": "complete", "length": 99, "chunk_size": 8, "status": "complete",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"},
			{"id": "fresh", "length": 5, "chunk_size": 8, "status": "complete",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"}
		]
	}`
	result, err := ImportMetadata(dbPath, doc, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 || result.Skipped != 1 {
		t.Errorf("expected 1 imported and 1 skipped, got %+v", result)
	}

	reg, err := metadata.NewSQLiteRegistry(dbPath)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	rec, err := reg.Get(context.Background(), "complete")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Length != 10 {
		t.Errorf("expected existing record to be kept, got length %d", rec.Length)
	}
	fresh, err := reg.Get(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.ContentType != "application/octet-stream" {
		t.Errorf("expected default content type, got %q", fresh.ContentType)
	}
}

func TestImportReplace(t *testing.T) {
	dbPath := seedDB(t, t.TempDir())
	doc := `{
		"reelstore_export": {"version": 1},
		"objects": [
			{"id": "only", "length": 1, "chunk_size": 4, "status": "complete",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"}
		]
	}`
	result, err := ImportMetadata(dbPath, doc, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("expected 1 imported, got %+v", result)
	}

	out := exportDoc(t, dbPath, nil)
	if len(out.Objects) != 1 || out.Objects[0].ID != "only" {
		t.Errorf("expected only the imported object, got %+v", out.Objects)
	}
}

func TestImportSkipsInvalidRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	doc := `{
		"reelstore_export": {"version": 1},
		"objects": [
			{"id": "bad id", "length": 1, "chunk_size": 4, "status": "complete",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"},
			{"id": "odd", "length": 1, "chunk_size": 4, "status": "archived",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"},
			{"id": "zero", "length": 1, "chunk_size": 0, "status": "complete",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"},
			{"id": "nolength", "length": -1, "chunk_size": 4, "status": "complete",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"},
			{"id": "when", "length": 1, "chunk_size": 4, "status": "complete",
			 "created_at": "yesterday", "updated_at": "2026-04-01T00:00:00.000Z"},
			{"id": "good", "length": 1, "chunk_size": 4, "status": "failed",
			 "created_at": "2026-04-01T00:00:00.000Z", "updated_at": "2026-04-01T00:00:00.000Z"}
		]
	}`
	result, err := ImportMetadata(dbPath, doc, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 || result.Skipped != 5 {
		t.Errorf("expected 1 imported and 5 skipped, got %+v", result)
	}
	if len(result.Warnings) != 5 {
		t.Errorf("expected 5 warnings, got %v", result.Warnings)
	}
}

func TestImportRejectsBadDocuments(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "{"},
		{"missing envelope", `{"objects": []}`},
		{"future version", `{"reelstore_export": {"version": 2}, "objects": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ImportMetadata(dbPath, tt.doc, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
