package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sidecache/sidecache/internal/store"
)

func TestOpen_CreatesDirAndDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")

	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.Path() != filepath.Join(dir, store.FileName) {
		t.Errorf("path = %s", db.Path())
	}
	if _, err := os.Stat(db.Path()); err != nil {
		t.Errorf("database file missing: %v", err)
	}

	// All schema objects exist.
	for _, table := range []string{"documents", "memories", "sync_queue", "connection_log", "schema_migrations"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO documents (doc_type, name, content, cached_at, last_accessed_at, size_bytes)
		 VALUES ('frd', 'doc', 'x', 1, 1, 1)`,
	); err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Reopening must not rerun migrations or disturb data.
	db, err = store.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("documents = %d after reopen, want 1", n)
	}

	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestRecordHealth_RecentHealth(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.RecordHealth(1000, "connected", 12, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordHealth(2000, "reconnecting", 0, "dial refused"); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordHealth(3000, "connected", 8, ""); err != nil {
		t.Fatal(err)
	}

	entries, err := db.RecentHealth(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Timestamp != 3000 || entries[0].State != "connected" || entries[0].LatencyMs != 8 {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].State != "reconnecting" || entries[1].Error != "dial refused" {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	// limit <= 0 falls back to a sane default rather than zero rows.
	entries, err = db.RecentHealth(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d with default limit, want 3", len(entries))
	}
}
