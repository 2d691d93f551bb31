// Package store owns the embedded SQLite database shared by the cache
// engine, the write queue, and the connection log.
//
// All persistent state lives in a single file under the configured cache
// directory. The database is opened in WAL mode so that a crash loses at
// most the in-flight transaction. Schema changes are applied through a
// numbered migration sequence tracked in schema_migrations; reapplying is
// a no-op, so startup is always safe on an existing file.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// FileName is the name of the database file inside the cache directory.
const FileName = "sidecache.db"

// DB wraps the shared SQLite handle. The sql.DB is embedded so callers
// use the database/sql API directly; DB only adds lifecycle and the
// connection-log helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates the cache directory if needed, opens the database with
// WAL mode, and applies pending migrations. A migration failure is fatal
// to the caller — the schema must be consistent before anything else runs.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create cache dir: %w", err)
	}

	path := filepath.Join(dir, FileName)
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &DB{DB: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Path returns the filesystem path of the database file.
func (d *DB) Path() string { return d.path }

// ─── Migrations ──────────────────────────────────────────────────────────────

// migrations is the ordered schema history. Entries are append-only:
// never edit an applied migration, add a new one.
var migrations = []string{
	// 1: core tables — cached documents, cached memories, durable write queue.
	`
	CREATE TABLE IF NOT EXISTS documents (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_type         TEXT    NOT NULL,
		name             TEXT    NOT NULL,
		project          TEXT    NOT NULL DEFAULT '',
		content          BLOB    NOT NULL,
		metadata         TEXT    NOT NULL DEFAULT '{}',
		cached_at        INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		is_critical      INTEGER NOT NULL DEFAULT 0,
		size_bytes       INTEGER NOT NULL,
		UNIQUE (doc_type, name, project)
	);

	CREATE INDEX IF NOT EXISTS idx_docs_lru ON documents(is_critical, last_accessed_at, id);

	CREATE TABLE IF NOT EXISTS memories (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		name             TEXT    NOT NULL,
		project          TEXT    NOT NULL DEFAULT '',
		content          BLOB    NOT NULL,
		metadata         TEXT    NOT NULL DEFAULT '{}',
		cached_at        INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		size_bytes       INTEGER NOT NULL,
		UNIQUE (name, project)
	);

	CREATE INDEX IF NOT EXISTS idx_mem_lru ON memories(last_accessed_at, id);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		operation       TEXT    NOT NULL,
		payload         TEXT    NOT NULL,
		created_at      INTEGER NOT NULL,
		status          TEXT    NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		last_error      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, created_at, id);
	`,
	// 2: best-effort connection health log.
	`
	CREATE TABLE IF NOT EXISTS connection_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         INTEGER NOT NULL,
		state      TEXT    NOT NULL,
		latency_ms INTEGER,
		error      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_connlog_ts ON connection_log(ts DESC);
	`,
}

func (d *DB) migrate() error {
	if _, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return err
	}

	var current int
	if err := d.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for v := current; v < len(migrations); v++ {
		tx, err := d.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

// ─── Connection log ──────────────────────────────────────────────────────────

// HealthEntry is one row of the connection health log.
type HealthEntry struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	State     string `json:"state"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// RecordHealth appends a connection-log row. Best effort: the returned
// error is informational and callers may drop it.
func (d *DB) RecordHealth(ts int64, state string, latencyMs int64, errMsg string) error {
	_, err := d.Exec(
		`INSERT INTO connection_log (ts, state, latency_ms, error) VALUES (?, ?, ?, ?)`,
		ts, state, latencyMs, nullableString(errMsg),
	)
	return err
}

// RecentHealth returns the most recent connection-log rows, newest first.
func (d *DB) RecentHealth(limit int) ([]HealthEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.Query(
		`SELECT id, ts, state, COALESCE(latency_ms, 0), COALESCE(error, '')
		 FROM connection_log ORDER BY ts DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthEntry
	for rows.Next() {
		var e HealthEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.State, &e.LatencyMs, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
