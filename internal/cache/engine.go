// Package cache implements the two-tier persistent cache.
//
// Rows are split into a critical tier (workflow, rule, agent, template
// documents) that is never evicted and never counted against the size
// budget, and a dynamic tier (every other document plus all memories)
// bounded by MaxDynamicBytes with LRU eviction across both tables.
// Invalidation is push-driven; there is no TTL.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sidecache/sidecache/internal/metrics"
	"github.com/sidecache/sidecache/internal/store"
)

// now is a package-level var to allow test injection of the clock.
var now = time.Now

// criticalTypes identifies document types that belong to the critical
// tier. Criticality is derived from doc_type at insert time and never
// flipped in place.
var criticalTypes = map[string]bool{
	"workflow": true,
	"rule":     true,
	"agent":    true,
	"template": true,
}

// IsCriticalType reports whether docType places a document in the
// critical tier.
func IsCriticalType(docType string) bool { return criticalTypes[docType] }

// ─── Types ───────────────────────────────────────────────────────────────────

// Item is a cached row returned by the read path.
type Item struct {
	Kind           string            `json:"kind"` // "document" or "memory"
	DocType        string            `json:"doc_type,omitempty"`
	Name           string            `json:"name"`
	Project        string            `json:"project,omitempty"`
	Content        []byte            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CachedAt       int64             `json:"cached_at"`        // unix millis
	LastAccessedAt int64             `json:"last_accessed_at"` // unix millis
	IsCritical     bool              `json:"is_critical"`
	SizeBytes      int64             `json:"size_bytes"`
	AgeSeconds     int64             `json:"age_seconds"`
}

// Stats summarizes both tiers.
type Stats struct {
	CriticalCount int   `json:"critical_count"`
	CriticalBytes int64 `json:"critical_bytes"`
	DynamicCount  int   `json:"dynamic_count"`
	DynamicBytes  int64 `json:"dynamic_bytes"`
	TotalCount    int   `json:"total_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Engine serves reads, absorbs writes, enforces the dynamic-tier budget,
// and accepts push-driven invalidations. All public operations are safe
// under concurrent callers: each one runs inside a short transaction,
// and writes additionally serialize on a mutex so an insert and its
// eviction sweep are atomic with respect to other writers.
type Engine struct {
	db  *store.DB
	max int64
	log *zap.Logger

	mu sync.Mutex // serializes set/ensureCapacity pairs
}

// New creates an Engine over db with the given dynamic-tier budget.
func New(db *store.DB, maxDynamicBytes int64, log *zap.Logger) *Engine {
	return &Engine{db: db, max: maxDynamicBytes, log: log.Named("cache")}
}

// MaxDynamicBytes returns the configured dynamic-tier budget.
func (e *Engine) MaxDynamicBytes() int64 { return e.max }

// ─── Reads ───────────────────────────────────────────────────────────────────

// GetDocument looks up a document by its composite key. On hit it bumps
// last_accessed_at atomically with the read and returns the row plus its
// age. On miss it returns (nil, nil).
func (e *Engine) GetDocument(docType, name, project string) (*Item, error) {
	return e.get("document", `doc_type = ? AND name = ? AND project = ?`, docType, name, project)
}

// GetMemory looks up a memory by (name, project). Symmetric with
// GetDocument.
func (e *Engine) GetMemory(name, project string) (*Item, error) {
	return e.get("memory", `name = ? AND project = ?`, name, project)
}

func (e *Engine) get(kind, where string, args ...any) (*Item, error) {
	table := "documents"
	if kind == "memory" {
		table = "memories"
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("cache: begin read: %w", err)
	}
	defer tx.Rollback()

	ts := now().UnixMilli()

	// Bump the access time first, inside the same transaction as the
	// read, so a concurrent eviction cannot select a row that was just
	// observed.
	res, err := tx.Exec(`UPDATE `+table+` SET last_accessed_at = ? WHERE `+where, append([]any{ts}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("cache: touch %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		metrics.CacheMisses.WithLabelValues(kind).Inc()
		return nil, tx.Commit()
	}

	item := &Item{Kind: kind}
	var metaRaw string
	if kind == "document" {
		err = tx.QueryRow(
			`SELECT doc_type, name, project, content, metadata, cached_at, last_accessed_at, is_critical, size_bytes
			 FROM documents WHERE `+where, args...,
		).Scan(&item.DocType, &item.Name, &item.Project, &item.Content, &metaRaw,
			&item.CachedAt, &item.LastAccessedAt, &item.IsCritical, &item.SizeBytes)
	} else {
		err = tx.QueryRow(
			`SELECT name, project, content, metadata, cached_at, last_accessed_at, size_bytes
			 FROM memories WHERE `+where, args...,
		).Scan(&item.Name, &item.Project, &item.Content, &metaRaw,
			&item.CachedAt, &item.LastAccessedAt, &item.SizeBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cache: commit read: %w", err)
	}

	if metaRaw != "" && metaRaw != "{}" {
		if err := json.Unmarshal([]byte(metaRaw), &item.Metadata); err != nil {
			e.log.Warn("undecodable metadata", zap.String("kind", kind), zap.String("name", item.Name), zap.Error(err))
		}
	}

	age := (ts - item.CachedAt) / 1000
	if age < 0 {
		age = 0
	}
	item.AgeSeconds = age
	metrics.CacheHits.WithLabelValues(kind).Inc()
	return item, nil
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// SetDocument inserts or updates a document. Non-critical inserts make
// room in the dynamic tier first; the capacity sweep and the upsert run
// in one transaction so the budget is never observably exceeded beyond
// the single-item overshoot allowance.
func (e *Engine) SetDocument(docType, name string, content []byte, project string, metadata map[string]string) error {
	critical := criticalTypes[docType]
	size := int64(len(content))

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin write: %w", err)
	}
	defer tx.Rollback()

	if !critical {
		if err := e.ensureCapacity(tx, size); err != nil {
			return err
		}
	}

	ts := now().UnixMilli()
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO documents (doc_type, name, project, content, metadata, cached_at, last_accessed_at, is_critical, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_type, name, project) DO UPDATE SET
			content          = excluded.content,
			metadata         = excluded.metadata,
			cached_at        = excluded.cached_at,
			last_accessed_at = excluded.last_accessed_at,
			is_critical      = excluded.is_critical,
			size_bytes       = excluded.size_bytes`,
		docType, name, project, content, meta, ts, ts, boolInt(critical), size,
	)
	if err != nil {
		return fmt.Errorf("cache: upsert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit write: %w", err)
	}
	return nil
}

// SetMemory inserts or updates a memory. Memories are always dynamic.
func (e *Engine) SetMemory(name string, content []byte, project string, metadata map[string]string) error {
	size := int64(len(content))

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin write: %w", err)
	}
	defer tx.Rollback()

	if err := e.ensureCapacity(tx, size); err != nil {
		return err
	}

	ts := now().UnixMilli()
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO memories (name, project, content, metadata, cached_at, last_accessed_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, project) DO UPDATE SET
			content          = excluded.content,
			metadata         = excluded.metadata,
			cached_at        = excluded.cached_at,
			last_accessed_at = excluded.last_accessed_at,
			size_bytes       = excluded.size_bytes`,
		name, project, content, meta, ts, ts, size,
	)
	if err != nil {
		return fmt.Errorf("cache: upsert memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit write: %w", err)
	}
	return nil
}

// ─── Invalidation ────────────────────────────────────────────────────────────

// InvalidateDocument deletes a document by composite key. Deleting a
// missing row is not an error.
func (e *Engine) InvalidateDocument(docType, name, project string) error {
	_, err := e.db.Exec(
		`DELETE FROM documents WHERE doc_type = ? AND name = ? AND project = ?`,
		docType, name, project,
	)
	if err != nil {
		return fmt.Errorf("cache: invalidate document: %w", err)
	}
	return nil
}

// InvalidateMemory deletes a memory by (name, project). Idempotent.
func (e *Engine) InvalidateMemory(name, project string) error {
	_, err := e.db.Exec(`DELETE FROM memories WHERE name = ? AND project = ?`, name, project)
	if err != nil {
		return fmt.Errorf("cache: invalidate memory: %w", err)
	}
	return nil
}

// Clear removes the dynamic tier. With all set it removes the critical
// tier too.
func (e *Engine) Clear(all bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin clear: %w", err)
	}
	defer tx.Rollback()

	docFilter := ` WHERE is_critical = 0`
	if all {
		docFilter = ``
	}
	if _, err := tx.Exec(`DELETE FROM documents` + docFilter); err != nil {
		return fmt.Errorf("cache: clear documents: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM memories`); err != nil {
		return fmt.Errorf("cache: clear memories: %w", err)
	}
	return tx.Commit()
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns row counts and byte totals per tier.
func (e *Engine) Stats() (Stats, error) {
	var st Stats
	err := e.db.QueryRow(`
		SELECT
			COALESCE((SELECT COUNT(*)          FROM documents WHERE is_critical = 1), 0),
			COALESCE((SELECT SUM(size_bytes)   FROM documents WHERE is_critical = 1), 0),
			COALESCE((SELECT COUNT(*)          FROM documents WHERE is_critical = 0), 0)
				+ COALESCE((SELECT COUNT(*)        FROM memories), 0),
			COALESCE((SELECT SUM(size_bytes)   FROM documents WHERE is_critical = 0), 0)
				+ COALESCE((SELECT SUM(size_bytes) FROM memories), 0)`,
	).Scan(&st.CriticalCount, &st.CriticalBytes, &st.DynamicCount, &st.DynamicBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	st.TotalCount = st.CriticalCount + st.DynamicCount
	st.TotalBytes = st.CriticalBytes + st.DynamicBytes
	return st, nil
}

// LastAccessedAt returns the access timestamp of a document, or 0 when
// absent. Used by diagnostics and tests.
func (e *Engine) LastAccessedAt(docType, name, project string) (int64, error) {
	var ts int64
	err := e.db.QueryRow(
		`SELECT last_accessed_at FROM documents WHERE doc_type = ? AND name = ? AND project = ?`,
		docType, name, project,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return ts, err
}

// ─── Eviction ────────────────────────────────────────────────────────────────

// ensureCapacity frees room for required bytes in the dynamic tier.
// Victims are non-critical rows across both tables in ascending
// last_accessed_at order, ties broken by table then rowid. Critical rows
// are never inspected. A single item larger than the whole budget is
// still admitted: everything else dynamic is evicted and the tier
// overshoots by that one item.
func (e *Engine) ensureCapacity(tx *sql.Tx, required int64) error {
	var dynamic int64
	err := tx.QueryRow(`
		SELECT COALESCE((SELECT SUM(size_bytes) FROM documents WHERE is_critical = 0), 0)
		     + COALESCE((SELECT SUM(size_bytes) FROM memories), 0)`,
	).Scan(&dynamic)
	if err != nil {
		return fmt.Errorf("cache: dynamic total: %w", err)
	}

	if dynamic+required <= e.max {
		return nil
	}
	toEvict := dynamic + required - e.max

	rows, err := tx.Query(`
		SELECT kind, id, size_bytes FROM (
			SELECT 'document' AS kind, id, size_bytes, last_accessed_at FROM documents WHERE is_critical = 0
			UNION ALL
			SELECT 'memory' AS kind, id, size_bytes, last_accessed_at FROM memories
		)
		ORDER BY last_accessed_at ASC, kind ASC, id ASC`,
	)
	if err != nil {
		return fmt.Errorf("cache: select victims: %w", err)
	}

	type victim struct {
		kind string
		id   int64
		size int64
	}
	var victims []victim
	var freed int64
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.kind, &v.id, &v.size); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, v)
		freed += v.size
		if freed >= toEvict {
			break
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, v := range victims {
		table := "documents"
		if v.kind == "memory" {
			table = "memories"
		}
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE id = ?`, v.id); err != nil {
			return fmt.Errorf("cache: evict %s %d: %w", v.kind, v.id, err)
		}
		metrics.Evictions.Inc()
		metrics.EvictedBytes.Add(float64(v.size))
		e.log.Debug("evicted", zap.String("kind", v.kind), zap.Int64("id", v.id), zap.Int64("bytes", v.size))
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("cache: encode metadata: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
