// Package queue implements the durable write-ahead queue.
//
// Mutations performed while upstream is unreachable are appended here
// and replayed in submission order on reconnection. Retries are bounded:
// a row that keeps failing moves to a terminal failed bucket that only
// operator action (retry / clear) touches.
package queue

import (
	"context"
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

// DefaultMaxAttempts is the bounded-retry ceiling per row.
const DefaultMaxAttempts = 3

// Operation names the upstream mutation a queued row replays.
type Operation string

// Queueable operations. The names double as the upstream tool names.
const (
	OpCreateDocument Operation = "create_document"
	OpUpdateDocument Operation = "update_document"
	OpDeleteDocument Operation = "delete_document"
	OpSetMemory      Operation = "set_memory"
	OpUpdateMemory   Operation = "update_memory"
	OpDeleteMemory   Operation = "delete_memory"
)

// Row statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Row is one queued mutation.
type Row struct {
	ID            int64     `json:"id"`
	Operation     Operation `json:"operation"`
	Payload       []byte    `json:"payload"`
	CreatedAt     int64     `json:"created_at"` // unix millis
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt *int64    `json:"last_attempt_at,omitempty"`
	LastError     *string   `json:"last_error,omitempty"`
}

// Stats summarizes queue occupancy.
type Stats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// ReplayResult reports the outcome of one replay pass.
type ReplayResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// ApplyFunc sends one queued operation upstream. The queue classifies
// failure purely by returned error; there is no transport-aware logic
// here.
type ApplyFunc func(ctx context.Context, op Operation, payload []byte) error

// Queue is the durable FIFO of pending mutations.
type Queue struct {
	db          *store.DB
	maxAttempts int
	log         *zap.Logger

	mu        sync.Mutex
	replaying bool
}

// New creates a Queue. maxAttempts <= 0 selects DefaultMaxAttempts.
func New(db *store.DB, maxAttempts int, log *zap.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{db: db, maxAttempts: maxAttempts, log: log.Named("queue")}
}

// Enqueue appends a pending row. payload is serialized to JSON; the
// write is durable before Enqueue returns.
func (q *Queue) Enqueue(op Operation, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue: encode payload: %w", err)
	}
	res, err := q.db.Exec(
		`INSERT INTO sync_queue (operation, payload, created_at, status, attempts) VALUES (?, ?, ?, ?, 0)`,
		string(op), string(raw), now().UnixMilli(), StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	q.bumpDepthGauge()
	q.log.Info("queued operation", zap.String("operation", string(op)), zap.Int64("id", id))
	return id, nil
}

// PendingCount returns the number of rows waiting for replay.
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: pending count: %w", err)
	}
	return n, nil
}

// Replay sends every pending row upstream in submission order. If a
// pass is already running it returns zeros immediately. A failing row
// is retried on later passes until maxAttempts, then parked as failed;
// the pass itself always visits every originally-selected row.
func (q *Queue) Replay(ctx context.Context, apply ApplyFunc) (ReplayResult, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return ReplayResult{}, nil
	}
	q.replaying = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	rows, err := q.pendingRows()
	if err != nil {
		return ReplayResult{}, err
	}
	if len(rows) == 0 {
		return ReplayResult{}, nil
	}
	q.log.Info("replaying queued operations", zap.Int("count", len(rows)))

	var result ReplayResult
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := apply(ctx, r.Operation, r.Payload); err != nil {
			result.Failed++
			if markErr := q.markFailure(r, err); markErr != nil {
				return result, markErr
			}
			continue
		}
		result.Synced++
		if _, err := q.db.Exec(`UPDATE sync_queue SET status = ? WHERE id = ?`, StatusCompleted, r.ID); err != nil {
			return result, fmt.Errorf("queue: mark completed: %w", err)
		}
	}

	// Completed rows are only useful during the pass; drop them now.
	if _, err := q.db.Exec(`DELETE FROM sync_queue WHERE status = ?`, StatusCompleted); err != nil {
		return result, fmt.Errorf("queue: sweep completed: %w", err)
	}

	metrics.QueueReplays.Inc()
	q.bumpDepthGauge()
	q.log.Info("replay pass finished", zap.Int("synced", result.Synced), zap.Int("failed", result.Failed))
	return result, nil
}

func (q *Queue) pendingRows() ([]Row, error) {
	rows, err := q.db.Query(
		`SELECT id, operation, payload, created_at, status, attempts, last_attempt_at, last_error
		 FROM sync_queue WHERE status = ? ORDER BY created_at ASC, id ASC`, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: select pending: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (q *Queue) markFailure(r Row, cause error) error {
	attempts := r.Attempts + 1
	status := StatusPending
	if attempts >= q.maxAttempts {
		status = StatusFailed
		q.log.Warn("operation failed permanently",
			zap.Int64("id", r.ID), zap.String("operation", string(r.Operation)), zap.Error(cause))
	}
	_, err := q.db.Exec(
		`UPDATE sync_queue SET attempts = ?, last_attempt_at = ?, last_error = ?, status = ? WHERE id = ?`,
		attempts, now().UnixMilli(), cause.Error(), status, r.ID,
	)
	if err != nil {
		return fmt.Errorf("queue: mark failure: %w", err)
	}
	return nil
}

// ─── Operator surface ────────────────────────────────────────────────────────

// ListFailed returns the terminal-failure bucket, oldest first.
func (q *Queue) ListFailed() ([]Row, error) {
	rows, err := q.db.Query(
		`SELECT id, operation, payload, created_at, status, attempts, last_attempt_at, last_error
		 FROM sync_queue WHERE status = ? ORDER BY created_at ASC, id ASC`, StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: select failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Retry resets a failed row back to pending with a clean attempt count.
func (q *Queue) Retry(id int64) error {
	res, err := q.db.Exec(
		`UPDATE sync_queue SET status = ?, attempts = 0, last_error = NULL WHERE id = ? AND status = ?`,
		StatusPending, id, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue: no failed row with id %d", id)
	}
	q.bumpDepthGauge()
	return nil
}

// ClearFailed deletes the whole failed bucket and returns the count.
func (q *Queue) ClearFailed() (int64, error) {
	res, err := q.db.Exec(`DELETE FROM sync_queue WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("queue: clear failed: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns pending/failed/total row counts.
func (q *Queue) Stats() (Stats, error) {
	var st Stats
	err := q.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed'  THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM sync_queue`,
	).Scan(&st.Pending, &st.Failed, &st.Total)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return st, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (q *Queue) bumpDepthGauge() {
	if n, err := q.PendingCount(); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRows(rows rowScanner) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var payload string
		if err := rows.Scan(&r.ID, &r.Operation, &payload, &r.CreatedAt, &r.Status,
			&r.Attempts, &r.LastAttemptAt, &r.LastError); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}
