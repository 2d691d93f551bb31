// Package dispatch fuses the static tool catalog, the cache engine, the
// write queue, the upstream client, and the connection supervisor into
// the uniform response envelope every tool call returns.
//
// No exception escapes this boundary: every path, including store
// failures and upstream errors, terminates in a well-formed envelope
// whose _metadata.status reflects the supervisor's current state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sidecache/sidecache/internal/cache"
	"github.com/sidecache/sidecache/internal/conn"
	"github.com/sidecache/sidecache/internal/queue"
	"github.com/sidecache/sidecache/internal/store"
	"github.com/sidecache/sidecache/internal/upstream"
)

// HealthReader exposes the connection log to the cache_status tool.
// Optional; a nil reader omits the history section.
type HealthReader interface {
	RecentHealth(limit int) ([]store.HealthEntry, error)
}

// Options tunes dispatcher behavior.
type Options struct {
	// Preload lists document-type plurals fetched after each reconnect
	// (e.g. "workflows", "rules").
	Preload []string
}

// Dispatcher routes each tool invocation through the right combination
// of cache, write queue, and upstream.
type Dispatcher struct {
	cache   *cache.Engine
	queue   *queue.Queue
	up      upstream.Client
	sup     *conn.Supervisor
	health  HealthReader
	preload []string
	log     *zap.Logger
}

// New wires a Dispatcher and subscribes it to the supervisor's
// connected event, which triggers queue replay and the preload sweep.
// Call before Supervisor.Start so no transition is missed.
func New(c *cache.Engine, q *queue.Queue, up upstream.Client, sup *conn.Supervisor, health HealthReader, opts Options, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cache:   c,
		queue:   q,
		up:      up,
		sup:     sup,
		health:  health,
		preload: opts.Preload,
		log:     log.Named("dispatch"),
	}
	// Weak callback: the supervisor holds the hook, not the dispatcher,
	// so no ownership cycle forms.
	sup.Subscribe(conn.Hooks{
		Connected: func(time.Duration) { d.OnConnected() },
	})
	return d
}

// Call handles one tool invocation and always returns an envelope.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) Envelope {
	callID := uuid.NewString()
	log := d.log.With(zap.String("call_id", callID), zap.String("tool", name))
	log.Debug("dispatching", zap.String("status", d.status()))

	switch kindOf(name) {
	case KindCachedRead:
		return d.read(ctx, name, args, log)
	case KindWrite:
		return d.write(ctx, name, args, log)
	case KindLocal:
		return d.local(ctx, name, args, log)
	default:
		return d.passThrough(ctx, name, args, log)
	}
}

// status maps the supervisor state into the envelope vocabulary.
func (d *Dispatcher) status() string {
	return string(d.sup.State())
}

func (d *Dispatcher) meta(source string) Metadata {
	return Metadata{Source: source, Status: d.status()}
}

// ─── Read path ───────────────────────────────────────────────────────────────

func (d *Dispatcher) read(ctx context.Context, name string, args map[string]any, log *zap.Logger) Envelope {
	project := getString(args, "project")

	switch name {
	case "get_workflow":
		wf := getString(args, "name")
		if wf == "" {
			return d.badRequest("'name' is required")
		}
		return d.readDocument(ctx, "workflow", wf, project, log)
	case "get_document":
		docType := getString(args, "doc_type")
		docName := getString(args, "name")
		if docType == "" || docName == "" {
			return d.badRequest("'doc_type' and 'name' are required")
		}
		return d.readDocument(ctx, docType, docName, project, log)
	case "get_memory":
		memName := getString(args, "name")
		if memName == "" {
			return d.badRequest("'name' is required")
		}
		return d.readMemory(ctx, memName, project, log)
	}
	return d.badRequest("unknown read tool " + name)
}

func (d *Dispatcher) readDocument(ctx context.Context, docType, name, project string, log *zap.Logger) Envelope {
	item, err := d.cache.GetDocument(docType, name, project)
	if err != nil {
		return d.storeError(err)
	}
	if item != nil {
		log.Debug("cache hit", zap.Int64("age_seconds", item.AgeSeconds))
		return Envelope{
			Data:     documentData(docType, name, project, string(item.Content), item.Metadata),
			Metadata: Metadata{Source: SourceCache, AgeSeconds: agePtr(item.AgeSeconds), Status: d.status()},
		}
	}

	var doc *upstream.Document
	err = d.sup.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		doc, ferr = d.up.FetchDocument(ctx, docType, name, project)
		return ferr
	})
	if err != nil {
		log.Debug("cache miss, upstream unavailable", zap.Error(err))
		return d.unavailable(docType == "workflow")
	}

	if err := d.cache.SetDocument(doc.DocType, doc.Name, []byte(doc.Content), doc.Project, doc.Metadata); err != nil {
		// The fetch succeeded; a failed cache fill should not fail the
		// read.
		log.Warn("cache fill failed", zap.Error(err))
	}
	return Envelope{
		Data:     documentData(doc.DocType, doc.Name, doc.Project, doc.Content, doc.Metadata),
		Metadata: d.meta(SourceLive),
	}
}

func (d *Dispatcher) readMemory(ctx context.Context, name, project string, log *zap.Logger) Envelope {
	item, err := d.cache.GetMemory(name, project)
	if err != nil {
		return d.storeError(err)
	}
	if item != nil {
		log.Debug("cache hit", zap.Int64("age_seconds", item.AgeSeconds))
		return Envelope{
			Data:     memoryData(name, project, string(item.Content), item.Metadata),
			Metadata: Metadata{Source: SourceCache, AgeSeconds: agePtr(item.AgeSeconds), Status: d.status()},
		}
	}

	var mem *upstream.Memory
	err = d.sup.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		mem, ferr = d.up.FetchMemory(ctx, name, project)
		return ferr
	})
	if err != nil {
		log.Debug("cache miss, upstream unavailable", zap.Error(err))
		return d.unavailable(false)
	}

	if err := d.cache.SetMemory(mem.Name, []byte(mem.Content), mem.Project, mem.Metadata); err != nil {
		log.Warn("cache fill failed", zap.Error(err))
	}
	return Envelope{
		Data:     memoryData(mem.Name, mem.Project, mem.Content, mem.Metadata),
		Metadata: d.meta(SourceLive),
	}
}

// ─── Write path ──────────────────────────────────────────────────────────────

func (d *Dispatcher) write(ctx context.Context, name string, args map[string]any, log *zap.Logger) Envelope {
	project := getString(args, "project")
	metadata := getMetadata(args)

	var (
		localErr error
		send     func(ctx context.Context) error
		op       queue.Operation
		payload  any
	)

	switch name {
	case "create_document", "update_document":
		docType := getString(args, "doc_type")
		docName := getString(args, "name")
		content := getString(args, "content")
		if docType == "" || docName == "" {
			return d.badRequest("'doc_type' and 'name' are required")
		}
		doc := upstream.Document{DocType: docType, Name: docName, Project: project, Content: content, Metadata: metadata}
		localErr = d.cache.SetDocument(docType, docName, []byte(content), project, metadata)
		if name == "create_document" {
			op, send = queue.OpCreateDocument, func(ctx context.Context) error { return d.up.CreateDocument(ctx, doc) }
		} else {
			op, send = queue.OpUpdateDocument, func(ctx context.Context) error { return d.up.UpdateDocument(ctx, doc) }
		}
		payload = doc

	case "delete_document":
		docType := getString(args, "doc_type")
		docName := getString(args, "name")
		if docType == "" || docName == "" {
			return d.badRequest("'doc_type' and 'name' are required")
		}
		localErr = d.cache.InvalidateDocument(docType, docName, project)
		op = queue.OpDeleteDocument
		send = func(ctx context.Context) error { return d.up.DeleteDocument(ctx, docType, docName, project) }
		payload = upstream.Document{DocType: docType, Name: docName, Project: project}

	case "set_memory", "update_memory":
		memName := getString(args, "name")
		content := getString(args, "content")
		if memName == "" {
			return d.badRequest("'name' is required")
		}
		mem := upstream.Memory{Name: memName, Project: project, Content: content, Metadata: metadata}
		localErr = d.cache.SetMemory(memName, []byte(content), project, metadata)
		if name == "set_memory" {
			op, send = queue.OpSetMemory, func(ctx context.Context) error { return d.up.SetMemory(ctx, mem) }
		} else {
			op, send = queue.OpUpdateMemory, func(ctx context.Context) error { return d.up.UpdateMemory(ctx, mem) }
		}
		payload = mem

	case "delete_memory":
		memName := getString(args, "name")
		if memName == "" {
			return d.badRequest("'name' is required")
		}
		localErr = d.cache.InvalidateMemory(memName, project)
		op = queue.OpDeleteMemory
		send = func(ctx context.Context) error { return d.up.DeleteMemory(ctx, memName, project) }
		payload = upstream.Memory{Name: memName, Project: project}

	default:
		return d.badRequest("unknown write tool " + name)
	}

	if localErr != nil {
		return d.storeError(localErr)
	}

	// Local state is updated; now try upstream, falling back to the
	// durable queue on any failure.
	if err := d.sup.Execute(ctx, send); err == nil {
		log.Info("write applied upstream", zap.String("operation", string(op)))
		return Envelope{
			Data:     map[string]any{"success": true},
			Metadata: d.meta(SourceLive),
		}
	}

	if _, err := d.queue.Enqueue(op, payload); err != nil {
		return d.storeError(err)
	}
	log.Info("write queued for sync", zap.String("operation", string(op)))
	return Envelope{
		Data: map[string]any{"success": true, "queued": true},
		Metadata: Metadata{
			Source:  SourceCache,
			Status:  d.status(),
			Warning: QueuedWarning,
		},
	}
}

// ─── Pass-through path ───────────────────────────────────────────────────────

func (d *Dispatcher) passThrough(ctx context.Context, name string, args map[string]any, log *zap.Logger) Envelope {
	if d.sup.State() != conn.StateConnected {
		log.Debug("pass-through rejected offline")
		return Envelope{
			Error: &ErrorInfo{
				Code:    CodeOffline,
				Message: fmt.Sprintf("tool %q requires a live upstream connection", name),
				Suggestions: []string{
					"check that the upstream server is reachable",
					"wait for automatic reconnection and retry",
					"cached tools (get_workflow, get_document, get_memory) work offline",
				},
			},
			Metadata: Metadata{Status: d.status()},
		}
	}

	var text string
	err := d.sup.Execute(ctx, func(ctx context.Context) error {
		var cerr error
		text, cerr = d.up.CallTool(ctx, name, args)
		return cerr
	})
	if err != nil {
		log.Warn("pass-through failed", zap.Error(err))
		return Envelope{
			Error:    &ErrorInfo{Code: CodeToolError, Message: err.Error()},
			Metadata: Metadata{Status: d.status()},
		}
	}

	// Surface structured results structurally when upstream returned
	// JSON; otherwise pass the raw text along.
	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		data = text
	}
	return Envelope{Data: data, Metadata: d.meta(SourceLive)}
}

// ─── Local diagnostics ───────────────────────────────────────────────────────

func (d *Dispatcher) local(ctx context.Context, name string, args map[string]any, log *zap.Logger) Envelope {
	switch name {
	case "cache_status":
		return d.cacheStatus()
	case "cache_clear":
		all := getBool(args, "all")
		if err := d.cache.Clear(all); err != nil {
			return d.storeError(err)
		}
		log.Info("cache cleared", zap.Bool("all", all))
		return Envelope{Data: map[string]any{"success": true, "cleared_critical": all}, Metadata: d.meta(SourceCache)}
	case "sync_retry":
		return d.syncRetry(ctx, args, log)
	}
	return d.badRequest("unknown local tool " + name)
}

func (d *Dispatcher) cacheStatus() Envelope {
	cacheStats, err := d.cache.Stats()
	if err != nil {
		return d.storeError(err)
	}
	queueStats, err := d.queue.Stats()
	if err != nil {
		return d.storeError(err)
	}

	data := map[string]any{
		"connection": map[string]any{
			"status":   d.status(),
			"attempts": d.sup.Attempts(),
		},
		"cache": cacheStats,
		"queue": queueStats,
	}
	if d.health != nil {
		if entries, err := d.health.RecentHealth(10); err == nil {
			data["recent_connections"] = entries
		}
	}
	return Envelope{Data: data, Metadata: d.meta(SourceCache)}
}

func (d *Dispatcher) syncRetry(ctx context.Context, args map[string]any, log *zap.Logger) Envelope {
	if getBool(args, "clear_failed") {
		n, err := d.queue.ClearFailed()
		if err != nil {
			return d.storeError(err)
		}
		return Envelope{Data: map[string]any{"success": true, "cleared": n}, Metadata: d.meta(SourceCache)}
	}

	if id, ok := getNumber(args, "id"); ok {
		if err := d.queue.Retry(int64(id)); err != nil {
			return Envelope{
				Error:    &ErrorInfo{Code: CodeToolError, Message: err.Error()},
				Metadata: Metadata{Status: d.status()},
			}
		}
	}

	result, err := d.queue.Replay(ctx, d.applyQueued)
	if err != nil {
		return Envelope{
			Error:    &ErrorInfo{Code: CodeToolError, Message: err.Error()},
			Metadata: Metadata{Status: d.status()},
		}
	}
	log.Info("operator replay", zap.Int("synced", result.Synced), zap.Int("failed", result.Failed))
	return Envelope{Data: result, Metadata: d.meta(SourceCache)}
}

// ─── Sync on reconnect ───────────────────────────────────────────────────────

// OnConnected is invoked by the supervisor's connected event. It fires
// the queue replay and the preload sweep as asynchronous tasks.
func (d *Dispatcher) OnConnected() {
	go func() {
		ctx := context.Background()
		result, err := d.queue.Replay(ctx, d.applyQueued)
		if err != nil {
			d.log.Warn("replay after reconnect failed", zap.Error(err))
		} else if result.Synced+result.Failed > 0 {
			d.log.Info("replayed queued writes", zap.Int("synced", result.Synced), zap.Int("failed", result.Failed))
		}
	}()
	go d.preloadSweep(context.Background())
}

// applyQueued maps a queued row back onto the upstream client.
func (d *Dispatcher) applyQueued(ctx context.Context, op queue.Operation, payload []byte) error {
	switch op {
	case queue.OpCreateDocument, queue.OpUpdateDocument, queue.OpDeleteDocument:
		var doc upstream.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("dispatch: decode queued document: %w", err)
		}
		switch op {
		case queue.OpCreateDocument:
			return d.up.CreateDocument(ctx, doc)
		case queue.OpUpdateDocument:
			return d.up.UpdateDocument(ctx, doc)
		default:
			return d.up.DeleteDocument(ctx, doc.DocType, doc.Name, doc.Project)
		}
	case queue.OpSetMemory, queue.OpUpdateMemory, queue.OpDeleteMemory:
		var mem upstream.Memory
		if err := json.Unmarshal(payload, &mem); err != nil {
			return fmt.Errorf("dispatch: decode queued memory: %w", err)
		}
		switch op {
		case queue.OpSetMemory:
			return d.up.SetMemory(ctx, mem)
		case queue.OpUpdateMemory:
			return d.up.UpdateMemory(ctx, mem)
		default:
			return d.up.DeleteMemory(ctx, mem.Name, mem.Project)
		}
	}
	return fmt.Errorf("dispatch: unknown queued operation %q", op)
}

// preloadSweep refreshes the configured critical document lists after a
// reconnect. Failures are logged and skipped; the sweep is best effort.
func (d *Dispatcher) preloadSweep(ctx context.Context) {
	for _, kind := range d.preload {
		docType := strings.TrimSuffix(kind, "s")
		docs, err := d.up.ListDocuments(ctx, docType, "")
		if err != nil {
			d.log.Warn("preload list failed", zap.String("doc_type", docType), zap.Error(err))
			continue
		}
		for _, doc := range docs {
			if doc.DocType == "" {
				doc.DocType = docType
			}
			if doc.Name == "" {
				continue
			}
			if err := d.cache.SetDocument(doc.DocType, doc.Name, []byte(doc.Content), doc.Project, doc.Metadata); err != nil {
				d.log.Warn("preload insert failed", zap.String("name", doc.Name), zap.Error(err))
			}
		}
		d.log.Info("preloaded documents", zap.String("doc_type", docType), zap.Int("count", len(docs)))
	}
}

// ─── Error envelopes ─────────────────────────────────────────────────────────

func (d *Dispatcher) unavailable(workflow bool) Envelope {
	suggestions := []string{
		"check that the upstream server is reachable",
		"wait for automatic reconnection and retry",
	}
	if workflow {
		suggestions = append(suggestions, "proceed with standard engineering practice until the workflow is available")
	}
	return Envelope{
		Error: &ErrorInfo{
			Code:        CodeUnavailable,
			Message:     "not cached locally and upstream is unreachable",
			Suggestions: suggestions,
		},
		Metadata: Metadata{Source: SourceCache, Status: d.status()},
	}
}

// storeError surfaces a persistent-store failure as TOOL_ERROR carrying
// the underlying message; the raw error code never leaves the boundary.
func (d *Dispatcher) storeError(err error) Envelope {
	return Envelope{
		Error:    &ErrorInfo{Code: CodeToolError, Message: err.Error()},
		Metadata: Metadata{Status: d.status()},
	}
}

func (d *Dispatcher) badRequest(msg string) Envelope {
	return Envelope{
		Error:    &ErrorInfo{Code: CodeToolError, Message: msg},
		Metadata: Metadata{Status: d.status()},
	}
}

// ─── Argument helpers ────────────────────────────────────────────────────────

func getString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func getBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func getNumber(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func getMetadata(args map[string]any) map[string]string {
	raw, ok := args["metadata"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

func documentData(docType, name, project, content string, metadata map[string]string) map[string]any {
	data := map[string]any{
		"doc_type": docType,
		"name":     name,
		"content":  content,
	}
	if project != "" {
		data["project"] = project
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	return data
}

func memoryData(name, project, content string, metadata map[string]string) map[string]any {
	data := map[string]any{
		"name":    name,
		"content": content,
	}
	if project != "" {
		data["project"] = project
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	return data
}
