package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sidecache/sidecache/internal/cache"
	"github.com/sidecache/sidecache/internal/conn"
	"github.com/sidecache/sidecache/internal/dispatch"
	"github.com/sidecache/sidecache/internal/queue"
	"github.com/sidecache/sidecache/internal/store"
	"github.com/sidecache/sidecache/internal/upstream"
)

var errDown = errors.New("upstream down")

// fakeUpstream is an in-memory knowledge server with a reachability
// switch. The supervisor probes it through Ping like any transport.
type fakeUpstream struct {
	mu        sync.Mutex
	online    bool
	docs      map[string]upstream.Document
	mems      map[string]upstream.Memory
	created   []upstream.Document
	setMems   []upstream.Memory
	deleted   []string
	fetches   int
	toolCalls int
	toolResp  string
	toolErr   error
	createdCh chan struct{}
}

func newFakeUpstream(online bool) *fakeUpstream {
	return &fakeUpstream{
		online:    online,
		docs:      map[string]upstream.Document{},
		mems:      map[string]upstream.Memory{},
		createdCh: make(chan struct{}, 16),
	}
}

func (f *fakeUpstream) setOnline(v bool) {
	f.mu.Lock()
	f.online = v
	f.mu.Unlock()
}

func docKey(docType, name, project string) string {
	return docType + "/" + name + "/" + project
}

func (f *fakeUpstream) check() error {
	if !f.online {
		return errDown
	}
	return nil
}

func (f *fakeUpstream) Start(ctx context.Context) error { return nil }
func (f *fakeUpstream) Close() error                    { return nil }

func (f *fakeUpstream) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check()
}

func (f *fakeUpstream) FetchDocument(ctx context.Context, docType, name, project string) (*upstream.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	f.fetches++
	d, ok := f.docs[docKey(docType, name, project)]
	if !ok {
		return nil, fmt.Errorf("document %s not found", name)
	}
	return &d, nil
}

func (f *fakeUpstream) FetchMemory(ctx context.Context, name, project string) (*upstream.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	f.fetches++
	m, ok := f.mems[name+"/"+project]
	if !ok {
		return nil, fmt.Errorf("memory %s not found", name)
	}
	return &m, nil
}

func (f *fakeUpstream) ListDocuments(ctx context.Context, docType, project string) ([]upstream.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	var out []upstream.Document
	for _, d := range f.docs {
		if d.DocType == docType {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeUpstream) CreateDocument(ctx context.Context, d upstream.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.created = append(f.created, d)
	f.docs[docKey(d.DocType, d.Name, d.Project)] = d
	select {
	case f.createdCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeUpstream) UpdateDocument(ctx context.Context, d upstream.Document) error {
	return f.CreateDocument(ctx, d)
}

func (f *fakeUpstream) DeleteDocument(ctx context.Context, docType, name, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.deleted = append(f.deleted, docKey(docType, name, project))
	delete(f.docs, docKey(docType, name, project))
	return nil
}

func (f *fakeUpstream) SetMemory(ctx context.Context, m upstream.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.setMems = append(f.setMems, m)
	f.mems[m.Name+"/"+m.Project] = m
	return nil
}

func (f *fakeUpstream) UpdateMemory(ctx context.Context, m upstream.Memory) error {
	return f.SetMemory(ctx, m)
}

func (f *fakeUpstream) DeleteMemory(ctx context.Context, name, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.deleted = append(f.deleted, "memory/"+name+"/"+project)
	delete(f.mems, name+"/"+project)
	return nil
}

func (f *fakeUpstream) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", err
	}
	f.toolCalls++
	return f.toolResp, f.toolErr
}

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	d   *dispatch.Dispatcher
	up  *fakeUpstream
	sup *conn.Supervisor
	q   *queue.Queue
	c   *cache.Engine
}

func newHarness(t *testing.T, up *fakeUpstream) *harness {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := zap.NewNop()
	c := cache.New(db, 1<<20, log)
	q := queue.New(db, 3, log)
	sup := conn.New(up, conn.Config{
		HealthCheckInterval:  50 * time.Millisecond,
		ProbeTimeout:         100 * time.Millisecond,
		InitialBackoff:       2 * time.Millisecond,
		BackoffMultiplier:    2,
		MaxBackoff:           20 * time.Millisecond,
		MaxReconnectAttempts: 1000,
	}, db, log)
	d := dispatch.New(c, q, up, sup, db, dispatch.Options{}, log)
	t.Cleanup(sup.Stop)
	return &harness{d: d, up: up, sup: sup, q: q, c: c}
}

// connect starts the supervisor and blocks until it reports Connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	ch := make(chan struct{}, 1)
	h.sup.Subscribe(conn.Hooks{Connected: func(time.Duration) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}})
	h.sup.Start()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not connect")
	}
}

func dataMap(t *testing.T, env dispatch.Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map (envelope: %s)", env.Data, env.JSON())
	}
	return m
}

// ─── Read path ──────────────────────────────────────────────────────────────

func TestRead_LiveFetchThenCacheHit(t *testing.T) {
	up := newFakeUpstream(true)
	up.docs[docKey("frd", "auth", "api")] = upstream.Document{
		DocType: "frd", Name: "auth", Project: "api", Content: "# Auth",
	}
	h := newHarness(t, up)
	h.connect(t)

	args := map[string]any{"doc_type": "frd", "name": "auth", "project": "api"}
	env := h.d.Call(context.Background(), "get_document", args)
	if env.Error != nil {
		t.Fatalf("unexpected error: %s", env.JSON())
	}
	if env.Metadata.Source != dispatch.SourceLive {
		t.Errorf("source = %q, want live", env.Metadata.Source)
	}
	if got := dataMap(t, env)["content"]; got != "# Auth" {
		t.Errorf("content = %v", got)
	}

	// Second read is a cache hit: no upstream round trip, age present.
	env = h.d.Call(context.Background(), "get_document", args)
	if env.Metadata.Source != dispatch.SourceCache {
		t.Errorf("source = %q, want cache", env.Metadata.Source)
	}
	if env.Metadata.AgeSeconds == nil {
		t.Error("age_seconds should be set on a cache hit")
	}
	if env.Metadata.Status != string(conn.StateConnected) {
		t.Errorf("status = %q, want connected", env.Metadata.Status)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.fetches != 1 {
		t.Errorf("upstream fetches = %d, want 1", up.fetches)
	}
}

func TestRead_WorkflowAliasUsesWorkflowType(t *testing.T) {
	up := newFakeUpstream(true)
	up.docs[docKey("workflow", "deploy", "")] = upstream.Document{
		DocType: "workflow", Name: "deploy", Content: "steps",
	}
	h := newHarness(t, up)
	h.connect(t)

	env := h.d.Call(context.Background(), "get_workflow", map[string]any{"name": "deploy"})
	if env.Error != nil {
		t.Fatalf("unexpected error: %s", env.JSON())
	}
	if got := dataMap(t, env)["doc_type"]; got != "workflow" {
		t.Errorf("doc_type = %v, want workflow", got)
	}
}

func TestRead_MissOfflineIsUnavailable(t *testing.T) {
	h := newHarness(t, newFakeUpstream(false))

	env := h.d.Call(context.Background(), "get_document", map[string]any{"doc_type": "frd", "name": "nope"})
	if env.Error == nil || env.Error.Code != dispatch.CodeUnavailable {
		t.Fatalf("envelope = %s, want UNAVAILABLE", env.JSON())
	}
	if len(env.Error.Suggestions) != 2 {
		t.Errorf("suggestions = %v, want 2 generic ones", env.Error.Suggestions)
	}

	// The workflow read carries an extra fallback suggestion.
	env = h.d.Call(context.Background(), "get_workflow", map[string]any{"name": "nope"})
	if env.Error == nil || env.Error.Code != dispatch.CodeUnavailable {
		t.Fatalf("envelope = %s, want UNAVAILABLE", env.JSON())
	}
	if len(env.Error.Suggestions) != 3 {
		t.Errorf("suggestions = %v, want 3 for a workflow", env.Error.Suggestions)
	}
}

func TestRead_CachedContentSurvivesDisconnect(t *testing.T) {
	up := newFakeUpstream(true)
	up.mems["ctx/"] = upstream.Memory{Name: "ctx", Content: "remembered"}
	h := newHarness(t, up)
	h.connect(t)

	if env := h.d.Call(context.Background(), "get_memory", map[string]any{"name": "ctx"}); env.Error != nil {
		t.Fatalf("warm-up read: %s", env.JSON())
	}
	up.setOnline(false)

	env := h.d.Call(context.Background(), "get_memory", map[string]any{"name": "ctx"})
	if env.Error != nil {
		t.Fatalf("cached read while upstream is down: %s", env.JSON())
	}
	if env.Metadata.Source != dispatch.SourceCache {
		t.Errorf("source = %q, want cache", env.Metadata.Source)
	}
	if got := dataMap(t, env)["content"]; got != "remembered" {
		t.Errorf("content = %v", got)
	}
}

func TestRead_MissingArgsRejected(t *testing.T) {
	h := newHarness(t, newFakeUpstream(false))

	for name, args := range map[string]map[string]any{
		"get_workflow": {},
		"get_document": {"name": "x"},
		"get_memory":   {"project": "p"},
	} {
		env := h.d.Call(context.Background(), name, args)
		if env.Error == nil || env.Error.Code != dispatch.CodeToolError {
			t.Errorf("%s: envelope = %s, want TOOL_ERROR", name, env.JSON())
		}
	}
}

// ─── Write path ─────────────────────────────────────────────────────────────

func TestWrite_ConnectedAppliesUpstream(t *testing.T) {
	up := newFakeUpstream(true)
	h := newHarness(t, up)
	h.connect(t)

	env := h.d.Call(context.Background(), "set_memory", map[string]any{"name": "ctx", "content": "note"})
	if env.Error != nil {
		t.Fatalf("set_memory: %s", env.JSON())
	}
	data := dataMap(t, env)
	if data["success"] != true {
		t.Errorf("success = %v", data["success"])
	}
	if _, queued := data["queued"]; queued {
		t.Error("connected write must not report queued")
	}
	if env.Metadata.Source != dispatch.SourceLive {
		t.Errorf("source = %q, want live", env.Metadata.Source)
	}
	if env.Metadata.Warning != "" {
		t.Errorf("warning = %q, want none", env.Metadata.Warning)
	}

	up.mu.Lock()
	sent := len(up.setMems)
	up.mu.Unlock()
	if sent != 1 {
		t.Errorf("upstream SetMemory calls = %d, want 1", sent)
	}

	// Read-after-write lands in the cache.
	env = h.d.Call(context.Background(), "get_memory", map[string]any{"name": "ctx"})
	if env.Metadata.Source != dispatch.SourceCache {
		t.Errorf("read-after-write source = %q, want cache", env.Metadata.Source)
	}
	if got := dataMap(t, env)["content"]; got != "note" {
		t.Errorf("content = %v", got)
	}
}

func TestWrite_OfflineQueuesWithWarning(t *testing.T) {
	h := newHarness(t, newFakeUpstream(false))

	env := h.d.Call(context.Background(), "create_document", map[string]any{
		"doc_type": "workflow", "name": "release", "content": "1. tag\n2. push",
	})
	if env.Error != nil {
		t.Fatalf("offline write: %s", env.JSON())
	}
	data := dataMap(t, env)
	if data["success"] != true || data["queued"] != true {
		t.Errorf("data = %v, want success and queued", data)
	}
	if env.Metadata.Warning != dispatch.QueuedWarning {
		t.Errorf("warning = %q", env.Metadata.Warning)
	}
	if env.Metadata.Source != dispatch.SourceCache {
		t.Errorf("source = %q, want cache", env.Metadata.Source)
	}

	n, err := h.q.PendingCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	// The local write is visible immediately.
	env = h.d.Call(context.Background(), "get_workflow", map[string]any{"name": "release"})
	if env.Error != nil {
		t.Fatalf("read of queued write: %s", env.JSON())
	}
	if env.Metadata.Source != dispatch.SourceCache {
		t.Errorf("source = %q, want cache", env.Metadata.Source)
	}
}

func TestWrite_QueueDrainsOnReconnect(t *testing.T) {
	up := newFakeUpstream(false)
	h := newHarness(t, up)
	h.sup.Start()

	env := h.d.Call(context.Background(), "create_document", map[string]any{
		"doc_type": "frd", "name": "offline-doc", "content": "drafted offline",
	})
	if env.Error != nil {
		t.Fatalf("offline write: %s", env.JSON())
	}

	up.setOnline(true)
	select {
	case <-up.createdCh:
	case <-time.After(2 * time.Second):
		t.Fatal("queued write never reached upstream after reconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := h.q.PendingCount()
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want 0 after replay", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.created) != 1 {
		t.Errorf("upstream CreateDocument calls = %d, want exactly 1", len(up.created))
	}
	if up.created[0].Name != "offline-doc" || up.created[0].Content != "drafted offline" {
		t.Errorf("replayed document = %+v", up.created[0])
	}
}

func TestWrite_DeleteRemovesLocalCopyEvenOffline(t *testing.T) {
	up := newFakeUpstream(true)
	h := newHarness(t, up)
	h.connect(t)

	h.d.Call(context.Background(), "set_memory", map[string]any{"name": "stale", "content": "x"})
	up.setOnline(false)

	env := h.d.Call(context.Background(), "delete_memory", map[string]any{"name": "stale"})
	if env.Error != nil {
		t.Fatalf("delete: %s", env.JSON())
	}
	if dataMap(t, env)["queued"] != true {
		t.Error("offline delete should be queued")
	}

	item, err := h.c.GetMemory("stale", "")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Error("local copy should be gone right away")
	}
}

// ─── Pass-through path ──────────────────────────────────────────────────────

func TestPassThrough_OfflineNeverTouchesUpstream(t *testing.T) {
	up := newFakeUpstream(false)
	h := newHarness(t, up)

	env := h.d.Call(context.Background(), "search_codebase", map[string]any{"query": "handler"})
	if env.Error == nil || env.Error.Code != dispatch.CodeOffline {
		t.Fatalf("envelope = %s, want OFFLINE", env.JSON())
	}
	var mentionsCached bool
	for _, s := range env.Error.Suggestions {
		if strings.Contains(s, "work offline") {
			mentionsCached = true
		}
	}
	if !mentionsCached {
		t.Errorf("suggestions = %v, want a pointer at the cached tools", env.Error.Suggestions)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if up.toolCalls != 0 {
		t.Errorf("upstream CallTool ran %d times, want 0", up.toolCalls)
	}
}

func TestPassThrough_ConnectedDecodesJSON(t *testing.T) {
	up := newFakeUpstream(true)
	up.toolResp = `{"results":["a","b"]}`
	h := newHarness(t, up)
	h.connect(t)

	env := h.d.Call(context.Background(), "search_codebase", map[string]any{"query": "x"})
	if env.Error != nil {
		t.Fatalf("pass-through: %s", env.JSON())
	}
	if env.Metadata.Source != dispatch.SourceLive {
		t.Errorf("source = %q, want live", env.Metadata.Source)
	}
	results, ok := dataMap(t, env)["results"].([]any)
	if !ok || len(results) != 2 {
		t.Errorf("data = %v", env.Data)
	}
}

func TestPassThrough_PlainTextResult(t *testing.T) {
	up := newFakeUpstream(true)
	up.toolResp = "three matches found"
	h := newHarness(t, up)
	h.connect(t)

	env := h.d.Call(context.Background(), "get_project_info", nil)
	if env.Error != nil {
		t.Fatalf("pass-through: %s", env.JSON())
	}
	if env.Data != "three matches found" {
		t.Errorf("data = %v", env.Data)
	}
}

func TestPassThrough_UpstreamErrorIsToolError(t *testing.T) {
	up := newFakeUpstream(true)
	up.toolErr = errors.New("index not built")
	h := newHarness(t, up)
	h.connect(t)

	env := h.d.Call(context.Background(), "search_codebase", map[string]any{"query": "x"})
	if env.Error == nil || env.Error.Code != dispatch.CodeToolError {
		t.Fatalf("envelope = %s, want TOOL_ERROR", env.JSON())
	}
}

// ─── Local diagnostics ──────────────────────────────────────────────────────

func TestLocal_CacheStatus(t *testing.T) {
	up := newFakeUpstream(true)
	h := newHarness(t, up)
	h.connect(t)

	h.d.Call(context.Background(), "set_memory", map[string]any{"name": "m", "content": "x"})

	env := h.d.Call(context.Background(), "cache_status", nil)
	if env.Error != nil {
		t.Fatalf("cache_status: %s", env.JSON())
	}
	data := dataMap(t, env)
	connInfo, ok := data["connection"].(map[string]any)
	if !ok {
		t.Fatalf("connection section missing: %v", data)
	}
	if connInfo["status"] != string(conn.StateConnected) {
		t.Errorf("connection.status = %v", connInfo["status"])
	}
	for _, key := range []string{"cache", "queue", "recent_connections"} {
		if _, ok := data[key]; !ok {
			t.Errorf("cache_status data missing %q", key)
		}
	}
}

func TestLocal_CacheClear(t *testing.T) {
	up := newFakeUpstream(true)
	h := newHarness(t, up)
	h.connect(t)

	h.d.Call(context.Background(), "create_document", map[string]any{"doc_type": "workflow", "name": "keep", "content": "w"})
	h.d.Call(context.Background(), "create_document", map[string]any{"doc_type": "frd", "name": "drop", "content": "d"})

	env := h.d.Call(context.Background(), "cache_clear", nil)
	if env.Error != nil {
		t.Fatalf("cache_clear: %s", env.JSON())
	}
	if item, _ := h.c.GetDocument("workflow", "keep", ""); item == nil {
		t.Error("critical row should survive the default clear")
	}
	if item, _ := h.c.GetDocument("frd", "drop", ""); item != nil {
		t.Error("dynamic row should be cleared")
	}

	env = h.d.Call(context.Background(), "cache_clear", map[string]any{"all": true})
	if env.Error != nil {
		t.Fatalf("cache_clear all: %s", env.JSON())
	}
	if item, _ := h.c.GetDocument("workflow", "keep", ""); item != nil {
		t.Error("full clear should drop critical rows too")
	}
}

func TestLocal_SyncRetryReplaysManually(t *testing.T) {
	up := newFakeUpstream(false)
	h := newHarness(t, up)

	env := h.d.Call(context.Background(), "set_memory", map[string]any{"name": "m", "content": "x"})
	if dataMap(t, env)["queued"] != true {
		t.Fatalf("expected a queued write, got %s", env.JSON())
	}

	// sync_retry drives the queue directly, regardless of supervisor
	// state — the operator asked for it.
	up.setOnline(true)
	env = h.d.Call(context.Background(), "sync_retry", nil)
	if env.Error != nil {
		t.Fatalf("sync_retry: %s", env.JSON())
	}
	result, ok := env.Data.(queue.ReplayResult)
	if !ok {
		t.Fatalf("data is %T", env.Data)
	}
	if result.Synced != 1 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.setMems) != 1 {
		t.Errorf("upstream SetMemory calls = %d, want 1", len(up.setMems))
	}
}

func TestLocal_SyncRetryUnknownID(t *testing.T) {
	h := newHarness(t, newFakeUpstream(false))

	env := h.d.Call(context.Background(), "sync_retry", map[string]any{"id": float64(999)})
	if env.Error == nil || env.Error.Code != dispatch.CodeToolError {
		t.Fatalf("envelope = %s, want TOOL_ERROR", env.JSON())
	}
}

// ─── Envelope invariants ────────────────────────────────────────────────────

func TestEveryEnvelopeCarriesStatus(t *testing.T) {
	h := newHarness(t, newFakeUpstream(false))

	calls := []struct {
		name string
		args map[string]any
	}{
		{"get_workflow", map[string]any{"name": "x"}},
		{"get_document", map[string]any{"doc_type": "frd", "name": "x"}},
		{"get_memory", map[string]any{"name": "x"}},
		{"create_document", map[string]any{"doc_type": "frd", "name": "x", "content": "c"}},
		{"delete_memory", map[string]any{"name": "x"}},
		{"cache_status", nil},
		{"cache_clear", nil},
		{"sync_retry", nil},
		{"search_codebase", map[string]any{"query": "x"}},
		{"get_workflow", nil}, // invalid args
	}
	for _, c := range calls {
		env := h.d.Call(context.Background(), c.name, c.args)
		if env.Metadata.Status == "" {
			t.Errorf("%s: envelope has no status: %s", c.name, env.JSON())
		}
		if !strings.Contains(env.JSON(), `"_metadata"`) {
			t.Errorf("%s: serialized envelope missing _metadata: %s", c.name, env.JSON())
		}
	}
}
