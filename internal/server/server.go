// Package server wires all sidecar components and creates the MCP
// server instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the dispatcher. No business logic lives here — only
// wiring and lifecycle.
package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sidecache/sidecache/internal/cache"
	"github.com/sidecache/sidecache/internal/config"
	"github.com/sidecache/sidecache/internal/conn"
	"github.com/sidecache/sidecache/internal/dispatch"
	"github.com/sidecache/sidecache/internal/invalidate"
	"github.com/sidecache/sidecache/internal/metrics"
	"github.com/sidecache/sidecache/internal/queue"
	"github.com/sidecache/sidecache/internal/store"
	"github.com/sidecache/sidecache/internal/upstream"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Sidecar bundles the MCP server with the component lifecycles behind
// it.
type Sidecar struct {
	mcp         *server.MCPServer
	db          *store.DB
	up          upstream.Client
	sup         *conn.Supervisor
	listener    *invalidate.Listener // nil outside event-stream mode
	stopMetrics func()
	log         *zap.Logger
}

// New builds the whole sidecar from config. Nothing is started yet;
// call Start before serving.
func New(cfg *config.Config, log *zap.Logger) (*Sidecar, error) {
	db, err := store.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	engine := cache.New(db, cfg.Cache.MaxDynamicBytes, log)
	q := queue.New(db, queue.DefaultMaxAttempts, log)

	up, err := upstream.New(upstream.Config{
		Mode:    cfg.Upstream.Mode,
		URL:     cfg.Upstream.URL,
		Command: cfg.Upstream.Command,
		Args:    cfg.Upstream.Args,
		APIKey:  cfg.Upstream.APIKey,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	sup := conn.New(up, conn.Config{
		HealthCheckInterval:  cfg.Connection.HealthCheckInterval(),
		ProbeTimeout:         cfg.Connection.ProbeTimeout(),
		InitialBackoff:       cfg.Connection.Backoff.Initial(),
		BackoffMultiplier:    cfg.Connection.Backoff.Multiplier,
		MaxBackoff:           cfg.Connection.Backoff.Max(),
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
	}, db, log)

	d := dispatch.New(engine, q, up, sup, db, dispatch.Options{Preload: cfg.Cache.Preload}, log)

	s := server.NewMCPServer(
		"sidecache",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// The static catalog is registered once and never changes: the
	// client's tool list must not shrink when upstream drops.
	for _, desc := range dispatch.Catalog() {
		name := desc.Tool.Name
		s.AddTool(desc.Tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			env := d.Call(ctx, name, req.GetArguments())
			return mcp.NewToolResultText(env.JSON()), nil
		})
	}

	sc := &Sidecar{
		mcp: s,
		db:  db,
		up:  up,
		sup: sup,
		log: log.Named("server"),
	}

	if cfg.Upstream.Mode == config.ModeEventStream {
		base, err := streamBaseURL(cfg.Upstream.URL)
		if err != nil {
			db.Close()
			return nil, err
		}
		sc.listener = invalidate.New(base, cfg.Upstream.APIKey, engine, log)
	}

	sc.stopMetrics = metrics.Serve(cfg.Metrics.Addr, log)
	return sc, nil
}

// MCP returns the underlying MCP server for serving.
func (s *Sidecar) MCP() *server.MCPServer { return s.mcp }

// Start brings the background machinery up: upstream transport (best
// effort — an unreachable upstream is the normal offline case), the
// connection supervisor, and the invalidation listener.
func (s *Sidecar) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.up.Start(ctx); err != nil {
		s.log.Warn("upstream not reachable at startup, continuing offline", zap.Error(err))
	}

	s.sup.Start()
	if s.listener != nil {
		s.listener.Start()
	}
	s.log.Info("sidecar started")
}

// Close tears everything down in LIFO order. Idempotent.
func (s *Sidecar) Close() {
	if s.listener != nil {
		s.listener.Stop()
	}
	s.sup.Stop()
	if err := s.up.Close(); err != nil {
		s.log.Warn("upstream close", zap.Error(err))
	}
	s.stopMetrics()
	if err := s.db.Close(); err != nil {
		s.log.Warn("store close", zap.Error(err))
	}
}

// streamBaseURL reduces the configured SSE endpoint to scheme://host
// for the invalidation stream's well-known path.
func streamBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("server: parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server: upstream url %q has no scheme or host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func serverInstructions() string {
	return `sidecache is a local caching proxy for a remote knowledge server.

Reads (get_workflow, get_document, get_memory) are served from a persistent
local cache and work offline once cached. Writes are applied locally right
away and synced upstream — immediately when connected, or queued and replayed
after reconnection. Every response is a JSON envelope whose _metadata.status
field tells you whether the upstream link is connected, disconnected,
reconnecting, or offline; when a write is queued for later sync the envelope
carries a warning saying so.

Use cache_status to inspect the connection, cache, and sync queue. Other
tools are proxied to the upstream server and need a live connection.`
}
