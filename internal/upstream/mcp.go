package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// MCPClient speaks MCP to upstream over a stdio child process or an SSE
// event stream, depending on the configured mode.
type MCPClient struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	c       *client.Client
	started bool
}

// NewMCPClient creates the client without connecting; Start performs
// the handshake.
func NewMCPClient(cfg Config, log *zap.Logger) (*MCPClient, error) {
	switch cfg.Mode {
	case ModeChildProcess:
		if cfg.Command == "" {
			return nil, errors.New("upstream: child-process mode requires a command")
		}
	case ModeEventStream:
		if cfg.URL == "" {
			return nil, errors.New("upstream: event-stream mode requires a url")
		}
	default:
		return nil, fmt.Errorf("upstream: mode %q is not an MCP transport", cfg.Mode)
	}
	return &MCPClient{cfg: cfg, log: log.Named("upstream")}, nil
}

// Start spawns the child process or opens the SSE stream and runs the
// MCP initialize handshake. Idempotent: a started client is left alone.
func (m *MCPClient) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	var (
		c   *client.Client
		err error
	)
	switch m.cfg.Mode {
	case ModeChildProcess:
		c, err = client.NewStdioMCPClient(m.cfg.Command, nil, m.cfg.Args...)
	case ModeEventStream:
		var opts []transport.ClientOption
		if m.cfg.APIKey != "" {
			opts = append(opts, transport.WithHeaders(map[string]string{
				"Authorization": "Bearer " + m.cfg.APIKey,
			}))
		}
		c, err = client.NewSSEMCPClient(m.cfg.URL, opts...)
	}
	if err != nil {
		return fmt.Errorf("upstream: create %s client: %w", m.cfg.Mode, err)
	}

	if m.cfg.Mode == ModeEventStream {
		if err := c.Start(ctx); err != nil {
			c.Close()
			return fmt.Errorf("upstream: start stream: %w", err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sidecache", Version: "1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("upstream: initialize: %w", err)
	}

	m.c = c
	m.started = true
	m.log.Info("upstream connected", zap.String("mode", m.cfg.Mode))
	return nil
}

// Close shuts the transport down. Idempotent.
func (m *MCPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.c.Close()
}

func (m *MCPClient) conn() (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, errors.New("upstream: client not started")
	}
	return m.c, nil
}

// Ping is the supervisor's liveness probe. It (re)establishes the
// transport when needed, and tears a broken one down so the next probe
// starts fresh — this is what lets reconnection recover a dead child
// process or dropped stream.
func (m *MCPClient) Ping(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	c, err := m.conn()
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		m.Close()
		return err
	}
	return nil
}

// ─── Tool invocation ─────────────────────────────────────────────────────────

// CallTool invokes an upstream tool and returns its textual result. An
// IsError result becomes a Go error carrying the upstream message.
func (m *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c, err := m.conn()
	if err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upstream: call %s: %w", name, err)
	}

	text := textContent(res)
	if res.IsError {
		if text == "" {
			text = "upstream tool error"
		}
		return "", fmt.Errorf("upstream: %s: %s", name, text)
	}
	return text, nil
}

func textContent(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// ─── Reads ───────────────────────────────────────────────────────────────────

func (m *MCPClient) FetchDocument(ctx context.Context, docType, name, project string) (*Document, error) {
	text, err := m.CallTool(ctx, "get_document", map[string]any{
		"doc_type": docType, "name": name, "project": project,
	})
	if err != nil {
		return nil, err
	}
	doc := Document{DocType: docType, Name: name, Project: project}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		// Not JSON: the server returned the raw document body.
		doc.Content = text
	}
	return &doc, nil
}

func (m *MCPClient) FetchMemory(ctx context.Context, name, project string) (*Memory, error) {
	text, err := m.CallTool(ctx, "get_memory", map[string]any{
		"name": name, "project": project,
	})
	if err != nil {
		return nil, err
	}
	mem := Memory{Name: name, Project: project}
	if err := json.Unmarshal([]byte(text), &mem); err != nil {
		mem.Content = text
	}
	return &mem, nil
}

func (m *MCPClient) ListDocuments(ctx context.Context, docType, project string) ([]Document, error) {
	text, err := m.CallTool(ctx, "list_documents", map[string]any{
		"doc_type": docType, "project": project,
	})
	if err != nil {
		return nil, err
	}
	return decodeDocumentList([]byte(text))
}

// decodeDocumentList accepts either a bare JSON array of documents or a
// {"documents": [...]} wrapper.
func decodeDocumentList(raw []byte) ([]Document, error) {
	var docs []Document
	if err := json.Unmarshal(raw, &docs); err == nil {
		return docs, nil
	}
	var wrapped struct {
		Documents []Document `json:"documents"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("upstream: decode document list: %w", err)
	}
	return wrapped.Documents, nil
}

// ─── Writes ──────────────────────────────────────────────────────────────────

func (m *MCPClient) CreateDocument(ctx context.Context, d Document) error {
	return m.callMutation(ctx, "create_document", documentArgs(d))
}

func (m *MCPClient) UpdateDocument(ctx context.Context, d Document) error {
	return m.callMutation(ctx, "update_document", documentArgs(d))
}

func (m *MCPClient) DeleteDocument(ctx context.Context, docType, name, project string) error {
	return m.callMutation(ctx, "delete_document", map[string]any{
		"doc_type": docType, "name": name, "project": project,
	})
}

func (m *MCPClient) SetMemory(ctx context.Context, mem Memory) error {
	return m.callMutation(ctx, "set_memory", memoryArgs(mem))
}

func (m *MCPClient) UpdateMemory(ctx context.Context, mem Memory) error {
	return m.callMutation(ctx, "update_memory", memoryArgs(mem))
}

func (m *MCPClient) DeleteMemory(ctx context.Context, name, project string) error {
	return m.callMutation(ctx, "delete_memory", map[string]any{
		"name": name, "project": project,
	})
}

func (m *MCPClient) callMutation(ctx context.Context, tool string, args map[string]any) error {
	_, err := m.CallTool(ctx, tool, args)
	return err
}

func documentArgs(d Document) map[string]any {
	args := map[string]any{
		"doc_type": d.DocType,
		"name":     d.Name,
		"project":  d.Project,
		"content":  d.Content,
	}
	if len(d.Metadata) > 0 {
		args["metadata"] = d.Metadata
	}
	return args
}

func memoryArgs(m Memory) map[string]any {
	args := map[string]any{
		"name":    m.Name,
		"project": m.Project,
		"content": m.Content,
	}
	if len(m.Metadata) > 0 {
		args["metadata"] = m.Metadata
	}
	return args
}
