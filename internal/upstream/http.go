package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPClient speaks the plain request/response HTTP surface:
//
//	POST /mcp/document   document reads and mutations
//	POST /mcp/memory     memory reads and mutations
//	POST /mcp/tool       arbitrary tool invocation
//	GET  /health         liveness probe
//
// An optional bearer token rides the Authorization header.
type HTTPClient struct {
	base   string
	apiKey string
	http   *http.Client
	log    *zap.Logger
}

// NewHTTPClient creates the REST transport. No connection is held open,
// so Start is a no-op beyond validating reachability lazily via probes.
func NewHTTPClient(cfg Config, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log.Named("upstream"),
	}
}

// Start is a no-op for the stateless HTTP transport.
func (h *HTTPClient) Start(ctx context.Context) error { return nil }

// Close is a no-op for the stateless HTTP transport.
func (h *HTTPClient) Close() error { return nil }

// Ping probes GET /health; any 2xx counts as reachable.
func (h *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/health", nil)
	if err != nil {
		return err
	}
	h.authorize(req)
	res, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: health probe: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("upstream: health probe: status %d", res.StatusCode)
	}
	return nil
}

// ─── Documents ───────────────────────────────────────────────────────────────

type documentRequest struct {
	Action string `json:"action"`
	Document
}

func (h *HTTPClient) FetchDocument(ctx context.Context, docType, name, project string) (*Document, error) {
	body := documentRequest{Action: "get", Document: Document{DocType: docType, Name: name, Project: project}}
	raw, err := h.post(ctx, "/mcp/document", body)
	if err != nil {
		return nil, err
	}
	doc := Document{DocType: docType, Name: name, Project: project}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("upstream: decode document: %w", err)
	}
	return &doc, nil
}

func (h *HTTPClient) ListDocuments(ctx context.Context, docType, project string) ([]Document, error) {
	body := documentRequest{Action: "list", Document: Document{DocType: docType, Project: project}}
	raw, err := h.post(ctx, "/mcp/document", body)
	if err != nil {
		return nil, err
	}
	return decodeDocumentList(raw)
}

func (h *HTTPClient) CreateDocument(ctx context.Context, d Document) error {
	_, err := h.post(ctx, "/mcp/document", documentRequest{Action: "create", Document: d})
	return err
}

func (h *HTTPClient) UpdateDocument(ctx context.Context, d Document) error {
	_, err := h.post(ctx, "/mcp/document", documentRequest{Action: "update", Document: d})
	return err
}

func (h *HTTPClient) DeleteDocument(ctx context.Context, docType, name, project string) error {
	body := documentRequest{Action: "delete", Document: Document{DocType: docType, Name: name, Project: project}}
	_, err := h.post(ctx, "/mcp/document", body)
	return err
}

// ─── Memories ────────────────────────────────────────────────────────────────

type memoryRequest struct {
	Action string `json:"action"`
	Memory
}

func (h *HTTPClient) FetchMemory(ctx context.Context, name, project string) (*Memory, error) {
	raw, err := h.post(ctx, "/mcp/memory", memoryRequest{Action: "get", Memory: Memory{Name: name, Project: project}})
	if err != nil {
		return nil, err
	}
	mem := Memory{Name: name, Project: project}
	if err := json.Unmarshal(raw, &mem); err != nil {
		return nil, fmt.Errorf("upstream: decode memory: %w", err)
	}
	return &mem, nil
}

func (h *HTTPClient) SetMemory(ctx context.Context, m Memory) error {
	_, err := h.post(ctx, "/mcp/memory", memoryRequest{Action: "set", Memory: m})
	return err
}

func (h *HTTPClient) UpdateMemory(ctx context.Context, m Memory) error {
	_, err := h.post(ctx, "/mcp/memory", memoryRequest{Action: "update", Memory: m})
	return err
}

func (h *HTTPClient) DeleteMemory(ctx context.Context, name, project string) error {
	_, err := h.post(ctx, "/mcp/memory", memoryRequest{Action: "delete", Memory: Memory{Name: name, Project: project}})
	return err
}

// ─── Tools ───────────────────────────────────────────────────────────────────

func (h *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := h.post(ctx, "/mcp/tool", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ─── Plumbing ────────────────────────────────────────────────────────────────

func (h *HTTPClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	h.authorize(req)

	res, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", path, err)
	}
	defer res.Body.Close()

	out, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: read response: %w", path, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("upstream: %s: %s", path, msg)
	}
	return out, nil
}

func (h *HTTPClient) authorize(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}
