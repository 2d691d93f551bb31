// Package upstream defines the contract with the remote knowledge
// server and its interchangeable transports.
//
// Three modes exist: a child process speaking MCP over stdio, an MCP
// event-stream (SSE) endpoint, and a plain request/response HTTP
// surface. The first two ride mark3labs/mcp-go's client; the third is a
// small REST client. The rest of the sidecar only sees the Client
// interface.
package upstream

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Transport modes.
const (
	ModeChildProcess = "child-process"
	ModeEventStream  = "event-stream"
	ModeHTTP         = "http"
)

// Document is the wire shape of a document exchanged with upstream.
type Document struct {
	DocType  string            `json:"doc_type"`
	Name     string            `json:"name"`
	Project  string            `json:"project,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Memory is the wire shape of a memory exchanged with upstream.
type Memory struct {
	Name     string            `json:"name"`
	Project  string            `json:"project,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Client is the single abstraction the engine talks through. Every
// method is a request/response round trip; failures are transport
// errors or upstream-reported errors, undistinguished.
type Client interface {
	// Start establishes the transport (spawns the child process or
	// opens the stream) and performs the MCP handshake where one
	// applies.
	Start(ctx context.Context) error

	FetchDocument(ctx context.Context, docType, name, project string) (*Document, error)
	FetchMemory(ctx context.Context, name, project string) (*Memory, error)
	ListDocuments(ctx context.Context, docType, project string) ([]Document, error)

	CreateDocument(ctx context.Context, d Document) error
	UpdateDocument(ctx context.Context, d Document) error
	DeleteDocument(ctx context.Context, docType, name, project string) error
	SetMemory(ctx context.Context, m Memory) error
	UpdateMemory(ctx context.Context, m Memory) error
	DeleteMemory(ctx context.Context, name, project string) error

	// CallTool invokes an arbitrary tool by name and returns the raw
	// textual result. Used for the pass-through path.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	// Ping is the liveness probe used by the connection supervisor.
	Ping(ctx context.Context) error

	Close() error
}

// Config selects and parameterizes a transport.
type Config struct {
	Mode    string
	URL     string   // event-stream / http modes
	Command string   // child-process mode
	Args    []string // child-process mode
	APIKey  string   // optional bearer token
}

// New builds a Client for cfg.Mode.
func New(cfg Config, log *zap.Logger) (Client, error) {
	switch cfg.Mode {
	case ModeChildProcess, ModeEventStream:
		return NewMCPClient(cfg, log)
	case ModeHTTP:
		return NewHTTPClient(cfg, log), nil
	default:
		return nil, fmt.Errorf("upstream: unknown mode %q", cfg.Mode)
	}
}
