package dispatch

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Kind routes a catalog tool to its handler family.
type Kind int

// Routing families. Local tools are diagnostics served without touching
// upstream; everything not in the catalog dispatches as PassThrough.
const (
	KindCachedRead Kind = iota
	KindWrite
	KindLocal
	KindPassThrough
)

// Descriptor pairs a tool definition with its routing kind.
type Descriptor struct {
	Tool mcp.Tool
	Kind Kind
}

// Catalog returns the static tool catalog. It is compiled in and served
// verbatim on every list-tools request regardless of connection state,
// so the client's tool set never shrinks mid-session when upstream
// drops.
func Catalog() []Descriptor {
	return []Descriptor{
		// ─── Cacheable reads ────────────────────────────────────────────
		{Kind: KindCachedRead, Tool: mcp.NewTool("get_workflow",
			mcp.WithDescription("Get a workflow document. Served from the local cache when available; fetched and cached from upstream otherwise. Works offline once cached."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
		)},
		{Kind: KindCachedRead, Tool: mcp.NewTool("get_document",
			mcp.WithDescription("Get a document by type and name. Served from the local cache when available; fetched and cached from upstream otherwise."),
			mcp.WithString("doc_type", mcp.Required(), mcp.Description("Document type (workflow, rule, agent, template, design, frd, ...)")),
			mcp.WithString("name", mcp.Required(), mcp.Description("Document name")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
		)},
		{Kind: KindCachedRead, Tool: mcp.NewTool("get_memory",
			mcp.WithDescription("Get a stored memory by name. Served from the local cache when available."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
		)},

		// ─── Durable writes ─────────────────────────────────────────────
		{Kind: KindWrite, Tool: mcp.NewTool("create_document",
			mcp.WithDescription("Create a document. Applied to the local cache immediately; sent upstream now or queued for sync when offline."),
			mcp.WithString("doc_type", mcp.Required(), mcp.Description("Document type")),
			mcp.WithString("name", mcp.Required(), mcp.Description("Document name")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Document content")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
			mcp.WithObject("metadata", mcp.Description("Optional string-to-string metadata")),
		)},
		{Kind: KindWrite, Tool: mcp.NewTool("update_document",
			mcp.WithDescription("Update a document. Applied to the local cache immediately; sent upstream now or queued for sync when offline."),
			mcp.WithString("doc_type", mcp.Required(), mcp.Description("Document type")),
			mcp.WithString("name", mcp.Required(), mcp.Description("Document name")),
			mcp.WithString("content", mcp.Required(), mcp.Description("New content")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
			mcp.WithObject("metadata", mcp.Description("Optional string-to-string metadata")),
		)},
		{Kind: KindWrite, Tool: mcp.NewTool("delete_document",
			mcp.WithDescription("Delete a document locally and upstream (queued when offline)."),
			mcp.WithString("doc_type", mcp.Required(), mcp.Description("Document type")),
			mcp.WithString("name", mcp.Required(), mcp.Description("Document name")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
		)},
		{Kind: KindWrite, Tool: mcp.NewTool("set_memory",
			mcp.WithDescription("Store a memory. Applied to the local cache immediately; sent upstream now or queued for sync when offline."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Memory content")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
			mcp.WithObject("metadata", mcp.Description("Optional string-to-string metadata")),
		)},
		{Kind: KindWrite, Tool: mcp.NewTool("update_memory",
			mcp.WithDescription("Update a stored memory. Applied to the local cache immediately; sent upstream now or queued for sync when offline."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
			mcp.WithString("content", mcp.Required(), mcp.Description("New content")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
			mcp.WithObject("metadata", mcp.Description("Optional string-to-string metadata")),
		)},
		{Kind: KindWrite, Tool: mcp.NewTool("delete_memory",
			mcp.WithDescription("Delete a memory locally and upstream (queued when offline)."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Memory name")),
			mcp.WithString("project", mcp.Description("Project scope (empty for global)")),
		)},

		// ─── Local diagnostics ──────────────────────────────────────────
		{Kind: KindLocal, Tool: mcp.NewTool("cache_status",
			mcp.WithDescription("Show connection state, cache statistics, sync-queue depth, and recent connection history. Always works, online or offline."),
		)},
		{Kind: KindLocal, Tool: mcp.NewTool("cache_clear",
			mcp.WithDescription("Clear the dynamic cache tier. Pass all=true to clear critical documents too."),
			mcp.WithBoolean("all", mcp.Description("Also clear the critical tier")),
		)},
		{Kind: KindLocal, Tool: mcp.NewTool("sync_retry",
			mcp.WithDescription("Force a sync-queue replay pass, retry a specific failed operation by id, or clear the failed bucket."),
			mcp.WithNumber("id", mcp.Description("Failed queue row to reset to pending")),
			mcp.WithBoolean("clear_failed", mcp.Description("Delete all failed rows instead of replaying")),
		)},

		// ─── Pass-through ───────────────────────────────────────────────
		{Kind: KindPassThrough, Tool: mcp.NewTool("search_codebase",
			mcp.WithDescription("Search the upstream code index. Requires a live connection."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
			mcp.WithString("project", mcp.Description("Project scope")),
		)},
		{Kind: KindPassThrough, Tool: mcp.NewTool("list_documents",
			mcp.WithDescription("List upstream documents by type. Requires a live connection."),
			mcp.WithString("doc_type", mcp.Description("Document type filter")),
			mcp.WithString("project", mcp.Description("Project scope")),
		)},
		{Kind: KindPassThrough, Tool: mcp.NewTool("get_project_info",
			mcp.WithDescription("Get upstream project information. Requires a live connection."),
			mcp.WithString("project", mcp.Description("Project name")),
		)},
	}
}

// kindOf resolves a tool name against the catalog. Unknown names are
// pass-through: the upstream may expose tools this sidecar has never
// heard of, and they should still work while connected.
func kindOf(name string) Kind {
	for _, d := range Catalog() {
		if d.Tool.Name == name {
			return d.Kind
		}
	}
	return KindPassThrough
}
