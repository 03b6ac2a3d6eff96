// Package mcp exposes a fieldscript client as MCP (Model Context Protocol)
// tools so agent frameworks can create, list and sync scripts.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperengineering/fieldscript"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with fieldscript tools.
type Server struct {
	client    *fieldscript.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with fieldscript tools registered.
func NewServer(client *fieldscript.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"fieldscript",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run serves MCP over stdin/stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "fieldscript_create", Description: "Save a new script locally; it uploads on the next sync"},
		{Name: "fieldscript_list", Description: "List local scripts for the signed-in technician"},
		{Name: "fieldscript_sync", Description: "Synchronize local scripts with the remote document store"},
		{Name: "fieldscript_status", Description: "Report sync state, pending uploads, network and store statistics"},
		{Name: "fieldscript_conflicts", Description: "List scripts waiting for manual conflict review"},
		{Name: "fieldscript_resolve", Description: "Resolve a conflicted script by keeping the local, remote or merged copy"},
	}
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "fieldscript_create":
		return s.handleCreate(ctx, args)
	case "fieldscript_list":
		return s.handleList(ctx, args)
	case "fieldscript_sync":
		return s.handleSync(ctx, args)
	case "fieldscript_status":
		return s.handleStatus(ctx, args)
	case "fieldscript_conflicts":
		return s.handleConflicts(ctx, args)
	case "fieldscript_resolve":
		return s.handleResolve(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("fieldscript_create",
		mcp.WithDescription("Save a new script locally. The script is stored immediately, whatever the network state, and uploads with the next sync."),
		mcp.WithString("template",
			mcp.Description("Template: INTERVENTION_REPORT, SPLITTER_REPORT, INSTALLATION_REPORT or FREEFORM"),
			mcp.Required(),
		),
		mcp.WithString("name",
			mcp.Description("Display name (default: the template title, max 200 chars)"),
		),
		mcp.WithString("content",
			mcp.Description("Display text (default: rendered from fields)"),
		),
		mcp.WithObject("fields",
			mcp.Description("Filled-in template fields as a flat object of strings, numbers and booleans"),
		),
	), s.wrap(s.handleCreate))

	s.mcpServer.AddTool(mcp.NewTool("fieldscript_list",
		mcp.WithDescription("List local scripts for the signed-in technician, most recently updated first."),
		mcp.WithString("status",
			mcp.Description("Filter by sync status: PENDING, SYNCING, SYNCED, CONFLICT or ERROR"),
		),
		mcp.WithBoolean("include_deleted",
			mcp.Description("Include soft-deleted scripts (default: false)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of scripts to return (default: 20)"),
		),
	), s.wrap(s.handleList))

	s.mcpServer.AddTool(mcp.NewTool("fieldscript_sync",
		mcp.WithDescription("Synchronize local scripts with the remote document store. Requires FIELDSCRIPT_REMOTE_URL and a signed-in technician."),
		mcp.WithString("mode",
			mcp.Description("Sync mode: full, incremental or essential (default: full after a connectivity check)"),
		),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("fieldscript_status",
		mcp.WithDescription("Report sync state, pending upload count, network state and local store statistics. Read-only."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("fieldscript_conflicts",
		mcp.WithDescription("List scripts in CONFLICT state waiting for manual review. Read-only."),
	), s.wrap(s.handleConflicts))

	s.mcpServer.AddTool(mcp.NewTool("fieldscript_resolve",
		mcp.WithDescription("Resolve a conflicted script and upload the result."),
		mcp.WithString("local_id",
			mcp.Description("Local ID of the conflicted script"),
			mcp.Required(),
		),
		mcp.WithString("keep",
			mcp.Description("Which copy to keep: local, remote or merge"),
			mcp.Required(),
		),
	), s.wrap(s.handleResolve))
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

func (s *Server) wrap(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func errorResult(format string, a ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, a...), IsError: true}
}

// Internal handlers

func (s *Server) handleCreate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	tpl, _ := args["template"].(string)
	if tpl == "" {
		return errorResult("template is required"), nil
	}

	fields, err := toFields(args["fields"])
	if err != nil {
		return errorResult("invalid fields: %v", err), nil
	}

	params := fieldscript.CreateParams{
		Template: fieldscript.Template(strings.ToUpper(tpl)),
		Fields:   fields,
	}
	params.Name, _ = args["name"].(string)
	params.Content, _ = args["content"].(string)

	rec, err := s.client.CreateRecord(ctx, params)
	if err != nil {
		return errorResult("create failed: %v", err), nil
	}
	return &ToolResult{Content: formatCreateResult(rec)}, nil
}

func (s *Server) handleList(ctx context.Context, args map[string]any) (*ToolResult, error) {
	filter := fieldscript.ListFilter{Limit: 20}

	if owner := s.client.Owner(); owner != "" {
		filter.OwnerID = &owner
	}
	if status, ok := args["status"].(string); ok && status != "" {
		st := fieldscript.SyncStatus(strings.ToUpper(status))
		if !st.IsValid() {
			return errorResult("invalid status: %s", status), nil
		}
		filter.Status = st
	}
	if del, ok := args["include_deleted"].(bool); ok {
		filter.IncludeDeleted = del
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}

	records, err := s.client.List(ctx, filter)
	if err != nil {
		return errorResult("list failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecords(records, "No scripts found.")}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var (
		result fieldscript.SyncResult
		err    error
	)
	switch mode, _ := args["mode"].(string); mode {
	case "":
		result, err = s.client.SyncNow(ctx)
	default:
		m := fieldscript.SyncMode(strings.ToLower(mode))
		if !m.IsValid() {
			return errorResult("invalid mode: %s", mode), nil
		}
		result, err = s.client.Sync(ctx, m)
	}

	switch {
	case errors.Is(err, fieldscript.ErrOffline):
		return errorResult("sync unavailable: no remote document store configured"), nil
	case errors.Is(err, fieldscript.ErrUnauthenticated):
		return errorResult("sync failed: not signed in (run `fieldscript login`)"), nil
	case err != nil:
		return errorResult("sync failed: %v", err), nil
	}
	return &ToolResult{Content: formatSyncResult(result)}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.client.Stats()
	if err != nil {
		return errorResult("status failed: %v", err), nil
	}
	pending, err := s.client.PendingSyncCount(ctx)
	if err != nil {
		return errorResult("status failed: %v", err), nil
	}

	var sb strings.Builder
	owner := s.client.Owner()
	if owner == "" {
		owner = "(signed out)"
	}
	net := s.client.Network()

	fmt.Fprintf(&sb, "Owner: %s\n", owner)
	fmt.Fprintf(&sb, "Sync: %s\n", s.client.Status())
	fmt.Fprintf(&sb, "Pending uploads: %d\n", pending)
	fmt.Fprintf(&sb, "Network: %s (signal %s, connected %t)\n", net.Type, net.Signal, net.Connected)
	fmt.Fprintf(&sb, "Records: %d (conflicts %d, failed %d, deleted %d)\n",
		stats.RecordCount, stats.ConflictCount, stats.ErrorCount, stats.DeletedCount)
	if stats.LastSync.IsZero() {
		sb.WriteString("Last sync: never\n")
	} else {
		fmt.Fprintf(&sb, "Last sync: %s\n", stats.LastSync.Format("2006-01-02 15:04:05 MST"))
	}
	if lastErr := s.client.LastError(); lastErr != nil {
		fmt.Fprintf(&sb, "Last error: %v\n", lastErr)
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleConflicts(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	records, err := s.client.Conflicts(ctx)
	if err != nil {
		return errorResult("conflicts failed: %v", err), nil
	}
	out := formatRecords(records, "No conflicts.")
	if len(records) > 0 {
		out += "\nUse fieldscript_resolve with keep=local|remote|merge."
	}
	return &ToolResult{Content: out}, nil
}

func (s *Server) handleResolve(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id, _ := args["local_id"].(string)
	if id == "" {
		return errorResult("local_id is required"), nil
	}
	keep, _ := args["keep"].(string)
	strategy, err := fieldscript.ParseResolutionStrategy(keep)
	if err != nil {
		return errorResult("%v", err), nil
	}

	if err := s.client.ResolveConflict(ctx, id, strategy); err != nil {
		return errorResult("resolve failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Resolved %s (%s)", id, strategy)}, nil
}

// toFields converts a JSON object argument into a field map. Keys are
// sorted since JSON objects arrive unordered.
func toFields(v any) (*fieldscript.Fields, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := fieldscript.NewFields()
	for _, k := range keys {
		switch val := obj[k].(type) {
		case nil:
			fields.Set(k, fieldscript.NullValue())
		case string:
			fields.SetString(k, val)
		case float64:
			fields.Set(k, fieldscript.NumberValue(val))
		case bool:
			fields.Set(k, fieldscript.BoolValue(val))
		default:
			return nil, fmt.Errorf("field %q: unsupported value %T", k, val)
		}
	}
	return fields, nil
}

// Formatting functions

func formatCreateResult(rec *fieldscript.Record) string {
	return fmt.Sprintf("Saved script [%s]:\n  Template: %s\n  Name: %s\n  Status: %s\n  Content: %s",
		rec.LocalID, rec.Payload.Template, rec.Payload.Name, rec.SyncStatus, truncate(rec.Payload.Content, 100))
}

func formatRecords(records []fieldscript.Record, empty string) string {
	if len(records) == 0 {
		return empty
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d scripts:\n\n", len(records))
	for _, r := range records {
		fmt.Fprintf(&sb, "[%s] %s  %s\n", r.LocalID, r.Payload.Template, r.SyncStatus)
		fmt.Fprintf(&sb, "    %s (v%d, updated %s)\n", r.Payload.Name, r.Version, r.UpdatedAt.Format("2006-01-02 15:04"))
		if r.IsDeleted {
			sb.WriteString("    deleted\n")
		}
	}
	return sb.String()
}

func formatSyncResult(r fieldscript.SyncResult) string {
	return fmt.Sprintf("Sync completed (%s): %d uploaded, %d downloaded, %d conflicts resolved, %d failed in %s",
		r.Mode, r.Uploaded, r.Downloaded, r.ConflictsResolved, r.Failed, r.Duration.Round(1e6))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
