// Package mcp connects to MCP servers over stdio or SSE, discovers their
// tools, and proxies calls from agents under namespaced tool names.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tools"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// discoveryTimeout bounds handshake plus tool discovery per server.
const discoveryTimeout = 10 * time.Second

// ToolPrefix reserves the namespace for MCP-proxied tools. A proxied tool is
// named mcp__{serverId}__{toolName}; built-ins can never collide with it.
const ToolPrefix = "mcp__"

// NamespacedName builds the agent-visible name of a proxied tool.
func NamespacedName(serverID, toolName string) string {
	return ToolPrefix + serverID + "__" + toolName
}

// SanitizeServerID strips characters that would break the namespaced tool
// name grammar.
func SanitizeServerID(id string) string {
	return strings.ReplaceAll(id, "_", "-")
}

type connectedServer struct {
	record *store.MCPServerRecord
	client *mcpclient.Client
	tools  []*tools.Tool
}

// Manager owns all MCP server connections and their aggregated tool surface.
type Manager struct {
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger

	mu      sync.RWMutex
	servers map[string]*connectedServer
}

// NewManager creates the MCP manager.
func NewManager(s *store.Store, bus *events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		store:   s,
		bus:     bus,
		logger:  log.WithComponent("mcp"),
		servers: make(map[string]*connectedServer),
	}
}

// Restore reconnects enabled auto-connect servers from the store. Individual
// connect failures are logged, never fatal to boot.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.ListMCPServers(ctx)
	if err != nil {
		return fmt.Errorf("list mcp servers: %w", err)
	}
	for _, rec := range records {
		if !rec.Enabled || !rec.AutoConnect {
			continue
		}
		if err := m.Connect(ctx, rec); err != nil {
			m.logger.Warn("mcp server reconnect failed",
				zap.String("server", rec.ID), zap.Error(err))
		}
	}
	return nil
}

// Register persists a server spec and connects it when enabled with
// autoConnect. Connection is otherwise lazy.
func (m *Manager) Register(ctx context.Context, rec *store.MCPServerRecord) error {
	rec.ID = SanitizeServerID(rec.ID)
	if rec.ID == "" {
		return errs.InvalidArgument("mcp server id must not be empty")
	}
	switch rec.Transport {
	case "stdio":
		if rec.Command == "" {
			return errs.InvalidArgument("stdio transport requires a command")
		}
	case "sse":
		if rec.URL == "" {
			return errs.InvalidArgument("sse transport requires a url")
		}
	default:
		return errs.InvalidArgument("unknown transport: %s", rec.Transport)
	}
	if err := m.store.UpsertMCPServer(ctx, rec); err != nil {
		return fmt.Errorf("persist mcp server: %w", err)
	}
	if rec.Enabled && rec.AutoConnect {
		return m.Connect(ctx, rec)
	}
	return nil
}

// Connect opens the transport, performs the MCP handshake, discovers tools,
// and exposes them under the reserved namespace.
func (m *Manager) Connect(ctx context.Context, rec *store.MCPServerRecord) error {
	rec.ID = SanitizeServerID(rec.ID)

	m.mu.RLock()
	_, already := m.servers[rec.ID]
	m.mu.RUnlock()
	if already {
		return nil
	}

	cli, err := m.openClient(ctx, rec)
	if err != nil {
		return errs.Wrap(v1.ErrNetworkError, err, "connect to %s failed", rec.Name)
	}

	discCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcptypes.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcptypes.Implementation{Name: "aether-kernel", Version: "1.0.0"}
	if _, err := cli.Initialize(discCtx, initReq); err != nil {
		cli.Close()
		return errs.Wrap(v1.ErrNetworkError, err, "mcp handshake with %s failed", rec.Name)
	}

	listed, err := cli.ListTools(discCtx, mcptypes.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return errs.Wrap(v1.ErrNetworkError, err, "list tools on %s failed", rec.Name)
	}

	srv := &connectedServer{record: rec, client: cli}
	toolNames := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tool := m.buildProxyTool(rec.ID, t)
		srv.tools = append(srv.tools, tool)
		toolNames = append(toolNames, tool.Name)
	}

	m.mu.Lock()
	m.servers[rec.ID] = srv
	m.mu.Unlock()

	if cache, err := json.Marshal(toolNames); err == nil {
		if err := m.store.UpdateMCPToolCache(ctx, rec.ID, string(cache)); err != nil {
			m.logger.Warn("failed to persist tool cache", zap.String("server", rec.ID), zap.Error(err))
		}
	}

	m.logger.Info("mcp server connected",
		zap.String("server", rec.ID),
		zap.Int("tools", len(toolNames)))
	m.bus.Emit(v1.EventMCPToolsDiscovered, map[string]any{
		"serverId": rec.ID,
		"tools":    toolNames,
	})
	m.bus.Emit(v1.EventMCPServerConnected, map[string]any{
		"serverId": rec.ID,
		"name":     rec.Name,
	})
	return nil
}

func (m *Manager) openClient(ctx context.Context, rec *store.MCPServerRecord) (*mcpclient.Client, error) {
	switch rec.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(rec.Command, rec.Env, rec.Args...)
	case "sse":
		cli, err := mcpclient.NewSSEMCPClient(rec.URL)
		if err != nil {
			return nil, err
		}
		if err := cli.Start(ctx); err != nil {
			return nil, err
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", rec.Transport)
	}
}

// buildProxyTool wraps one remote tool, preserving the server's inputSchema.
func (m *Manager) buildProxyTool(serverID string, t mcptypes.Tool) *tools.Tool {
	schema := map[string]any{"type": t.InputSchema.Type}
	if len(t.InputSchema.Properties) > 0 {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	remoteName := t.Name
	return &tools.Tool{
		Name:        NamespacedName(serverID, remoteName),
		Description: t.Description,
		InputSchema: schema,
		Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
			return m.CallTool(ctx, serverID, remoteName, args)
		},
	}
}

// CallTool proxies one call to a connected server, flattening the response
// content blocks into a single text blob. Error responses carry an
// "Error: " prefix.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (string, error) {
	m.mu.RLock()
	srv, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return "", errs.NotFound("mcp server not connected: %s", serverID)
	}

	req := mcptypes.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	result, err := srv.client.CallTool(ctx, req)
	if err != nil {
		return "", errs.Wrap(v1.ErrNetworkError, err, "call %s on %s failed", toolName, serverID)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := mcptypes.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	blob := strings.Join(parts, "\n")
	if result.IsError {
		return "Error: " + blob, nil
	}
	return blob, nil
}

// Disconnect closes one server and removes its tools from the surface.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	srv, ok := m.servers[serverID]
	delete(m.servers, serverID)
	m.mu.Unlock()
	if !ok {
		return errs.NotFound("mcp server not connected: %s", serverID)
	}
	srv.client.Close()

	m.logger.Info("mcp server disconnected", zap.String("server", serverID))
	m.bus.Emit(v1.EventMCPServerDisconnected, map[string]any{"serverId": serverID})
	return nil
}

// Remove disconnects (if connected) and deletes the persisted spec.
func (m *Manager) Remove(ctx context.Context, serverID string) error {
	_ = m.Disconnect(ctx, serverID)
	if err := m.store.DeleteMCPServer(ctx, serverID); err != nil {
		return errs.NotFound("mcp server not found: %s", serverID)
	}
	return nil
}

// Tools returns the aggregated proxied tool surface.
func (m *Manager) Tools() []*tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*tools.Tool
	for _, srv := range m.servers {
		out = append(out, srv.tools...)
	}
	return out
}

// ConnectedIDs returns the ids of currently connected servers.
func (m *Manager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

// List returns all persisted server specs with their connection state.
func (m *Manager) List(ctx context.Context) ([]map[string]any, error) {
	records, err := m.store.ListMCPServers(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		_, connected := m.servers[rec.ID]
		out = append(out, map[string]any{
			"id":          rec.ID,
			"name":        rec.Name,
			"transport":   rec.Transport,
			"autoConnect": rec.AutoConnect,
			"enabled":     rec.Enabled,
			"connected":   connected,
		})
	}
	return out, nil
}

// Shutdown disconnects every server.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*connectedServer)
	m.mu.Unlock()

	for id, srv := range servers {
		srv.client.Close()
		m.bus.Emit(v1.EventMCPServerDisconnected, map[string]any{"serverId": id})
	}
}
