package websocket

import (
	"context"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type pluginInstallRequest struct {
	PID      int64             `json:"pid"`
	Manifest *plugins.Manifest `json:"manifest"`
	Handlers map[string]string `json:"handlers"`
}

type mcpConnectRequest struct {
	ID          string   `json:"serverId"`
	Name        string   `json:"name"`
	Transport   string   `json:"transport"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Env         []string `json:"env"`
	URL         string   `json:"url"`
	AutoConnect bool     `json:"auto_connect"`
}

type mcpServerRequest struct {
	ServerID string `json:"serverId"`
}

type pluginIDRequest struct {
	PluginID string `json:"pluginId"`
}

func (d *Dispatcher) registerToolSurfaceHandlers() {
	d.register(v1.CmdPluginList, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		entries := d.deps.Plugins.Registry().List()
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				"id":             e.Record.ID,
				"owner_uid":      e.Record.OwnerUID,
				"install_source": e.Record.InstallSource,
				"enabled":        e.Record.Enabled,
				"description":    e.Manifest.Description,
				"tools":          len(e.Manifest.Tools),
			})
		}
		return map[string]any{"plugins": out}, nil
	})

	d.register(v1.CmdPluginInstall, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pluginInstallRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid plugin install payload")
		}
		if req.Manifest == nil {
			return nil, errs.InvalidArgument("manifest is required")
		}
		if err := d.requirePermission(ctx, c, auth.PermPluginsManage, ""); err != nil {
			return nil, err
		}
		dir, err := d.deps.Plugins.Install(ctx, req.PID, c.User().ID, req.Manifest, req.Handlers)
		if err != nil {
			return nil, err
		}
		return map[string]any{"plugin": req.Manifest.Name, "dir": dir}, nil
	})

	d.register(v1.CmdPluginUninstall, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pluginIDRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid plugin uninstall payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermPluginsManage, ""); err != nil {
			return nil, err
		}
		if err := d.deps.Plugins.Registry().Uninstall(ctx, req.PluginID); err != nil {
			return nil, err
		}
		return map[string]any{"pluginId": req.PluginID, "uninstalled": true}, nil
	})

	d.register(v1.CmdPluginEnable, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		return d.setPluginEnabled(ctx, c, frame, true)
	})
	d.register(v1.CmdPluginDisable, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		return d.setPluginEnabled(ctx, c, frame, false)
	})

	d.register(v1.CmdMCPConnect, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req mcpConnectRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid mcp connect payload")
		}
		if req.ID == "" {
			req.ID = req.Name
		}
		rec := &store.MCPServerRecord{
			ID:          req.ID,
			Name:        req.Name,
			Transport:   req.Transport,
			Command:     req.Command,
			Args:        req.Args,
			Env:         req.Env,
			URL:         req.URL,
			AutoConnect: req.AutoConnect,
			Enabled:     true,
		}
		if err := d.deps.MCP.Register(ctx, rec); err != nil {
			return nil, err
		}
		if err := d.deps.MCP.Connect(ctx, rec); err != nil {
			return nil, err
		}
		return map[string]any{"serverId": rec.ID, "connected": true}, nil
	})

	d.register(v1.CmdMCPDisconnect, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req mcpServerRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid mcp disconnect payload")
		}
		if err := d.deps.MCP.Disconnect(ctx, req.ServerID); err != nil {
			return nil, err
		}
		return map[string]any{"serverId": req.ServerID, "connected": false}, nil
	})

	d.register(v1.CmdMCPList, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		servers, err := d.deps.MCP.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"servers": servers}, nil
	})
}

func (d *Dispatcher) setPluginEnabled(ctx context.Context, c *Client, frame *v1.Frame, enabled bool) (any, error) {
	var req pluginIDRequest
	if err := frame.Decode(&req); err != nil {
		return nil, errs.InvalidArgument("invalid plugin payload")
	}
	if err := d.requirePermission(ctx, c, auth.PermPluginsManage, ""); err != nil {
		return nil, err
	}
	if err := d.deps.Plugins.Registry().SetEnabled(ctx, req.PluginID, enabled); err != nil {
		return nil, err
	}
	return map[string]any{"pluginId": req.PluginID, "enabled": enabled}, nil
}
