package websocket

import (
	"context"
	"encoding/base64"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/kernel/errs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type fsPathRequest struct {
	Path string `json:"path"`
}

type fsWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Base64  bool   `json:"base64"`
}

type fsRmRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (d *Dispatcher) registerFSHandlers() {
	d.register(v1.CmdFSRead, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req fsPathRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid fs.read payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermFSRead, ""); err != nil {
			return nil, err
		}
		data, err := d.deps.FS.Read(ctx, c.User().ID, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "content": string(data)}, nil
	})

	d.register(v1.CmdFSWrite, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req fsWriteRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid fs.write payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermFSWrite, ""); err != nil {
			return nil, err
		}
		content := []byte(req.Content)
		if req.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				return nil, errs.InvalidArgument("invalid base64 content")
			}
			content = decoded
		}
		if err := d.deps.FS.Write(ctx, c.User().ID, req.Path, content); err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "size": len(content)}, nil
	})

	d.register(v1.CmdFSLs, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req fsPathRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid fs.ls payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermFSRead, ""); err != nil {
			return nil, err
		}
		entries, err := d.deps.FS.List(ctx, c.User().ID, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "entries": entries}, nil
	})

	d.register(v1.CmdFSStat, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req fsPathRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid fs.stat payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermFSRead, ""); err != nil {
			return nil, err
		}
		entry, err := d.deps.FS.Stat(ctx, c.User().ID, req.Path)
		if err != nil {
			return nil, err
		}
		return entry, nil
	})

	d.register(v1.CmdFSMkdir, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req fsPathRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid fs.mkdir payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermFSWrite, ""); err != nil {
			return nil, err
		}
		if err := d.deps.FS.Mkdir(ctx, c.User().ID, req.Path); err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path}, nil
	})

	d.register(v1.CmdFSRm, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req fsRmRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid fs.rm payload")
		}
		if err := d.requirePermission(ctx, c, auth.PermFSWrite, ""); err != nil {
			return nil, err
		}
		if err := d.deps.FS.Remove(ctx, c.User().ID, req.Path, req.Recursive); err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "removed": true}, nil
	})
}
