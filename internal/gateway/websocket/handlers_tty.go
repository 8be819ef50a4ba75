package websocket

import (
	"context"

	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/sandbox"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type ttyOpenRequest struct {
	PID   int64  `json:"pid"`
	CWD   string `json:"cwd"`
	Image string `json:"image"`
}

type ttyInputRequest struct {
	TTYID string `json:"ttyId"`
	Data  string `json:"data"`
}

type ttyResizeRequest struct {
	TTYID string `json:"ttyId"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

type ttyCloseRequest struct {
	TTYID string `json:"ttyId"`
}

type vncExecRequest struct {
	PID int64    `json:"pid"`
	Cmd []string `json:"cmd"`
}

func (d *Dispatcher) registerTTYHandlers() {
	d.register(v1.CmdTTYOpen, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req ttyOpenRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid tty.open payload")
		}
		workDir := req.CWD
		if workDir == "" {
			root, err := d.deps.FS.UserRoot(c.User().ID)
			if err != nil {
				return nil, err
			}
			workDir = root
		}
		session, err := d.deps.TTY.Open(ctx, sandbox.ShellSpec{
			PID:     req.PID,
			WorkDir: workDir,
			Image:   req.Image,
		})
		if err != nil {
			return nil, errs.SandboxUnavailable("%s", err.Error())
		}
		return session, nil
	})

	d.register(v1.CmdTTYInput, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req ttyInputRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid tty.input payload")
		}
		ok := d.deps.TTY.Write(req.TTYID, []byte(req.Data))
		return map[string]any{"ok": ok}, nil
	})

	d.register(v1.CmdTTYResize, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req ttyResizeRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid tty.resize payload")
		}
		ok := d.deps.TTY.Resize(req.TTYID, req.Cols, req.Rows)
		return map[string]any{"ok": ok}, nil
	})

	d.register(v1.CmdTTYClose, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req ttyCloseRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid tty.close payload")
		}
		ok := d.deps.TTY.Close(req.TTYID)
		return map[string]any{"ok": ok}, nil
	})

	d.register(v1.CmdVNCInfo, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		available := d.deps.Containers != nil && d.deps.Containers.Available(ctx)
		count := 0
		if available {
			count = d.deps.Containers.Count(ctx)
		}
		return map[string]any{"available": available, "containers": count}, nil
	})

	d.register(v1.CmdVNCExec, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req vncExecRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid vnc.exec payload")
		}
		if len(req.Cmd) == 0 {
			return nil, errs.InvalidArgument("cmd is required")
		}
		if d.deps.Containers == nil {
			return nil, errs.SandboxUnavailable("container backend disabled")
		}
		output, err := d.deps.Containers.Exec(ctx, req.PID, req.Cmd)
		if err != nil {
			return nil, errs.SandboxUnavailable("%s", err.Error())
		}
		return map[string]any{"output": output}, nil
	})
}
