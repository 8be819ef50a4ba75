package websocket

import (
	"context"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type spawnRequest struct {
	Name       string              `json:"name"`
	Role       string              `json:"role"`
	Goal       string              `json:"goal"`
	CWD        string              `json:"cwd"`
	Env        map[string]string   `json:"env"`
	Sandbox    store.SandboxConfig `json:"sandbox"`
	StepBudget int                 `json:"step_budget"`
	OrgID      string              `json:"org_id"`
}

type signalRequest struct {
	PID    int64  `json:"pid"`
	Signal string `json:"signal"`
}

type pidRequest struct {
	PID int64 `json:"pid"`
}

type rejectRequest struct {
	PID    int64  `json:"pid"`
	Reason string `json:"reason"`
}

func (d *Dispatcher) registerProcessHandlers() {
	d.register(v1.CmdProcessSpawn, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req spawnRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid spawn payload")
		}
		if req.Role == "" && req.Goal == "" {
			return nil, errs.InvalidArgument("role or goal is required")
		}
		if err := d.requirePermission(ctx, c, auth.PermAgentsSpawn, req.OrgID); err != nil {
			return nil, err
		}

		user := c.User()
		rec, err := d.deps.Spawner.Spawn(ctx, process.SpawnConfig{
			Name:       req.Name,
			Role:       req.Role,
			Goal:       req.Goal,
			CWD:        req.CWD,
			Env:        req.Env,
			Sandbox:    req.Sandbox,
			StepBudget: req.StepBudget,
			Agentized:  true,
		}, 0, user.ID, user.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pid": rec.PID, "state": rec.State}, nil
	})

	d.register(v1.CmdProcessSignal, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req signalRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid signal payload")
		}
		if err := d.deps.Procs.Signal(ctx, req.PID, req.Signal); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "signal": req.Signal}, nil
	})

	d.register(v1.CmdProcessList, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		if err := d.requirePermission(ctx, c, auth.PermAgentsView, ""); err != nil {
			return nil, err
		}
		procs, err := d.deps.Procs.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"processes": procs}, nil
	})

	d.register(v1.CmdProcessInfo, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pidRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid info payload")
		}
		rec, err := d.deps.Procs.Info(ctx, req.PID)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})

	d.register(v1.CmdProcessApprove, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pidRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid approve payload")
		}
		if err := d.deps.Procs.Approve(ctx, req.PID); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "approved": true}, nil
	})

	d.register(v1.CmdProcessReject, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req rejectRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid reject payload")
		}
		if err := d.deps.Procs.Reject(ctx, req.PID, req.Reason); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "approved": false}, nil
	})

	// agent.pause/resume/continue map onto stop/continue signals; continue
	// additionally delivers a user interrupt so the loop re-plans.
	d.register(v1.CmdAgentPause, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pidRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid pause payload")
		}
		if err := d.deps.Procs.Signal(ctx, req.PID, process.SigStop); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "state": store.StateStopped}, nil
	})

	d.register(v1.CmdAgentResume, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pidRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid resume payload")
		}
		if err := d.deps.Procs.Signal(ctx, req.PID, process.SigCont); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "state": store.StateRunning}, nil
	})

	d.register(v1.CmdAgentContinue, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req pidRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid continue payload")
		}
		_ = d.deps.Procs.Signal(ctx, req.PID, process.SigCont)
		if err := d.deps.Procs.Signal(ctx, req.PID, process.SigUsr1); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID}, nil
	})

	d.register(v1.CmdKernelStatus, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		if d.deps.Status == nil {
			return map[string]any{}, nil
		}
		return d.deps.Status(ctx), nil
	})
}
