package websocket

import (
	"context"

	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/process"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type cronCreateRequest struct {
	Name        string              `json:"name"`
	Expression  string              `json:"expression"`
	AgentConfig process.SpawnConfig `json:"agent_config"`
	Enabled     *bool               `json:"enabled"`
}

type jobIDRequest struct {
	JobID string `json:"jobId"`
}

type triggerIDRequest struct {
	TriggerID string `json:"triggerId"`
}

type triggerCreateRequest struct {
	Name        string              `json:"name"`
	EventType   string              `json:"event_type"`
	EventFilter map[string]any      `json:"event_filter"`
	CooldownMS  int64               `json:"cooldown_ms"`
	AgentConfig process.SpawnConfig `json:"agent_config"`
}

func (d *Dispatcher) registerSchedulerHandlers() {
	d.register(v1.CmdCronList, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		jobs, err := d.deps.Cron.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs}, nil
	})

	d.register(v1.CmdCronCreate, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req cronCreateRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid cron.create payload")
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		job, err := d.deps.Cron.Create(ctx, req.Name, req.Expression, req.AgentConfig, c.User().ID, enabled)
		if err != nil {
			return nil, err
		}
		return job, nil
	})

	d.register(v1.CmdCronDelete, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req jobIDRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid cron.delete payload")
		}
		if err := d.deps.Cron.Delete(ctx, req.JobID); err != nil {
			return nil, err
		}
		return map[string]any{"jobId": req.JobID, "deleted": true}, nil
	})

	d.register(v1.CmdCronEnable, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req jobIDRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid cron.enable payload")
		}
		if err := d.deps.Cron.SetEnabled(ctx, req.JobID, true); err != nil {
			return nil, err
		}
		return map[string]any{"jobId": req.JobID, "enabled": true}, nil
	})

	d.register(v1.CmdCronDisable, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req jobIDRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid cron.disable payload")
		}
		if err := d.deps.Cron.SetEnabled(ctx, req.JobID, false); err != nil {
			return nil, err
		}
		return map[string]any{"jobId": req.JobID, "enabled": false}, nil
	})

	d.register(v1.CmdTriggerList, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		triggers, err := d.deps.Triggers.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"triggers": triggers}, nil
	})

	d.register(v1.CmdTriggerCreate, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req triggerCreateRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid trigger.create payload")
		}
		trigger, err := d.deps.Triggers.Create(ctx, req.Name, req.EventType, req.EventFilter, req.CooldownMS, req.AgentConfig, c.User().ID)
		if err != nil {
			return nil, err
		}
		return trigger, nil
	})

	d.register(v1.CmdTriggerDelete, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req triggerIDRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid trigger.delete payload")
		}
		if err := d.deps.Triggers.Delete(ctx, req.TriggerID); err != nil {
			return nil, err
		}
		return map[string]any{"triggerId": req.TriggerID, "deleted": true}, nil
	})
}
