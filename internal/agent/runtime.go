package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tools"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// Runtime drives the agent loop for every agentized process.
type Runtime struct {
	cfg    config.AgentConfig
	procs  *process.Manager
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger

	modelFactory ModelFactory
	builtins     *Builtins
	mcpTools     tools.Provider
	registry     tools.Provider
	plugins      *plugins.Manager
}

// NewRuntime creates the agent runtime.
func NewRuntime(
	cfg config.AgentConfig,
	procs *process.Manager,
	s *store.Store,
	bus *events.Bus,
	modelFactory ModelFactory,
	builtins *Builtins,
	mcpTools tools.Provider,
	registry tools.Provider,
	pluginMgr *plugins.Manager,
	log *logger.Logger,
) *Runtime {
	return &Runtime{
		cfg:          cfg,
		procs:        procs,
		store:        s,
		bus:          bus,
		logger:       log.WithComponent("agent_runtime"),
		modelFactory: modelFactory,
		builtins:     builtins,
		mcpTools:     mcpTools,
		registry:     registry,
		plugins:      pluginMgr,
	}
}

// Start runs the loop for one process. It is the process manager's
// RuntimeStarter: spawned on its own goroutine, it owns the process until
// exit.
func (r *Runtime) Start(ctx context.Context, proc *process.Managed) {
	rec := proc.Record()
	log := r.logger.WithPID(rec.PID)

	defer func() {
		if p := recover(); p != nil {
			log.Error("agent runtime panic", zap.Any("panic", p))
			r.procs.Exit(context.Background(), rec.PID, 1, store.PhaseFailed)
		}
	}()

	model := r.modelFactory(rec.Role)

	// The tool surface: built-ins, MCP proxies, registry skills, and this
	// user's plugin bundles, gathered fresh each step so late-connected MCP
	// servers appear mid-run.
	surface := tools.NewSurface()
	surface.AddProvider(r.builtins)
	if r.mcpTools != nil {
		surface.AddProvider(r.mcpTools)
	}
	if r.registry != nil {
		surface.AddProvider(r.registry)
	}
	if r.plugins != nil {
		pluginTools := r.plugins.LoadForAgent(ctx, rec.PID, rec.UID)
		surface.AddProvider(tools.ProviderFunc(func() []*tools.Tool { return pluginTools }))
	}

	history := []Message{
		{Role: "system", Content: fmt.Sprintf("You are %s, an agent process on the Aether kernel.", rec.Role)},
		{Role: "user", Content: rec.Goal},
	}

	ec := tools.ExecContext{PID: rec.PID, UID: rec.UID, CWD: rec.CWD}
	budget := proc.StepBudget()
	step := 0
	retries := 0

	nextStep := func() int {
		step++
		return step
	}

	for step < budget {
		if ctx.Err() != nil {
			r.procs.Exit(context.Background(), rec.PID, 130, store.PhaseFailed)
			return
		}
		if err := r.procs.WaitWhileStopped(ctx, rec.PID); err != nil {
			r.procs.Exit(context.Background(), rec.PID, 130, store.PhaseFailed)
			return
		}

		// Queued SIGUSR interrupts surface to the model as history notes.
		for drained := false; !drained; {
			select {
			case sig := <-proc.Interrupts():
				history = append(history, Message{Role: "system", Content: "interrupt received: " + sig})
			default:
				drained = true
			}
		}

		_ = r.procs.SetPhase(ctx, rec.PID, store.PhaseThinking)
		completion, err := model.Next(ctx, history, surface.Tools())
		if err != nil {
			if ctx.Err() != nil {
				r.procs.Exit(context.Background(), rec.PID, 130, store.PhaseFailed)
				return
			}
			retries++
			log.Warn("model step failed", zap.Int("retries", retries), zap.Error(err))
			if retries > r.cfg.StepRetryBudget {
				r.appendLog(ctx, rec.PID, nextStep(), store.PhaseFailed, "", "model error: "+err.Error())
				r.procs.Exit(ctx, rec.PID, 1, store.PhaseFailed)
				return
			}
			continue
		}
		retries = 0

		if completion.Done {
			s := nextStep()
			r.appendLog(ctx, rec.PID, s, store.PhaseCompleted, "", completion.Summary)
			r.bus.Emit(v1.EventAgentThought, map[string]any{
				"pid": rec.PID, "step": s, "content": completion.Summary, "final": true,
			})
			r.procs.Exit(ctx, rec.PID, 0, store.PhaseCompleted)
			return
		}

		if completion.ToolCall == nil {
			s := nextStep()
			r.appendLog(ctx, rec.PID, s, store.PhaseThinking, "", completion.Thought)
			r.bus.Emit(v1.EventAgentThought, map[string]any{
				"pid": rec.PID, "step": s, "content": completion.Thought,
			})
			history = append(history, Message{Role: "assistant", Content: completion.Thought})
			continue
		}

		call := completion.ToolCall
		tool, err := surface.Lookup(call.Name)
		if err != nil {
			s := nextStep()
			observation := "Error: " + err.Error()
			r.appendLog(ctx, rec.PID, s, store.PhaseObserving, call.Name, observation)
			r.emitObservation(rec.PID, s, call.Name, observation, true)
			history = append(history, Message{Role: "tool", Content: observation})
			continue
		}

		approval := needsApproval(tool, call.Args, rec.CWD, step+1, r.cfg.ApprovalStepGate)
		s := nextStep()
		argsJSON, _ := json.Marshal(call.Args)
		r.appendLog(ctx, rec.PID, s, store.PhaseExecuting, call.Name, string(argsJSON))
		r.bus.Emit(v1.EventAgentAction, map[string]any{
			"pid":           rec.PID,
			"step":          s,
			"tool":          call.Name,
			"args":          call.Args,
			"needsApproval": approval,
		})

		if approval {
			if !r.awaitApproval(ctx, rec.PID, log, nextStep) {
				return
			}
		}

		_ = r.procs.SetPhase(ctx, rec.PID, store.PhaseExecuting)
		result, execErr := tool.Execute(ctx, ec, call.Args)
		_ = r.procs.SetPhase(ctx, rec.PID, store.PhaseObserving)

		isError := execErr != nil
		observation := result
		if isError {
			observation = "Error: " + execErr.Error()
		}

		obsStep := nextStep()
		r.appendLog(ctx, rec.PID, obsStep, store.PhaseObserving, call.Name, observation)
		r.emitObservation(rec.PID, obsStep, call.Name, observation, isError)
		r.emitSideEffects(rec.PID, call, isError)
		history = append(history, Message{Role: "tool", Content: observation})

		r.bus.Emit(v1.EventAgentProgress, map[string]any{
			"pid": rec.PID, "step": step, "budget": budget,
		})
	}

	// Step budget exhausted without a completion.
	_ = r.procs.SetPhase(ctx, rec.PID, store.PhaseIdle)
	r.procs.Exit(ctx, rec.PID, 0, store.PhaseIdle)
}

// awaitApproval suspends until the operator decides or the process aborts.
// Returns false when the loop must stop.
func (r *Runtime) awaitApproval(ctx context.Context, pid int64, log *logger.Logger, nextStep func() int) bool {
	_ = r.procs.SetPhase(ctx, pid, store.PhaseWaiting)
	decision, err := r.procs.RequestApproval(ctx, pid)
	if err != nil {
		log.Error("approval request failed", zap.Error(err))
		r.procs.Exit(ctx, pid, 1, store.PhaseFailed)
		return false
	}

	select {
	case d := <-decision:
		if !d.Approved {
			reason := d.Reason
			if reason == "" {
				reason = "rejected by operator"
			}
			r.appendLog(ctx, pid, nextStep(), store.PhaseFailed, "", "action rejected: "+reason)
			r.procs.Exit(ctx, pid, 1, store.PhaseFailed)
			return false
		}
		_ = r.procs.SetPhase(ctx, pid, store.PhaseExecuting)
		return true
	case <-ctx.Done():
		r.procs.Exit(context.Background(), pid, 130, store.PhaseFailed)
		return false
	}
}

// appendLog persists the step before any matching event is broadcast.
func (r *Runtime) appendLog(ctx context.Context, pid int64, step int, phase, tool, content string) {
	err := r.store.AppendAgentLog(ctx, &store.AgentLog{
		PID:     pid,
		Step:    step,
		Phase:   phase,
		Tool:    tool,
		Content: content,
	})
	if err != nil {
		r.logger.Error("failed to append agent log",
			zap.Int64("pid", pid), zap.Int("step", step), zap.Error(err))
	}
}

func (r *Runtime) emitObservation(pid int64, step int, tool, content string, isError bool) {
	r.bus.Emit(v1.EventAgentObservation, map[string]any{
		"pid":     pid,
		"step":    step,
		"tool":    tool,
		"content": content,
		"isError": isError,
	})
}

// emitSideEffects translates notable tool calls into their dedicated events.
func (r *Runtime) emitSideEffects(pid int64, call *ToolCall, isError bool) {
	if isError {
		return
	}
	switch call.Name {
	case "fs_write":
		r.bus.Emit(v1.EventAgentFileCreated, map[string]any{
			"pid": pid, "path": stringArg(call.Args, "path"),
		})
	case "http_fetch":
		r.bus.Emit(v1.EventAgentBrowsing, map[string]any{
			"pid": pid, "url": stringArg(call.Args, "url"),
		})
	}
}
