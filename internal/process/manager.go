package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// RuntimeStarter launches the agent loop for a spawned process. The boot
// sequence wires the agent runtime in; keeping it a function avoids a
// package cycle between the process table and the runtime.
type RuntimeStarter func(ctx context.Context, proc *Managed)

// SandboxProbe reports whether the configured container backend can host a
// sandboxed spawn right now.
type SandboxProbe func(ctx context.Context) bool

// Managed is one entry of the in-memory process table.
type Managed struct {
	mu     sync.Mutex
	record *store.ProcessRecord

	cancel    context.CancelFunc
	mailbox   []*IPCMessage
	approval  chan ApprovalDecision
	interrupt chan string
	resumeCh  chan struct{} // closed to resume from stopped

	stepBudget int
}

// Record returns a copy of the process record.
func (p *Managed) Record() store.ProcessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.record
}

// PID returns the process id.
func (p *Managed) PID() int64 {
	return p.record.PID
}

// StepBudget returns the loop budget for this process.
func (p *Managed) StepBudget() int { return p.stepBudget }

// Interrupts exposes the channel SIGUSR1/SIGUSR2 are delivered on.
func (p *Managed) Interrupts() <-chan string { return p.interrupt }

// Manager is the single writer for process records.
type Manager struct {
	cfg    config.AgentConfig
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger

	startRuntime RuntimeStarter
	sandboxProbe SandboxProbe

	mu      sync.RWMutex
	procs   map[int64]*Managed
	nextPID atomic.Int64
}

// NewManager creates the process manager.
func NewManager(cfg config.AgentConfig, s *store.Store, bus *events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  s,
		bus:    bus,
		logger: log.WithComponent("process"),
		procs:  make(map[int64]*Managed),
	}
}

// SetRuntimeStarter wires the agent runtime in. Must be called before Spawn.
func (m *Manager) SetRuntimeStarter(starter RuntimeStarter) {
	m.startRuntime = starter
}

// SetSandboxProbe wires the container backend availability check.
func (m *Manager) SetSandboxProbe(probe SandboxProbe) {
	m.sandboxProbe = probe
}

// Restore replays the persisted process table. The pid counter resumes from
// max(persisted pid)+1. Records left in a non-terminal state by an abrupt
// prior exit are forced to dead: after a reboot no worker exists for them.
func (m *Manager) Restore(ctx context.Context) error {
	maxPID, err := m.store.MaxPID(ctx)
	if err != nil {
		return fmt.Errorf("read max pid: %w", err)
	}
	m.nextPID.Store(maxPID)

	procs, err := m.store.GetAllProcesses(ctx)
	if err != nil {
		return fmt.Errorf("load processes: %w", err)
	}
	reaped := 0
	for _, p := range procs {
		if IsTerminal(p.State) {
			continue
		}
		code := -1
		now := time.Now().UTC()
		p.State = store.StateDead
		p.AgentPhase = store.PhaseFailed
		p.ExitCode = &code
		p.ExitedAt = &now
		if err := m.store.UpdateProcess(ctx, p); err != nil {
			m.logger.Warn("failed to reap stale process", zap.Int64("pid", p.PID), zap.Error(err))
			continue
		}
		reaped++
	}
	m.logger.Info("process table restored",
		zap.Int64("max_pid", maxPID),
		zap.Int("stale_reaped", reaped))
	return nil
}

// Spawn allocates the next pid, persists the record, and starts the agent
// runtime when the config is agentized. A sandboxed spawn with no reachable
// backend fails fast and leaves a dead record with a nonzero exit code.
func (m *Manager) Spawn(ctx context.Context, cfg SpawnConfig, parentPID int64, uid, ownerUID string) (*store.ProcessRecord, error) {
	pid := m.nextPID.Add(1)

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("agent-%d", pid)
	}
	record := &store.ProcessRecord{
		PID:        pid,
		PPID:       parentPID,
		UID:        uid,
		OwnerUID:   ownerUID,
		Name:       name,
		Role:       cfg.Role,
		Goal:       cfg.Goal,
		State:      store.StateCreated,
		AgentPhase: store.PhaseBooting,
		CWD:        cfg.CWD,
		Env:        cfg.Env,
		Sandbox:    cfg.Sandbox,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertProcess(ctx, record); err != nil {
		return nil, fmt.Errorf("persist process: %w", err)
	}

	stepBudget := cfg.StepBudget
	if stepBudget <= 0 {
		stepBudget = m.cfg.StepBudget
	}
	proc := &Managed{
		record:     record,
		interrupt:  make(chan string, 4),
		stepBudget: stepBudget,
	}

	m.mu.Lock()
	m.procs[pid] = proc
	m.mu.Unlock()

	m.bus.Emit(v1.EventProcessSpawned, map[string]any{
		"pid":   pid,
		"ppid":  parentPID,
		"name":  name,
		"role":  cfg.Role,
		"goal":  cfg.Goal,
		"uid":   uid,
		"state": store.StateCreated,
	})

	if cfg.Sandbox.Kind == "container" {
		if m.sandboxProbe == nil || !m.sandboxProbe(ctx) {
			m.failSpawn(ctx, proc)
			return proc.recordCopy(), errs.SandboxUnavailable("container backend unreachable")
		}
	}

	if cfg.Agentized && m.startRuntime != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		proc.mu.Lock()
		proc.cancel = cancel
		proc.mu.Unlock()

		if err := m.SetState(ctx, pid, store.StateRunning); err != nil {
			cancel()
			return nil, err
		}
		go m.startRuntime(runCtx, proc)
	}

	m.logger.Info("process spawned",
		zap.Int64("pid", pid),
		zap.String("role", cfg.Role),
		zap.Bool("agentized", cfg.Agentized))
	return proc.recordCopy(), nil
}

// failSpawn moves a just-created process straight to dead.
func (m *Manager) failSpawn(ctx context.Context, proc *Managed) {
	_ = m.SetState(ctx, proc.PID(), store.StateZombie)
	code := 1
	m.Exit(ctx, proc.PID(), code, store.PhaseFailed)
}

func (p *Managed) recordCopy() *store.ProcessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := *p.record
	return &rec
}

// Get returns the live table entry for a pid.
func (m *Manager) Get(pid int64) (*Managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	proc, ok := m.procs[pid]
	if !ok {
		return nil, errs.NotFound("process not found: %d", pid)
	}
	return proc, nil
}

// List returns records for all processes, live and persisted.
func (m *Manager) List(ctx context.Context) ([]*store.ProcessRecord, error) {
	return m.store.GetAllProcesses(ctx)
}

// Info returns one record, preferring the live table.
func (m *Manager) Info(ctx context.Context, pid int64) (*store.ProcessRecord, error) {
	if proc, err := m.Get(pid); err == nil {
		return proc.recordCopy(), nil
	}
	rec, err := m.store.GetProcess(ctx, pid)
	if err != nil {
		return nil, errs.NotFound("process not found: %d", pid)
	}
	return rec, nil
}

// Alive reports whether a pid still has a live table entry.
func (m *Manager) Alive(pid int64) bool {
	_, err := m.Get(pid)
	return err == nil
}

// LiveCount returns the number of processes with a running worker.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.procs)
}

// SetState transitions a process through the state DAG, persists the record,
// and emits process.stateChange. Invalid transitions are rejected.
func (m *Manager) SetState(ctx context.Context, pid int64, to string) error {
	proc, err := m.Get(pid)
	if err != nil {
		return err
	}

	proc.mu.Lock()
	from := proc.record.State
	if from == to {
		proc.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		proc.mu.Unlock()
		return errs.InvalidArgument("illegal state transition %s -> %s for pid %d", from, to, pid)
	}
	proc.record.State = to
	rec := *proc.record
	proc.mu.Unlock()

	if err := m.store.UpdateProcess(ctx, &rec); err != nil {
		return fmt.Errorf("persist state change: %w", err)
	}
	m.bus.Emit(v1.EventProcessStateChange, map[string]any{
		"pid":  pid,
		"from": from,
		"to":   to,
	})
	return nil
}

// SetPhase updates the agent phase, persists, and emits agent.phaseChange.
func (m *Manager) SetPhase(ctx context.Context, pid int64, phase string) error {
	proc, err := m.Get(pid)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	from := proc.record.AgentPhase
	proc.record.AgentPhase = phase
	rec := *proc.record
	proc.mu.Unlock()

	if from == phase {
		return nil
	}
	if err := m.store.UpdateProcess(ctx, &rec); err != nil {
		return fmt.Errorf("persist phase change: %w", err)
	}
	m.bus.Emit(v1.EventAgentPhaseChange, map[string]any{
		"pid":   pid,
		"from":  from,
		"phase": phase,
	})
	return nil
}

// Exit moves a process to zombie with its exit code, emits process.exit,
// then reaps it to dead and emits process.reaped. The record outlives the
// table entry.
func (m *Manager) Exit(ctx context.Context, pid int64, exitCode int, finalPhase string) {
	proc, err := m.Get(pid)
	if err != nil {
		return
	}

	proc.mu.Lock()
	if IsTerminal(proc.record.State) {
		proc.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	from := proc.record.State
	proc.record.State = store.StateZombie
	proc.record.AgentPhase = finalPhase
	proc.record.ExitCode = &exitCode
	proc.record.ExitedAt = &now
	rec := *proc.record
	proc.mu.Unlock()

	if err := m.store.UpdateProcess(ctx, &rec); err != nil {
		m.logger.Error("failed to persist exit", zap.Int64("pid", pid), zap.Error(err))
	}
	m.bus.Emit(v1.EventProcessStateChange, map[string]any{"pid": pid, "from": from, "to": store.StateZombie})
	m.bus.Emit(v1.EventProcessExit, map[string]any{
		"pid":       pid,
		"exit_code": exitCode,
		"phase":     finalPhase,
	})

	m.reap(ctx, proc)
}

// reap finishes zombie -> dead and drops the table entry, releasing the
// worker slot. The exit code stays on the persisted record.
func (m *Manager) reap(ctx context.Context, proc *Managed) {
	pid := proc.PID()

	proc.mu.Lock()
	proc.record.State = store.StateDead
	rec := *proc.record
	cancel := proc.cancel
	proc.mu.Unlock()

	// Persist before cancelling: the runtime exits with its own run context,
	// which cancel would otherwise abort before the write.
	if err := m.store.UpdateProcess(ctx, &rec); err != nil {
		m.logger.Error("failed to persist reap", zap.Int64("pid", pid), zap.Error(err))
	}
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	delete(m.procs, pid)
	m.mu.Unlock()

	m.bus.Emit(v1.EventProcessStateChange, map[string]any{"pid": pid, "from": store.StateZombie, "to": store.StateDead})
	m.bus.Emit(v1.EventProcessReaped, map[string]any{"pid": pid})
	m.logger.Info("process reaped", zap.Int64("pid", pid))
}

// Signal delivers a POSIX-flavored signal. It returns once the observable
// state change happened or the signal is queued for the agent.
func (m *Manager) Signal(ctx context.Context, pid int64, signal string) error {
	proc, err := m.Get(pid)
	if err != nil {
		return err
	}

	switch signal {
	case SigTerm, SigKill:
		proc.mu.Lock()
		cancel := proc.cancel
		proc.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		code := 143
		if signal == SigKill {
			code = 137
		}
		m.Exit(ctx, pid, code, store.PhaseFailed)
		return nil

	case SigInt:
		proc.mu.Lock()
		cancel := proc.cancel
		proc.mu.Unlock()
		if cancel != nil {
			cancel()
			return nil
		}
		m.Exit(ctx, pid, 130, store.PhaseFailed)
		return nil

	case SigStop:
		proc.mu.Lock()
		if proc.resumeCh == nil {
			proc.resumeCh = make(chan struct{})
		}
		proc.mu.Unlock()
		return m.SetState(ctx, pid, store.StateStopped)

	case SigCont:
		if err := m.SetState(ctx, pid, store.StateRunning); err != nil {
			return err
		}
		proc.mu.Lock()
		if proc.resumeCh != nil {
			close(proc.resumeCh)
			proc.resumeCh = nil
		}
		proc.mu.Unlock()
		return nil

	case SigUsr1, SigUsr2:
		select {
		case proc.interrupt <- signal:
		default:
			// Interrupt queue full; the agent is behind, drop the oldest.
			select {
			case <-proc.interrupt:
			default:
			}
			proc.interrupt <- signal
		}
		return nil

	default:
		return errs.InvalidArgument("unknown signal: %s", signal)
	}
}

// WaitWhileStopped blocks the caller until the process leaves stopped.
// The agent loop calls this between steps.
func (m *Manager) WaitWhileStopped(ctx context.Context, pid int64) error {
	proc, err := m.Get(pid)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	resume := proc.resumeCh
	proc.mu.Unlock()
	if resume == nil {
		return nil
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates all live processes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	pids := make([]int64, 0, len(m.procs))
	for pid := range m.procs {
		pids = append(pids, pid)
	}
	m.mu.RUnlock()

	for _, pid := range pids {
		if err := m.Signal(ctx, pid, SigTerm); err != nil {
			m.logger.Warn("shutdown signal failed", zap.Int64("pid", pid), zap.Error(err))
		}
	}
}
