package process

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *events.Bus) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "aether.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	bus := events.NewBus(logger.Default())
	agentCfg := config.AgentConfig{StepBudget: 10, StepRetryBudget: 2, ApprovalStepGate: 8, MetricsInterval: 5}
	m := NewManager(agentCfg, s, bus, logger.Default())
	require.NoError(t, m.Restore(context.Background()))
	return m, s, bus
}

func spawnPlain(t *testing.T, m *Manager) int64 {
	t.Helper()
	rec, err := m.Spawn(context.Background(), SpawnConfig{Role: "Coder", Goal: "test"}, 0, "u1", "u1")
	require.NoError(t, err)
	return rec.PID
}

func TestSpawnAllocatesMonotonicPIDs(t *testing.T) {
	m, _, bus := newTestManager(t)

	var spawned []any
	bus.On(v1.EventProcessSpawned, func(e *events.Event) { spawned = append(spawned, e.Payload["pid"]) })

	p1 := spawnPlain(t, m)
	p2 := spawnPlain(t, m)
	assert.Equal(t, p1+1, p2)
	assert.Len(t, spawned, 2)
}

func TestPIDCounterResumesAfterRestore(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	m.Exit(ctx, pid, 0, store.PhaseCompleted)

	m2 := NewManager(m.cfg, s, events.NewBus(logger.Default()), logger.Default())
	require.NoError(t, m2.Restore(ctx))
	next := spawnPlain(t, m2)
	assert.Greater(t, next, pid)
}

func TestRestoreReapsStaleProcesses(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	// Simulate an abrupt exit: the record stays created/running in the store.

	m2 := NewManager(m.cfg, s, events.NewBus(logger.Default()), logger.Default())
	require.NoError(t, m2.Restore(ctx))

	rec, err := s.GetProcess(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateDead, rec.State)
	require.NotNil(t, rec.ExitCode)
}

func TestStateDAGRejectsReturnToCreated(t *testing.T) {
	assert.False(t, CanTransition(store.StateRunning, store.StateCreated))
	assert.False(t, CanTransition(store.StateDead, store.StateRunning))
	assert.True(t, CanTransition(store.StateRunning, store.StateSleeping))
	assert.True(t, CanTransition(store.StateSleeping, store.StateRunning))
	assert.True(t, CanTransition(store.StateZombie, store.StateDead))
}

func TestExitEmitsZombieThenReap(t *testing.T) {
	m, s, bus := newTestManager(t)
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	record := func(name string) func(e *events.Event) {
		return func(e *events.Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	bus.On(v1.EventProcessExit, record("exit"))
	bus.On(v1.EventProcessReaped, record("reaped"))

	pid := spawnPlain(t, m)
	m.Exit(ctx, pid, 0, store.PhaseCompleted)

	mu.Lock()
	assert.Equal(t, []string{"exit", "reaped"}, order)
	mu.Unlock()

	rec, err := s.GetProcess(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateDead, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)

	// Table entry is gone, record persists.
	_, err = m.Get(pid)
	assert.Error(t, err)
}

func TestSigStopAndCont(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	require.NoError(t, m.SetState(ctx, pid, store.StateRunning))

	require.NoError(t, m.Signal(ctx, pid, SigStop))
	rec, err := m.Info(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateStopped, rec.State)

	require.NoError(t, m.Signal(ctx, pid, SigCont))
	rec, err = m.Info(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, rec.State)
}

func TestSigTermReachesDead(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	require.NoError(t, m.Signal(ctx, pid, SigTerm))

	rec, err := s.GetProcess(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateDead, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 143, *rec.ExitCode)
}

func TestSigUsrDeliveredAsInterrupt(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	proc, err := m.Get(pid)
	require.NoError(t, err)

	require.NoError(t, m.Signal(ctx, pid, SigUsr1))
	select {
	case sig := <-proc.Interrupts():
		assert.Equal(t, SigUsr1, sig)
	case <-time.After(time.Second):
		t.Fatal("interrupt not delivered")
	}
}

func TestUnknownSignalRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	pid := spawnPlain(t, m)
	assert.Error(t, m.Signal(context.Background(), pid, "SIGFOO"))
}

func TestIPCMailbox(t *testing.T) {
	m, _, bus := newTestManager(t)
	ctx := context.Background()

	var delivered int
	bus.On(v1.EventIPCDelivered, func(e *events.Event) { delivered++ })

	a := spawnPlain(t, m)
	b := spawnPlain(t, m)

	msg := m.SendMessage(ctx, a, b, "control", map[string]any{"op": "ping"})
	require.NotNil(t, msg)
	assert.Equal(t, 1, delivered)

	// Unknown target returns nil.
	assert.Nil(t, m.SendMessage(ctx, a, 9999, "control", nil))

	msgs := m.DrainMessages(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, "control", msgs[0].Channel)

	// Drain empties atomically.
	assert.Empty(t, m.DrainMessages(b))
}

func TestApprovalFlow(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	require.NoError(t, m.SetState(ctx, pid, store.StateRunning))

	ch, err := m.RequestApproval(ctx, pid)
	require.NoError(t, err)

	rec, err := m.Info(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, rec.State)

	require.NoError(t, m.Approve(ctx, pid))
	select {
	case d := <-ch:
		assert.True(t, d.Approved)
	case <-time.After(time.Second):
		t.Fatal("approval not delivered")
	}

	rec, err = m.Info(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, rec.State)
}

func TestRejectCarriesReason(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pid := spawnPlain(t, m)
	require.NoError(t, m.SetState(ctx, pid, store.StateRunning))

	ch, err := m.RequestApproval(ctx, pid)
	require.NoError(t, err)

	require.NoError(t, m.Reject(ctx, pid, "no"))
	d := <-ch
	assert.False(t, d.Approved)
	assert.Equal(t, "no", d.Reason)
}

func TestApproveWithoutPendingFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	pid := spawnPlain(t, m)
	assert.Error(t, m.Approve(context.Background(), pid))
}

func TestSandboxUnavailableFailsFast(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	m.SetSandboxProbe(func(ctx context.Context) bool { return false })

	rec, err := m.Spawn(ctx, SpawnConfig{
		Role:    "Coder",
		Goal:    "x",
		Sandbox: store.SandboxConfig{Kind: "container"},
	}, 0, "u1", "u1")
	require.Error(t, err)

	persisted, gerr := s.GetProcess(ctx, rec.PID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StateDead, persisted.State)
	require.NotNil(t, persisted.ExitCode)
	assert.NotZero(t, *persisted.ExitCode)
}
