package agent

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
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
	"github.com/aether-os/aether/internal/vfs"
)

type fixture struct {
	store *store.Store
	bus   *events.Bus
	procs *process.Manager
	fs    *vfs.FileSystem
}

func newFixture(t *testing.T, model LanguageModel) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "aether.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	bus := events.NewBus(logger.Default())
	agentCfg := config.AgentConfig{StepBudget: 20, StepRetryBudget: 2, ApprovalStepGate: 0, MetricsInterval: 5}
	procs := process.NewManager(agentCfg, s, bus, logger.Default())
	require.NoError(t, procs.Restore(context.Background()))

	fsCfg := config.FSConfig{Root: filepath.Join(dir, "fs"), SharedDir: "shared", WatchDebounce: 50}
	fs, err := vfs.New(fsCfg, s, bus, logger.Default())
	require.NoError(t, err)

	builtins := NewBuiltins(fs, procs, s)
	runtime := NewRuntime(agentCfg, procs, s, bus,
		func(role string) LanguageModel { return model },
		builtins, nil, nil, nil, logger.Default())
	procs.SetRuntimeStarter(runtime.Start)

	return &fixture{store: s, bus: bus, procs: procs, fs: fs}
}

func waitForExit(t *testing.T, f *fixture, pid int64) *store.ProcessRecord {
	t.Helper()
	var rec *store.ProcessRecord
	require.Eventually(t, func() bool {
		r, err := f.store.GetProcess(context.Background(), pid)
		if err != nil {
			return false
		}
		rec = r
		return r.State == store.StateDead
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestHappyPathSpawnToReap(t *testing.T) {
	model := NewScriptedModel(
		&Completion{Thought: "I should write the greeting file."},
		&Completion{ToolCall: &ToolCall{Name: "fs_write", Args: map[string]any{
			"path": "/hello.txt", "content": "hello world",
		}}},
		&Completion{Done: true, Summary: "greeting written"},
	)
	f := newFixture(t, model)

	var mu sync.Mutex
	var eventOrder []string
	for _, et := range []string{
		v1.EventProcessSpawned, v1.EventAgentThought, v1.EventAgentAction,
		v1.EventAgentObservation, v1.EventProcessExit, v1.EventProcessReaped,
	} {
		eventType := et
		f.bus.On(eventType, func(e *events.Event) {
			mu.Lock()
			eventOrder = append(eventOrder, eventType)
			mu.Unlock()
		})
	}

	rec, err := f.procs.Spawn(context.Background(), process.SpawnConfig{
		Role: "Coder", Goal: "print hello", Agentized: true,
	}, 0, "u1", "u1")
	require.NoError(t, err)

	final := waitForExit(t, f, rec.PID)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.Equal(t, store.PhaseCompleted, final.AgentPhase)

	// The file really exists.
	data, err := f.fs.Read(context.Background(), "u1", "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// Logs are dense from 1.
	logs, err := f.store.GetAgentLogs(context.Background(), rec.PID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Step)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "process.spawned", eventOrder[0])
	assert.Contains(t, eventOrder, "agent.thought")
	assert.Contains(t, eventOrder, "agent.observation")
	assert.Equal(t, "process.reaped", eventOrder[len(eventOrder)-1])
}

func TestApprovalGateRejectFailsProcess(t *testing.T) {
	model := NewScriptedModel(
		&Completion{ToolCall: &ToolCall{Name: "fs_write", Args: map[string]any{
			"path": "/outside/escape.txt", "content": "x",
		}}},
		&Completion{Done: true},
	)
	f := newFixture(t, model)

	actionCh := make(chan map[string]any, 1)
	f.bus.On(v1.EventAgentAction, func(e *events.Event) {
		select {
		case actionCh <- e.Payload:
		default:
		}
	})

	rec, err := f.procs.Spawn(context.Background(), process.SpawnConfig{
		Role: "Coder", Goal: "escape", CWD: "/work", Agentized: true,
	}, 0, "u1", "u1")
	require.NoError(t, err)

	var action map[string]any
	select {
	case action = <-actionCh:
	case <-time.After(5 * time.Second):
		t.Fatal("agent.action not observed")
	}
	assert.Equal(t, true, action["needsApproval"])

	// The process parks in waiting.
	require.Eventually(t, func() bool {
		info, err := f.procs.Info(context.Background(), rec.PID)
		return err == nil && info.State == store.StateWaiting
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.procs.Reject(context.Background(), rec.PID, "no"))

	final := waitForExit(t, f, rec.PID)
	assert.Equal(t, store.PhaseFailed, final.AgentPhase)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 1, *final.ExitCode)

	logs, err := f.store.GetAgentLogs(context.Background(), rec.PID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, store.PhaseFailed, logs[len(logs)-1].Phase)
}

func TestApprovalGateApproveContinues(t *testing.T) {
	model := NewScriptedModel(
		&Completion{ToolCall: &ToolCall{Name: "spawn_child", Args: map[string]any{
			"role": "Helper", "goal": "assist",
		}}},
		&Completion{Done: true, Summary: "delegated"},
	)
	f := newFixture(t, model)

	rec, err := f.procs.Spawn(context.Background(), process.SpawnConfig{
		Role: "Lead", Goal: "delegate", Agentized: true,
	}, 0, "u1", "u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := f.procs.Info(context.Background(), rec.PID)
		return err == nil && info.State == store.StateWaiting
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.procs.Approve(context.Background(), rec.PID))

	final := waitForExit(t, f, rec.PID)
	assert.Equal(t, store.PhaseCompleted, final.AgentPhase)

	// The child exists and carries the parent pid.
	procs, err := f.procs.List(context.Background())
	require.NoError(t, err)
	var child *store.ProcessRecord
	for _, p := range procs {
		if p.PPID == rec.PID {
			child = p
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "Helper", child.Role)
}

func TestUnknownToolBecomesErrorObservation(t *testing.T) {
	model := NewScriptedModel(
		&Completion{ToolCall: &ToolCall{Name: "definitely_not_a_tool", Args: nil}},
		&Completion{Done: true},
	)
	f := newFixture(t, model)

	var observations []map[string]any
	var mu sync.Mutex
	f.bus.On(v1.EventAgentObservation, func(e *events.Event) {
		mu.Lock()
		observations = append(observations, e.Payload)
		mu.Unlock()
	})

	rec, err := f.procs.Spawn(context.Background(), process.SpawnConfig{
		Role: "Coder", Goal: "x", Agentized: true,
	}, 0, "u1", "u1")
	require.NoError(t, err)

	final := waitForExit(t, f, rec.PID)
	assert.Equal(t, store.PhaseCompleted, final.AgentPhase)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observations)
	assert.Equal(t, true, observations[0]["isError"])
}

func TestStepBudgetExhaustion(t *testing.T) {
	// A model that only ever thinks.
	var steps []*Completion
	for i := 0; i < 100; i++ {
		steps = append(steps, &Completion{Thought: "hmm"})
	}
	f := newFixture(t, NewScriptedModel(steps...))

	rec, err := f.procs.Spawn(context.Background(), process.SpawnConfig{
		Role: "Thinker", Goal: "ponder", Agentized: true, StepBudget: 5,
	}, 0, "u1", "u1")
	require.NoError(t, err)

	final := waitForExit(t, f, rec.PID)
	assert.Equal(t, store.PhaseIdle, final.AgentPhase)

	logs, err := f.store.GetAgentLogs(context.Background(), rec.PID)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestSigTermStopsAgentWithinQuantum(t *testing.T) {
	var steps []*Completion
	for i := 0; i < 1000; i++ {
		steps = append(steps, &Completion{Thought: "still going"})
	}
	f := newFixture(t, NewScriptedModel(steps...))

	rec, err := f.procs.Spawn(context.Background(), process.SpawnConfig{
		Role: "Runner", Goal: "run forever", Agentized: true, StepBudget: 1000,
	}, 0, "u1", "u1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.procs.Signal(context.Background(), rec.PID, process.SigTerm))

	final := waitForExit(t, f, rec.PID)
	assert.Equal(t, store.StateDead, final.State)
}
