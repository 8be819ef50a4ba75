package scheduler

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
)

// fakeSpawner records spawns without running anything.
type fakeSpawner struct {
	mu      sync.Mutex
	spawned []process.SpawnConfig
	nextPID int64
	alive   map[int64]bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{alive: make(map[int64]bool)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, cfg process.SpawnConfig, parentPID int64, uid, ownerUID string) (*store.ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.spawned = append(f.spawned, cfg)
	f.alive[f.nextPID] = true
	return &store.ProcessRecord{PID: f.nextPID, UID: uid, OwnerUID: ownerUID}, nil
}

func (f *fakeSpawner) Alive(pid int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "aether.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestCronCreateValidatesExpression(t *testing.T) {
	s := newTestStore(t)
	c := NewCronScheduler(s, events.NewBus(logger.Default()), newFakeSpawner(), logger.Default())

	_, err := c.Create(context.Background(), "bad", "not a cron", process.SpawnConfig{}, "u1", true)
	require.Error(t, err)

	job, err := c.Create(context.Background(), "nightly", "0 3 * * *", process.SpawnConfig{Role: "Janitor", Goal: "clean"}, "u1", true)
	require.NoError(t, err)
	require.NotNil(t, job.NextRun)
	assert.True(t, job.NextRun.After(time.Now()))
}

func TestCronCreateDeleteIsNoOpOnState(t *testing.T) {
	s := newTestStore(t)
	c := NewCronScheduler(s, events.NewBus(logger.Default()), newFakeSpawner(), logger.Default())
	ctx := context.Background()

	before := c.JobCount()
	job, err := c.Create(ctx, "tmp", "* * * * *", process.SpawnConfig{}, "u1", true)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, job.ID))

	assert.Equal(t, before, c.JobCount())
	jobs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCronTickFiresDueJob(t *testing.T) {
	s := newTestStore(t)
	spawner := newFakeSpawner()
	c := NewCronScheduler(s, events.NewBus(logger.Default()), spawner, logger.Default())
	ctx := context.Background()

	job, err := c.Create(ctx, "everyminute", "* * * * *", process.SpawnConfig{Role: "Worker", Goal: "tick"}, "u1", true)
	require.NoError(t, err)

	// Force the job due and tick manually.
	past := time.Now().Add(-time.Minute)
	c.mu.Lock()
	c.jobs[job.ID].record.NextRun = &past
	c.mu.Unlock()

	c.tick(ctx, time.Now())
	assert.Equal(t, 1, spawner.spawnCount())

	// Previous run still live: the next due fire is skipped.
	c.mu.Lock()
	c.jobs[job.ID].record.NextRun = &past
	c.mu.Unlock()
	c.tick(ctx, time.Now())
	assert.Equal(t, 1, spawner.spawnCount())

	// After the run dies, firing resumes.
	spawner.mu.Lock()
	spawner.alive[1] = false
	spawner.mu.Unlock()
	c.mu.Lock()
	c.jobs[job.ID].record.NextRun = &past
	c.mu.Unlock()
	c.tick(ctx, time.Now())
	assert.Equal(t, 2, spawner.spawnCount())
}

func TestCronRestoreRecomputesNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := NewCronScheduler(s, events.NewBus(logger.Default()), newFakeSpawner(), logger.Default())
	_, err := c.Create(ctx, "hourly", "0 * * * *", process.SpawnConfig{}, "u1", true)
	require.NoError(t, err)

	fresh := NewCronScheduler(s, events.NewBus(logger.Default()), newFakeSpawner(), logger.Default())
	require.NoError(t, fresh.Restore(ctx))
	assert.Equal(t, 1, fresh.JobCount())

	jobs, err := fresh.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRun)
}

func TestTriggerFiltersAndCooldown(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(logger.Default())
	spawner := newFakeSpawner()
	engine := NewTriggerEngine(s, bus, spawner, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	_, err := engine.Create(ctx, "on-exit", "process.exit",
		map[string]any{"exit_code": 1}, 60_000,
		process.SpawnConfig{Role: "Medic", Goal: "investigate failure"}, "u1")
	require.NoError(t, err)

	// Non-matching payload: filtered out.
	bus.Emit("process.exit", map[string]any{"exit_code": 0})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, spawner.spawnCount())

	// Matching payload fires once.
	bus.Emit("process.exit", map[string]any{"exit_code": 1})
	require.Eventually(t, func() bool { return spawner.spawnCount() == 1 }, time.Second, 10*time.Millisecond)

	// Cooldown suppresses the immediate repeat.
	bus.Emit("process.exit", map[string]any{"exit_code": 1})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, spawner.spawnCount())
}

func TestTriggerShallowSubsetMatch(t *testing.T) {
	assert.True(t, filterMatches(`{}`, map[string]any{"a": 1}))
	assert.True(t, filterMatches(`{"a":1}`, map[string]any{"a": 1, "b": 2}))
	assert.False(t, filterMatches(`{"a":2}`, map[string]any{"a": 1}))
	assert.False(t, filterMatches(`{"missing":1}`, map[string]any{"a": 1}))
}

func TestClusterPickNodePrefersLowestLoad(t *testing.T) {
	r := NewClusterRouter(config.ClusterConfig{Role: "hub"}, newFakeSpawner(), logger.Default())

	r.nodes["a"] = &clusterNode{health: nodeHealth{NodeID: "a", Load: 8, Capacity: 10}, lastSeen: time.Now()}
	r.nodes["b"] = &clusterNode{health: nodeHealth{NodeID: "b", Load: 1, Capacity: 10}, lastSeen: time.Now()}
	r.nodes["stale"] = &clusterNode{health: nodeHealth{NodeID: "stale", Load: 0, Capacity: 10}, lastSeen: time.Now().Add(-time.Minute)}
	r.nodes["full"] = &clusterNode{health: nodeHealth{NodeID: "full", Load: 10, Capacity: 10}, lastSeen: time.Now()}

	id, ok := r.pickNode()
	require.True(t, ok)
	assert.Equal(t, "b", id)
}

func TestStandaloneBypassesRouting(t *testing.T) {
	spawner := newFakeSpawner()
	r := NewClusterRouter(config.ClusterConfig{Role: "standalone"}, spawner, logger.Default())
	require.NoError(t, r.Start(context.Background()))

	_, err := r.Spawn(context.Background(), process.SpawnConfig{Role: "X", Goal: "y"}, 0, "u1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, spawner.spawnCount())
}
