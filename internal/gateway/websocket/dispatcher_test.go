package websocket

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/scheduler"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type testEnv struct {
	dispatcher *Dispatcher
	auth       *auth.Manager
	bus        *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "aether.db")
	cfg.Server.RPCTimeout = 30
	cfg.FS.Root = filepath.Join(dir, "fs")
	cfg.FS.SharedDir = "shared"
	cfg.Auth = config.AuthConfig{Secret: "pepper", TokenDuration: 3600, BcryptCost: 4}
	cfg.Agent = config.AgentConfig{StepBudget: 10, StepRetryBudget: 2, MetricsInterval: 5}
	cfg.Cluster.Role = "standalone"

	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	bus := events.NewBus(logger.Default())
	authMgr := auth.NewManager(s, cfg.Auth, logger.Default())
	require.NoError(t, authMgr.EnsureDefaultAdmin(context.Background(), "admin", "admin123"))

	procs := process.NewManager(cfg.Agent, s, bus, logger.Default())
	require.NoError(t, procs.Restore(context.Background()))

	fs, err := vfs.New(cfg.FS, s, bus, logger.Default())
	require.NoError(t, err)

	registry := plugins.NewRegistry(s, bus, logger.Default())
	pluginMgr := plugins.NewManager(cfg.FS.Root, registry, bus, logger.Default())
	mcpMgr := mcp.NewManager(s, bus, logger.Default())
	cluster := scheduler.NewClusterRouter(cfg.Cluster, procs, logger.Default())
	cron := scheduler.NewCronScheduler(s, bus, cluster, logger.Default())
	triggers := scheduler.NewTriggerEngine(s, bus, cluster, logger.Default())
	ttyMgr := tty.NewManager(nil, nil, bus, logger.Default())

	d := NewDispatcher(Deps{
		Cfg:      cfg,
		Auth:     authMgr,
		Procs:    procs,
		Spawner:  cluster,
		FS:       fs,
		TTY:      ttyMgr,
		Cron:     cron,
		Triggers: triggers,
		Plugins:  pluginMgr,
		MCP:      mcpMgr,
		Store:    s,
		Status: func(ctx context.Context) map[string]any {
			return map[string]any{"processes": procs.LiveCount()}
		},
	}, logger.Default())

	return &testEnv{dispatcher: d, auth: authMgr, bus: bus}
}

func newTestClient() *Client {
	return NewClient("test-client", nil, nil, nil, logger.Default())
}

// roundTrip sends one raw frame through the dispatcher and decodes the
// response.
func roundTrip(t *testing.T, env *testEnv, c *Client, raw string) map[string]any {
	t.Helper()
	var frame v1.Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))
	env.dispatcher.Handle(context.Background(), c, &frame)

	select {
	case data := <-c.send:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no response frame")
		return nil
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	resp := roundTrip(t, env, c, `{"type":"bogus.command","id":"1"}`)
	assert.Equal(t, v1.ResponseError, resp["type"])
	assert.Equal(t, v1.ErrUnknownCommand, resp["error"])
	assert.Equal(t, "1", resp["id"])
}

func TestCommandsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	resp := roundTrip(t, env, c, `{"type":"process.list","id":"2"}`)
	assert.Equal(t, v1.ResponseError, resp["type"])
	assert.Equal(t, v1.ErrUnauthorized, resp["error"])
}

func TestLoginThenSpawnAndList(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()

	resp := roundTrip(t, env, c, `{"type":"auth.login","id":"1","username":"admin","password":"admin123"}`)
	require.Equal(t, v1.ResponseOK, resp["type"])
	data := resp["data"].(map[string]any)
	assert.NotEmpty(t, data["token"])

	resp = roundTrip(t, env, c, `{"type":"process.spawn","id":"2","role":"Coder","goal":"print hello"}`)
	require.Equal(t, v1.ResponseOK, resp["type"], resp)
	data = resp["data"].(map[string]any)
	pid := data["pid"].(float64)
	assert.Greater(t, pid, float64(0))

	resp = roundTrip(t, env, c, `{"type":"process.list","id":"3"}`)
	require.Equal(t, v1.ResponseOK, resp["type"])
	procs := resp["data"].(map[string]any)["processes"].([]any)
	assert.NotEmpty(t, procs)
}

func TestBadCredentialsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	resp := roundTrip(t, env, c, `{"type":"auth.login","id":"1","username":"admin","password":"wrong"}`)
	assert.Equal(t, v1.ResponseError, resp["type"])
	assert.Equal(t, v1.ErrUnauthorized, resp["error"])
}

func TestTokenOnFrameAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := env.auth.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)

	c := newTestClient()
	resp := roundTrip(t, env, c, `{"type":"kernel.status","id":"1","token":"`+token+`"}`)
	assert.Equal(t, v1.ResponseOK, resp["type"])
}

func TestFSWriteReadOverWire(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	roundTrip(t, env, c, `{"type":"auth.login","id":"1","username":"admin","password":"admin123"}`)

	resp := roundTrip(t, env, c, `{"type":"fs.write","id":"2","path":"/notes.txt","content":"hello"}`)
	require.Equal(t, v1.ResponseOK, resp["type"], resp)

	resp = roundTrip(t, env, c, `{"type":"fs.read","id":"3","path":"/notes.txt"}`)
	require.Equal(t, v1.ResponseOK, resp["type"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, "hello", data["content"])
}

func TestCronCommandsOverWire(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	roundTrip(t, env, c, `{"type":"auth.login","id":"1","username":"admin","password":"admin123"}`)

	resp := roundTrip(t, env, c, `{"type":"cron.create","id":"2","name":"nightly","expression":"0 3 * * *","agent_config":{"role":"Janitor","goal":"clean"}}`)
	require.Equal(t, v1.ResponseOK, resp["type"], resp)
	jobID := resp["data"].(map[string]any)["id"].(string)

	resp = roundTrip(t, env, c, `{"type":"cron.list","id":"3"}`)
	require.Equal(t, v1.ResponseOK, resp["type"])
	jobs := resp["data"].(map[string]any)["jobs"].([]any)
	assert.Len(t, jobs, 1)

	resp = roundTrip(t, env, c, `{"type":"cron.delete","id":"4","jobId":"`+jobID+`"}`)
	require.Equal(t, v1.ResponseOK, resp["type"])
}

func TestInvalidCronExpressionOverWire(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	roundTrip(t, env, c, `{"type":"auth.login","id":"1","username":"admin","password":"admin123"}`)

	resp := roundTrip(t, env, c, `{"type":"cron.create","id":"2","name":"bad","expression":"whenever"}`)
	assert.Equal(t, v1.ResponseError, resp["type"])
	assert.Equal(t, v1.ErrInvalidArgument, resp["error"])
}

func TestTTYUnknownIDReturnsFalseOverWire(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient()
	roundTrip(t, env, c, `{"type":"auth.login","id":"1","username":"admin","password":"admin123"}`)

	resp := roundTrip(t, env, c, `{"type":"tty.input","id":"2","ttyId":"nope","data":"ls"}`)
	require.Equal(t, v1.ResponseOK, resp["type"])
	assert.Equal(t, false, resp["data"].(map[string]any)["ok"])
}
