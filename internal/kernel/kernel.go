// Package kernel wires every subsystem together: construction order, boot
// restore, the status probe, and graceful shutdown.
package kernel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aether-os/aether/internal/agent"
	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/common/tracing"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/gateway/httpapi"
	gatewayws "github.com/aether-os/aether/internal/gateway/websocket"
	"github.com/aether-os/aether/internal/integrations"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/openclaw"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/scheduler"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"

	"github.com/gin-gonic/gin"
)

// Version is stamped at build time.
var Version = "dev"

// shutdownDeadline bounds graceful shutdown.
const shutdownDeadline = 15 * time.Second

// Kernel owns every subsystem.
type Kernel struct {
	cfg    *config.Config
	logger *logger.Logger

	bus        *events.Bus
	store      *store.Store
	auth       *auth.Manager
	procs      *process.Manager
	fs         *vfs.FileSystem
	ttyMgr     *tty.Manager
	pluginMgr  *plugins.Manager
	mcpMgr     *mcp.Manager
	openclaw   *openclaw.Adapter
	integr     *integrations.Manager
	cron       *scheduler.CronScheduler
	triggers   *scheduler.TriggerEngine
	cluster    *scheduler.ClusterRouter
	containers sandbox.ContainerBackend
	hub        *gatewayws.Hub
	httpServer *http.Server

	startedAt time.Time
	cancel    context.CancelFunc
}

// ModelFactory builds the language model backing spawned agents. The
// provider layer is out of kernel scope; when no provider is configured, a
// scripted model serves that reports the missing provider and completes.
type ModelFactory = agent.ModelFactory

// New constructs the kernel, leaves first: bus and store, then every
// manager, then the gateway.
func New(cfg *config.Config, modelFactory ModelFactory, log *logger.Logger) (*Kernel, error) {
	k := &Kernel{cfg: cfg, logger: log.WithComponent("kernel"), startedAt: time.Now()}

	k.bus = events.NewBus(log)

	s, err := store.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	k.store = s

	k.auth = auth.NewManager(s, cfg.Auth, log)
	k.fs, err = vfs.New(cfg.FS, s, k.bus, log)
	if err != nil {
		return nil, fmt.Errorf("init vfs: %w", err)
	}

	// Sandbox backends. Docker being down is not a boot failure; the TTY
	// manager falls back to local PTYs and sandboxed spawns fail fast.
	if cfg.Docker.Enabled {
		backend, err := sandbox.NewDockerBackend(cfg.Docker, k.bus, log)
		if err != nil {
			k.logger.Warn("docker backend unavailable", zap.Error(err))
		} else {
			k.containers = backend
		}
	}
	k.ttyMgr = tty.NewManager(sandbox.NewLocalPTYBackend(log), k.containers, k.bus, log)

	registry := plugins.NewRegistry(s, k.bus, log)
	k.pluginMgr = plugins.NewManager(cfg.FS.Root, registry, k.bus, log)
	k.mcpMgr = mcp.NewManager(s, k.bus, log)
	k.openclaw = openclaw.NewAdapter(s, registry, k.bus, log)

	k.integr = integrations.NewManager(s, cfg.Auth.Secret, log)
	k.integr.AddProvider(integrations.NewS3Provider())

	k.procs = process.NewManager(cfg.Agent, s, k.bus, log)
	if k.containers != nil {
		k.procs.SetSandboxProbe(k.containers.Available)
	}

	if modelFactory == nil {
		modelFactory = func(role string) agent.LanguageModel {
			return agent.NewScriptedModel(
				&agent.Completion{Thought: "No language model provider is configured."},
				&agent.Completion{Done: true, Summary: "nothing to do without a model provider"},
			)
		}
	}
	builtins := agent.NewBuiltins(k.fs, k.procs, s)
	runtime := agent.NewRuntime(cfg.Agent, k.procs, s, k.bus, modelFactory,
		builtins, k.mcpMgr, registry, k.pluginMgr, log)
	k.procs.SetRuntimeStarter(runtime.Start)

	k.cluster = scheduler.NewClusterRouter(cfg.Cluster, k.procs, log)
	k.cron = scheduler.NewCronScheduler(s, k.bus, k.cluster, log)
	k.triggers = scheduler.NewTriggerEngine(s, k.bus, k.cluster, log)

	dispatcher := gatewayws.NewDispatcher(gatewayws.Deps{
		Cfg:        cfg,
		Auth:       k.auth,
		Procs:      k.procs,
		Spawner:    k.cluster,
		FS:         k.fs,
		TTY:        k.ttyMgr,
		Cron:       k.cron,
		Triggers:   k.triggers,
		Plugins:    k.pluginMgr,
		MCP:        k.mcpMgr,
		Containers: k.containers,
		Store:      s,
		Status:     k.status,
	}, log)
	k.hub = gatewayws.NewHub(dispatcher, k.bus, log)
	endpoint := gatewayws.NewEndpoint(k.hub, log)

	httpapi.WireMetrics(k.bus)
	api := httpapi.NewServer(httpapi.Deps{
		Version:      Version,
		StartedAt:    k.startedAt,
		Auth:         k.auth,
		Store:        s,
		Plugins:      k.pluginMgr,
		OpenClaw:     k.openclaw,
		Integrations: k.integr,
		Status: func(c *gin.Context) map[string]any {
			return k.status(c.Request.Context())
		},
		Cluster: k.cluster.Nodes,
		FSRead: func(c *gin.Context, uid, path string) ([]byte, error) {
			return k.fs.Read(c.Request.Context(), uid, path)
		},
		FSWrite: func(c *gin.Context, uid, path string, data []byte) error {
			return k.fs.Upload(c.Request.Context(), uid, path, data)
		},
		WSHandler: endpoint.Handle,
	}, log)

	k.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}
	return k, nil
}

// Run boots the kernel and blocks until ctx is done, then shuts down.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	defer cancel()

	if err := k.restore(ctx); err != nil {
		return fmt.Errorf("boot restore: %w", err)
	}

	go k.hub.Run(ctx)
	k.procs.StartSampler(ctx, k.containerCounter())
	k.cron.Start(ctx)
	k.triggers.Start(ctx)
	if err := k.cluster.Start(ctx); err != nil {
		return fmt.Errorf("cluster start: %w", err)
	}
	if _, err := k.fs.StartSharedWatcher(ctx, k.cfg.FS.WatchDebounceDuration()); err != nil {
		k.logger.Warn("shared watcher unavailable", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		k.logger.Info("kernel listening", zap.String("addr", k.httpServer.Addr))
		if err := k.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		k.shutdown()
		return nil
	})

	k.bus.Emit(v1.EventKernelReady, map[string]any{"version": Version})
	k.logger.Info("kernel ready", zap.String("version", Version))
	return g.Wait()
}

// restore replays durable state in dependency order.
func (k *Kernel) restore(ctx context.Context) error {
	if err := k.auth.EnsureDefaultAdmin(ctx, "admin", "admin123"); err != nil {
		return err
	}
	if err := k.procs.Restore(ctx); err != nil {
		return err
	}
	if err := k.pluginMgr.Registry().Restore(ctx); err != nil {
		return err
	}
	if err := k.openclaw.Restore(ctx); err != nil {
		return err
	}
	if err := k.mcpMgr.Restore(ctx); err != nil {
		return err
	}
	if err := k.cron.Restore(ctx); err != nil {
		return err
	}
	if err := k.triggers.Restore(ctx); err != nil {
		return err
	}
	if err := k.auth.PruneExpiredTokens(ctx); err != nil {
		k.logger.Warn("token prune failed", zap.Error(err))
	}
	return nil
}

// shutdown stops everything in reverse order within the deadline. The store
// closes last so every subsystem can still flush.
func (k *Kernel) shutdown() {
	k.logger.Info("kernel shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	_ = k.httpServer.Shutdown(ctx)
	k.procs.Shutdown(ctx)
	k.ttyMgr.Shutdown()
	k.mcpMgr.Shutdown(ctx)
	if k.containers != nil {
		if err := k.containers.Shutdown(ctx); err != nil {
			k.logger.Warn("container shutdown failed", zap.Error(err))
		}
	}
	if err := k.store.Shutdown(); err != nil {
		k.logger.Error("store shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		k.logger.Debug("tracing shutdown failed", zap.Error(err))
	}
	k.logger.Info("kernel stopped")
}

func (k *Kernel) containerCounter() process.ContainerCounter {
	if k.containers == nil {
		return nil
	}
	return k.containers.Count
}

// status assembles the kernel.status / health payload.
func (k *Kernel) status(ctx context.Context) map[string]any {
	dockerUp := k.containers != nil && k.containers.Available(ctx)
	containerCount := 0
	if dockerUp {
		containerCount = k.containers.Count(ctx)
	}

	states := map[string]int{}
	if procs, err := k.procs.List(ctx); err == nil {
		for _, p := range procs {
			states[p.State]++
		}
	}

	return map[string]any{
		"version":    Version,
		"uptime":     time.Since(k.startedAt).Seconds(),
		"processes":  k.procs.LiveCount(),
		"states":     states,
		"clients":    k.hub.ClientCount(),
		"docker":     dockerUp,
		"containers": containerCount,
		"mcpServers": k.mcpMgr.ConnectedIDs(),
		"ttys":       k.ttyMgr.Count(),
	}
}
