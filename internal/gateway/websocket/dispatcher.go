package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/common/tracing"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/scheduler"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// StatusProvider reports kernel-wide status for kernel.status.
type StatusProvider func(ctx context.Context) map[string]any

// Deps carries every manager the dispatcher fronts.
type Deps struct {
	Cfg        *config.Config
	Auth       *auth.Manager
	Procs      *process.Manager
	Spawner    scheduler.Spawner // cluster-routed spawn path
	FS         *vfs.FileSystem
	TTY        *tty.Manager
	Cron       *scheduler.CronScheduler
	Triggers   *scheduler.TriggerEngine
	Plugins    *plugins.Manager
	MCP        *mcp.Manager
	Containers sandbox.ContainerBackend // may be nil
	Store      *store.Store
	Status     StatusProvider
}

// handlerFunc executes one command and returns the response.ok data.
type handlerFunc func(ctx context.Context, c *Client, frame *v1.Frame) (any, error)

// Dispatcher routes command frames to handlers, enforcing authentication
// and the per-command RPC ceiling.
type Dispatcher struct {
	deps     Deps
	logger   *logger.Logger
	handlers map[string]handlerFunc

	// Commands that skip authentication.
	public map[string]bool
}

// NewDispatcher creates the dispatcher with every command registered.
func NewDispatcher(deps Deps, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		deps:     deps,
		logger:   log.WithComponent("dispatcher"),
		handlers: make(map[string]handlerFunc),
		public: map[string]bool{
			v1.CmdAuthLogin:    true,
			v1.CmdAuthRegister: true,
		},
	}
	d.registerAuthHandlers()
	d.registerProcessHandlers()
	d.registerFSHandlers()
	d.registerTTYHandlers()
	d.registerSchedulerHandlers()
	d.registerToolSurfaceHandlers()
	return d
}

// Handle runs one command frame end to end: auth, dispatch, one response.
func (d *Dispatcher) Handle(ctx context.Context, c *Client, frame *v1.Frame) {
	ctx, cancel := context.WithTimeout(ctx, d.rpcTimeout())
	defer cancel()

	ctx, span := tracing.Tracer("aether-gateway").Start(ctx, "kernel.command")
	span.SetAttributes(attribute.String("command", frame.Type))
	defer span.End()

	handler, ok := d.handlers[frame.Type]
	if !ok {
		c.sendFrame(v1.Error(frame.ID, v1.ErrUnknownCommand, "unknown command: "+frame.Type))
		return
	}

	if !d.public[frame.Type] {
		if err := d.authenticate(ctx, c, frame); err != nil {
			c.sendFrame(v1.Error(frame.ID, errs.Code(err), errs.UserMessage(err)))
			return
		}
	}

	data, err := handler(ctx, c, frame)
	if err != nil {
		code := errs.Code(err)
		if ctx.Err() == context.DeadlineExceeded {
			code = v1.ErrTimeout
		}
		d.logger.Debug("command failed",
			zap.String("command", frame.Type),
			zap.String("code", code),
			zap.Error(err))
		c.sendFrame(v1.Error(frame.ID, code, errs.UserMessage(err)))
		return
	}
	c.sendFrame(v1.OK(frame.ID, data))
}

// authenticate resolves the client's user from its connection state or the
// frame token.
func (d *Dispatcher) authenticate(ctx context.Context, c *Client, frame *v1.Frame) error {
	if c.User() != nil {
		return nil
	}
	if frame.Token != "" {
		user, err := d.deps.Auth.ValidateToken(ctx, frame.Token)
		if err == nil && user != nil {
			c.setUser(user)
			return nil
		}
	}
	return errs.Unauthorized("missing or invalid token")
}

// requirePermission consults RBAC for the client's user. Org resolution is
// implicit: with no orgs the kernel is permissive, otherwise membership of
// the named org decides.
func (d *Dispatcher) requirePermission(ctx context.Context, c *Client, permission, orgID string) error {
	user := c.User()
	if user == nil {
		return errs.Unauthorized("missing or invalid token")
	}
	ok, err := d.deps.Auth.HasPermission(ctx, user.ID, permission, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Forbidden("permission denied: %s", permission)
	}
	return nil
}

func (d *Dispatcher) rpcTimeout() time.Duration {
	if d.deps.Cfg != nil && d.deps.Cfg.Server.RPCTimeout > 0 {
		return d.deps.Cfg.Server.RPCTimeoutDuration()
	}
	return 30 * time.Second
}

func (d *Dispatcher) register(command string, handler handlerFunc) {
	d.handlers[command] = handler
}
