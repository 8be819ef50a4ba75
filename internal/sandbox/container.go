package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// pidLabel marks kernel-owned containers with their owning process id.
const pidLabel = "aether.pid"

// DockerBackend implements ContainerBackend on the Docker Engine API.
type DockerBackend struct {
	cli    *client.Client
	cfg    config.DockerConfig
	bus    *events.Bus
	logger *logger.Logger

	mu         sync.Mutex
	containers map[int64]string // pid -> container id
}

// NewDockerBackend creates the Docker container backend. The constructor
// succeeds even when the daemon is down; Available reports the live state.
func NewDockerBackend(cfg config.DockerConfig, bus *events.Bus, log *logger.Logger) (*DockerBackend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerBackend{
		cli:        cli,
		cfg:        cfg,
		bus:        bus,
		logger:     log.WithComponent("docker_backend"),
		containers: make(map[int64]string),
	}, nil
}

// Available reports whether the Docker daemon responds.
func (b *DockerBackend) Available(ctx context.Context) bool {
	if !b.cfg.Enabled {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := b.cli.Ping(pingCtx)
	return err == nil
}

// SpawnShell creates and starts an interactive shell container for a
// process, attached with a TTY.
func (b *DockerBackend) SpawnShell(ctx context.Context, spec ShellSpec) (ShellProcess, error) {
	image := spec.Image
	if image == "" {
		image = b.cfg.DefaultImage
	}

	containerCfg := &container.Config{
		Image:        image,
		Cmd:          []string{"/bin/sh"},
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		Labels:       map[string]string{pidLabel: fmt.Sprintf("%d", spec.PID)},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.cfg.DefaultNetwork),
		AutoRemove:  false,
	}

	name := fmt.Sprintf("aether-shell-%d", spec.PID)
	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create shell container: %w", err)
	}
	b.bus.Emit(v1.EventContainerCreated, map[string]any{"containerId": resp.ID, "pid": spec.PID})

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach shell container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start shell container: %w", err)
	}
	b.bus.Emit(v1.EventContainerStarted, map[string]any{"containerId": resp.ID, "pid": spec.PID})

	b.mu.Lock()
	b.containers[spec.PID] = resp.ID
	b.mu.Unlock()

	b.logger.Info("container shell started",
		zap.Int64("pid", spec.PID),
		zap.String("container_id", resp.ID),
		zap.String("image", image))

	return &containerShell{
		backend:     b,
		containerID: resp.ID,
		pid:         spec.PID,
		conn:        attach.Conn,
		reader:      attach.Reader,
	}, nil
}

// Exec runs a command inside the container attached to pid and returns the
// combined output.
func (b *DockerBackend) Exec(ctx context.Context, pid int64, cmd []string) (string, error) {
	b.mu.Lock()
	containerID, ok := b.containers[pid]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no container for pid %d", pid)
	}

	execID, err := b.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attach.Reader); err != nil {
		return buf.String(), fmt.Errorf("read exec output: %w", err)
	}
	return buf.String(), nil
}

// Count returns the number of live kernel-labeled containers.
func (b *DockerBackend) Count(ctx context.Context) int {
	args := filters.NewArgs(filters.Arg("label", pidLabel))
	list, err := b.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return 0
	}
	return len(list)
}

// Shutdown stops and removes every kernel-labeled container.
func (b *DockerBackend) Shutdown(ctx context.Context) error {
	args := filters.NewArgs(filters.Arg("label", pidLabel))
	list, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		timeout := 5
		_ = b.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		if err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("failed to remove container", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		b.bus.Emit(v1.EventContainerRemoved, map[string]any{"containerId": c.ID})
	}
	return b.cli.Close()
}

func (b *DockerBackend) release(pid int64) {
	b.mu.Lock()
	delete(b.containers, pid)
	b.mu.Unlock()
}

// containerShell is a shell running inside a TTY-attached container.
type containerShell struct {
	backend     *DockerBackend
	containerID string
	pid         int64
	conn        net.Conn
	reader      io.Reader

	waitOnce sync.Once
	exitCode int
}

func (c *containerShell) Reader() io.Reader {
	return c.reader
}

func (c *containerShell) Write(data []byte) (int, error) {
	return c.conn.Write(data)
}

// Resize adjusts the container TTY size. Best-effort: errors from stopped
// containers are swallowed.
func (c *containerShell) Resize(cols, rows uint16) error {
	_ = c.backend.cli.ContainerResize(context.Background(), c.containerID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
	return nil
}

func (c *containerShell) Kill() error {
	ctx := context.Background()
	timeout := 5
	if err := c.backend.cli.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	c.backend.bus.Emit(v1.EventContainerStopped, map[string]any{"containerId": c.containerID, "pid": c.pid})
	return nil
}

func (c *containerShell) Wait() int {
	c.waitOnce.Do(func() {
		ctx := context.Background()
		statusCh, errCh := c.backend.cli.ContainerWait(ctx, c.containerID, container.WaitConditionNotRunning)
		select {
		case status := <-statusCh:
			c.exitCode = int(status.StatusCode)
		case <-errCh:
			c.exitCode = -1
		}
		_ = c.conn.Close()
		_ = c.backend.cli.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true})
		c.backend.bus.Emit(v1.EventContainerRemoved, map[string]any{"containerId": c.containerID, "pid": c.pid})
		c.backend.release(c.pid)
	})
	return c.exitCode
}
