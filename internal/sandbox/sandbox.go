// Package sandbox provides the execution substrates for kernel processes:
// local pseudoterminals and Docker-backed container shells, unified under
// one shell-process shape consumed by the TTY manager.
package sandbox

import (
	"context"
	"io"
)

// ShellProcess is a running interactive shell, local or containerized.
type ShellProcess interface {
	// Reader streams combined shell output.
	Reader() io.Reader
	// Write forwards input bytes to the shell's stdin.
	Write(data []byte) (int, error)
	// Resize adjusts the terminal dimensions (best-effort for containers).
	Resize(cols, rows uint16) error
	// Kill terminates the shell. The local PTY backend kills the process
	// outright; the container backend stops the container with a 5 s grace
	// period.
	Kill() error
	// Wait blocks until the shell exits and returns its exit code.
	Wait() int
}

// ShellSpec describes the shell to spawn.
type ShellSpec struct {
	PID     int64
	WorkDir string
	Env     []string
	Image   string // container image override; empty uses the configured default
}

// ContainerBackend spawns container-backed shells and one-off execs.
type ContainerBackend interface {
	// Available reports whether the backend can spawn containers right now.
	Available(ctx context.Context) bool
	// SpawnShell starts an interactive shell container for a process.
	SpawnShell(ctx context.Context, spec ShellSpec) (ShellProcess, error)
	// Exec runs a command inside the container attached to pid and returns
	// combined output.
	Exec(ctx context.Context, pid int64, cmd []string) (string, error)
	// Count returns the number of live kernel-labeled containers.
	Count(ctx context.Context) int
	// Shutdown stops and removes all kernel-labeled containers.
	Shutdown(ctx context.Context) error
}

// PTYBackend spawns local pseudoterminal shells.
type PTYBackend interface {
	SpawnShell(ctx context.Context, spec ShellSpec) (ShellProcess, error)
}
