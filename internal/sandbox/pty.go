package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
)

// LocalPTYBackend spawns shells on the host under a pseudoterminal.
type LocalPTYBackend struct {
	logger *logger.Logger
}

// NewLocalPTYBackend creates the local PTY backend.
func NewLocalPTYBackend(log *logger.Logger) *LocalPTYBackend {
	return &LocalPTYBackend{logger: log.WithComponent("pty_backend")}
}

// SpawnShell starts the user's shell under a new PTY.
func (b *LocalPTYBackend) SpawnShell(ctx context.Context, spec ShellSpec) (ShellProcess, error) {
	shell, args := detectShell()

	cmd := exec.Command(shell, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, fmt.Errorf("start pty shell: %w", err)
	}

	b.logger.Info("local pty shell started",
		zap.Int64("pid", spec.PID),
		zap.String("shell", shell),
		zap.Int("os_pid", cmd.Process.Pid))

	return &localPTY{ptmx: ptmx, cmd: cmd}, nil
}

// detectShell returns the appropriate shell for the current OS.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo"}
		}
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, candidate := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// localPTY is a shell running under a host pseudoterminal.
// Its container counterpart is containerShell; per session exactly one of
// the two backs a TTY.
type localPTY struct {
	ptmx *os.File
	cmd  *exec.Cmd

	waitOnce sync.Once
	exitCode int
}

func (p *localPTY) Reader() io.Reader {
	return p.ptmx
}

func (p *localPTY) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

func (p *localPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localPTY) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill shell: %w", err)
	}
	return nil
}

func (p *localPTY) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		_ = p.ptmx.Close()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.exitCode = exitErr.ExitCode()
				return
			}
			p.exitCode = -1
			return
		}
		p.exitCode = 0
	})
	return p.exitCode
}
