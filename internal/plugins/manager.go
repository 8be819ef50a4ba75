package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/tools"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// handlerTimeout bounds a single handler subprocess run.
const handlerTimeout = 60 * time.Second

// Manager loads per-user plugin bundles from
// <fsRoot>/<uid>/.config/plugins/<name>/ at agent spawn. Each bundle is a
// manifest.json plus handler files executed as sandboxed subprocesses.
type Manager struct {
	fsRoot   string
	registry *Registry
	bus      *events.Bus
	logger   *logger.Logger
}

// NewManager creates the plugin manager.
func NewManager(fsRoot string, registry *Registry, bus *events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		fsRoot:   fsRoot,
		registry: registry,
		bus:      bus,
		logger:   log.WithComponent("plugins"),
	}
}

// Registry returns the persistent plugin registry.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) pluginsDir(uid string) string {
	return filepath.Join(m.fsRoot, uid, ".config", "plugins")
}

// LoadForAgent scans a user's plugin bundles and returns the tools they
// contribute. Invalid bundles emit plugin.error and are skipped; loading
// never fails the spawn.
func (m *Manager) LoadForAgent(ctx context.Context, pid int64, uid string) []*tools.Tool {
	dir := m.pluginsDir(uid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("cannot read plugins dir", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}

	var out []*tools.Tool
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		loaded, err := m.loadBundle(pluginDir)
		if err != nil {
			m.logger.Warn("skipping plugin bundle",
				zap.String("plugin", entry.Name()), zap.Int64("pid", pid), zap.Error(err))
			m.bus.Emit(v1.EventPluginError, map[string]any{
				"pid":    pid,
				"plugin": entry.Name(),
				"error":  err.Error(),
			})
			continue
		}
		out = append(out, loaded...)
		m.bus.Emit(v1.EventPluginLoaded, map[string]any{
			"pid":    pid,
			"plugin": entry.Name(),
			"tools":  len(loaded),
		})
	}
	return out
}

// loadBundle validates one bundle and builds its tools.
func (m *Manager) loadBundle(pluginDir string) ([]*tools.Tool, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	var out []*tools.Tool
	for _, mt := range manifest.Tools {
		if mt.Handler == "" {
			return nil, fmt.Errorf("tool %s missing handler", mt.Name)
		}
		handlerPath, err := resolveHandlerPath(pluginDir, mt.Handler)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(handlerPath); err != nil {
			return nil, fmt.Errorf("handler not found: %s", mt.Handler)
		}
		out = append(out, &tools.Tool{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: mt.Parameters,
			Execute:     handlerExecute(handlerPath, pluginDir),
		})
	}
	return out, nil
}

// resolveHandlerPath resolves a handler relative to the plugin directory and
// rejects anything escaping it. This check is a hard rule regardless of how
// handlers are executed.
func resolveHandlerPath(pluginDir, handler string) (string, error) {
	resolved := filepath.Clean(filepath.Join(pluginDir, handler))
	if resolved != pluginDir && !strings.HasPrefix(resolved, pluginDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("handler path escapes plugin directory: %s", handler)
	}
	return resolved, nil
}

// Install writes a plugin bundle to the user's plugins directory and
// registers it. Plugin names with path separators or traversal are rejected.
func (m *Manager) Install(ctx context.Context, pid int64, uid string, manifest *Manifest, handlers map[string]string) (string, error) {
	if err := ValidatePluginName(manifest.Name); err != nil {
		return "", errs.InvalidArgument("%s", err.Error())
	}
	if err := manifest.Validate(); err != nil {
		return "", errs.InvalidArgument("%s", err.Error())
	}

	pluginDir := filepath.Join(m.pluginsDir(uid), manifest.Name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return "", fmt.Errorf("create plugin dir: %w", err)
	}

	for name, source := range handlers {
		path, err := resolveHandlerPath(pluginDir, name)
		if err != nil {
			return "", errs.InvalidArgument("%s", err.Error())
		}
		if err := os.WriteFile(path, []byte(source), 0o755); err != nil {
			return "", fmt.Errorf("write handler %s: %w", name, err)
		}
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	if _, err := m.registry.Install(ctx, manifest, "local", uid); err != nil {
		return "", err
	}

	m.logger.Info("plugin installed",
		zap.String("plugin", manifest.Name),
		zap.String("uid", uid),
		zap.Int64("pid", pid))
	return pluginDir, nil
}

// handlerExecute runs a handler file as a subprocess: args as JSON on stdin,
// observation from stdout.
func handlerExecute(handlerPath, workDir string) tools.ExecuteFunc {
	return func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode args: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()

		cmd := interpreterCommand(runCtx, handlerPath)
		cmd.Dir = workDir
		cmd.Stdin = bytes.NewReader(input)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("AETHER_PID=%d", ec.PID),
			"AETHER_UID="+ec.UID,
		)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = err.Error()
			}
			return "", fmt.Errorf("handler failed: %s", detail)
		}
		return stdout.String(), nil
	}
}

// interpreterCommand picks the interpreter for a handler by extension.
func interpreterCommand(ctx context.Context, handlerPath string) *exec.Cmd {
	switch filepath.Ext(handlerPath) {
	case ".js", ".mjs":
		return exec.CommandContext(ctx, "node", handlerPath)
	case ".py":
		return exec.CommandContext(ctx, "python3", handlerPath)
	case ".sh":
		return exec.CommandContext(ctx, "sh", handlerPath)
	default:
		return exec.CommandContext(ctx, handlerPath)
	}
}

// commandDispatchExecute runs a skill-declared shell command with the call
// arguments exported as environment variables.
func commandDispatchExecute(command string) tools.ExecuteFunc {
	return func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
		runCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "sh", "-c", command)
		cmd.Dir = ec.CWD
		env := os.Environ()
		for k, v := range args {
			env = append(env, fmt.Sprintf("ARG_%s=%v", strings.ToUpper(k), v))
		}
		cmd.Env = env

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return out.String(), fmt.Errorf("command failed: %w", err)
		}
		return out.String(), nil
	}
}
