package plugins

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

func newTestManager(t *testing.T) (*Manager, *Registry, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "aether.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	bus := events.NewBus(logger.Default())
	registry := NewRegistry(s, bus, logger.Default())
	fsRoot := filepath.Join(dir, "fs")
	return NewManager(fsRoot, registry, bus, logger.Default()), registry, fsRoot
}

func validManifest() *Manifest {
	return &Manifest{
		Name:        "greeter",
		Version:     "1.0.0",
		Description: "Greets people",
		Tools: []*ManifestTool{
			{Name: "greet", Description: "Say hello", Handler: "greet.sh"},
		},
	}
}

func TestInstallThenLoadForAgent(t *testing.T) {
	m, registry, _ := newTestManager(t)
	ctx := context.Background()

	dir, err := m.Install(ctx, 1, "u1", validManifest(), map[string]string{
		"greet.sh": "#!/bin/sh\necho hello\n",
	})
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, 1, registry.Size())

	loaded := m.LoadForAgent(ctx, 1, "u1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "greet", loaded[0].Name)
}

func TestInstallRejectsTraversalNames(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"../evil", "a/b", `a\b`, ""} {
		manifest := validManifest()
		manifest.Name = name
		_, err := m.Install(ctx, 1, "u1", manifest, nil)
		assert.Error(t, err, name)
	}
}

func TestHandlerEscapeRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	manifest := validManifest()
	manifest.Tools[0].Handler = "../../outside.sh"
	_, err := m.Install(ctx, 1, "u1", manifest, map[string]string{
		"../../outside.sh": "echo pwned",
	})
	require.Error(t, err)
}

func TestLoadSkipsInvalidBundleAndEmitsError(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// A valid bundle next to one with a handler escaping its directory.
	_, err := m.Install(ctx, 1, "u1", validManifest(), map[string]string{
		"greet.sh": "echo hi",
	})
	require.NoError(t, err)

	bad := validManifest()
	bad.Name = "escaper"
	badDir, err := m.Install(ctx, 1, "u1", bad, map[string]string{"greet.sh": "echo hi"})
	require.NoError(t, err)
	// Corrupt the bundle on disk after install.
	rewriteManifest(t, badDir, `{"name":"escaper","version":"1","description":"d","tools":[{"name":"x","description":"d","handler":"../../../etc/passwd"}]}`)

	var failed []any
	m.bus.On(v1.EventPluginError, func(e *events.Event) { failed = append(failed, e.Payload["plugin"]) })

	loaded := m.LoadForAgent(ctx, 2, "u1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "greet", loaded[0].Name)
	assert.Equal(t, []any{"escaper"}, failed)
}

func TestUninstallRemovesFromRegistry(t *testing.T) {
	m, registry, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Install(ctx, 1, "u1", validManifest(), map[string]string{"greet.sh": "echo hi"})
	require.NoError(t, err)
	require.Equal(t, 1, registry.Size())

	require.NoError(t, registry.Uninstall(ctx, "greeter"))
	assert.Equal(t, 0, registry.Size())
	assert.Error(t, registry.Uninstall(ctx, "greeter"))
}

func TestRegistryRestoreSkipsCorruptRows(t *testing.T) {
	m, registry, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Install(ctx, 1, "u1", validManifest(), map[string]string{"greet.sh": "echo hi"})
	require.NoError(t, err)

	// A corrupt manifest row alongside the good one.
	require.NoError(t, registry.store.UpsertPlugin(ctx, &store.PluginRecord{
		ID: "broken", OwnerUID: "u1", Manifest: "{not json", InstallSource: "local", Enabled: true,
	}))

	fresh := NewRegistry(registry.store, events.NewBus(logger.Default()), logger.Default())
	require.NoError(t, fresh.Restore(ctx))
	assert.Equal(t, 1, fresh.Size())
}

func TestInstructionToolsServedFromRegistry(t *testing.T) {
	_, registry, _ := newTestManager(t)
	ctx := context.Background()

	manifest := &Manifest{
		Name:         "writing-style",
		Version:      "1.0.0",
		Description:  "Writing style guide",
		Instructions: "Write tersely.",
		Tools:        []*ManifestTool{{Name: "writing-style", Description: "Style guide"}},
	}
	_, err := registry.Install(ctx, manifest, "local", "openclaw-importer")
	require.NoError(t, err)

	ts := registry.Tools()
	require.Len(t, ts, 1)
	out, err := ts[0].Execute(ctx, toolsExecContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Write tersely.", out)
}
