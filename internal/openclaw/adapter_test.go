package openclaw

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/store"
)

const sampleSkill = `---
name: git-helper
description: Helps with git workflows
dependencies:
  bins: [sh]
category: vcs
---

Use short imperative commit subjects.
`

func newTestAdapter(t *testing.T) (*Adapter, *plugins.Registry, *store.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "aether.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	bus := events.NewBus(logger.Default())
	registry := plugins.NewRegistry(s, bus, logger.Default())
	return NewAdapter(s, registry, bus, logger.Default()), registry, s
}

func TestParseSkillBasics(t *testing.T) {
	skill, err := ParseSkill(sampleSkill, "/skills/git-helper/SKILL.md")
	require.NoError(t, err)
	assert.Equal(t, "git-helper", skill.Name)
	assert.Equal(t, "openclaw-git-helper", skill.ID)
	assert.Equal(t, "Helps with git workflows", skill.Description)
	assert.Equal(t, "Use short imperative commit subjects.", skill.Instructions)
	assert.Equal(t, "vcs", skill.Keywords["category"])
	assert.True(t, skill.DependenciesMet)
}

func TestParseSkillMissingNameRejected(t *testing.T) {
	_, err := ParseSkill("---\ndescription: no name\n---\nbody\n", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestParseSkillMissingFrontmatterRejected(t *testing.T) {
	_, err := ParseSkill("just a plain file", "x")
	require.Error(t, err)
}

func TestUnsetEnvDependencyWarnsButImports(t *testing.T) {
	a, registry, _ := newTestAdapter(t)
	require.Empty(t, os.Getenv("OPENCLAW_TEST_SECRET"))

	content := `---
name: secret-user
description: Needs a secret
dependencies:
  env: [OPENCLAW_TEST_SECRET]
---
body
`
	skill, err := a.ImportContent(context.Background(), content, "mem")
	require.NoError(t, err)

	assert.False(t, skill.DependenciesMet)
	require.NotEmpty(t, skill.Warnings)
	found := false
	for _, w := range skill.Warnings {
		if strings.Contains(w, "OPENCLAW_TEST_SECRET") {
			found = true
		}
	}
	assert.True(t, found, "warnings should mention the env var: %v", skill.Warnings)

	// Still registered despite unmet dependencies.
	assert.NotNil(t, registry.Get(skill.ID))
}

func TestReimportIsIdempotent(t *testing.T) {
	a, registry, _ := newTestAdapter(t)
	ctx := context.Background()

	first, err := a.ImportContent(ctx, sampleSkill, "mem")
	require.NoError(t, err)
	sizeAfterFirst := registry.Size()

	second, err := a.ImportContent(ctx, sampleSkill, "mem")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, sizeAfterFirst, registry.Size())
}

func TestCommandDispatchSkillExposesPerCommandTools(t *testing.T) {
	content := `---
name: deployer
description: Deploys things
commands:
  - name: status
    description: Show deploy status
    run: echo ok
  - name: rollback
    description: Roll back
    run: echo rollback
---
body
`
	skill, err := ParseSkill(content, "mem")
	require.NoError(t, err)
	m := skill.Manifest()
	require.Len(t, m.Tools, 2)
	assert.Equal(t, "openclaw-deployer_status", m.Tools[0].Name)
	assert.Equal(t, "echo ok", m.Tools[0].Command)
}

func TestBatchImportAggregates(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := context.Background()
	root := t.TempDir()

	writeSkill := func(dir, content string) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "SKILL.md"), []byte(content), 0o644))
	}
	writeSkill("good", sampleSkill)
	writeSkill("bad", "---\ndescription: nameless\n---\nbody\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	result, err := a.ImportDirectory(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalScanned)
	assert.Len(t, result.Imported, 1)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Path, "bad")
}

func TestRestoreSkipsCorruptRows(t *testing.T) {
	a, _, s := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.ImportContent(ctx, sampleSkill, "mem")
	require.NoError(t, err)
	require.NoError(t, s.UpsertOpenClawImport(ctx, &store.OpenClawImport{
		SkillID: "corrupt", Skill: "{oops", DependenciesMet: true,
	}))

	bus := events.NewBus(logger.Default())
	fresh := NewAdapter(s, plugins.NewRegistry(s, bus, logger.Default()), bus, logger.Default())
	require.NoError(t, fresh.Restore(ctx))
	assert.Len(t, fresh.ListImported(), 1)
}
