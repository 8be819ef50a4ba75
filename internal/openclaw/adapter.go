package openclaw

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// importerSource is the registry owner recorded for skill-backed plugins.
const importerSource = "openclaw-importer"

// BatchResult aggregates one directory-tree import.
type BatchResult struct {
	Imported     []string       `json:"imported"`
	Failed       []BatchFailure `json:"failed"`
	TotalScanned int            `json:"totalScanned"`
}

// BatchFailure records one skill that failed to import.
type BatchFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Adapter imports OpenClaw skills and keeps them registered across restarts.
type Adapter struct {
	store    *store.Store
	registry *plugins.Registry
	bus      *events.Bus
	logger   *logger.Logger

	mu       sync.RWMutex
	imported map[string]*Skill
}

// NewAdapter creates the OpenClaw adapter.
func NewAdapter(s *store.Store, registry *plugins.Registry, bus *events.Bus, log *logger.Logger) *Adapter {
	return &Adapter{
		store:    s,
		registry: registry,
		bus:      bus,
		logger:   log.WithComponent("openclaw"),
		imported: make(map[string]*Skill),
	}
}

// Restore reloads persisted imports, silently skipping corrupted rows.
func (a *Adapter) Restore(ctx context.Context) error {
	rows, err := a.store.ListOpenClawImports(ctx)
	if err != nil {
		return fmt.Errorf("list openclaw imports: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range rows {
		var skill Skill
		if err := json.Unmarshal([]byte(row.Skill), &skill); err != nil {
			a.logger.Warn("skipping corrupt openclaw import",
				zap.String("skill_id", row.SkillID), zap.Error(err))
			continue
		}
		a.imported[skill.ID] = &skill
	}
	a.logger.Info("openclaw imports restored", zap.Int("count", len(a.imported)))
	return nil
}

// ImportFile imports a single SKILL.md file.
func (a *Adapter) ImportFile(ctx context.Context, path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NotFound("skill file not found: %s", path)
	}
	return a.ImportContent(ctx, string(content), path)
}

// ImportContent imports SKILL.md content. The skill is registered even when
// its dependencies are unmet; warnings travel with it.
func (a *Adapter) ImportContent(ctx context.Context, content, sourcePath string) (*Skill, error) {
	skill, err := ParseSkill(content, sourcePath)
	if err != nil {
		return nil, errs.InvalidArgument("%s", err.Error())
	}

	if _, err := a.registry.Install(ctx, skill.Manifest(), "local", importerSource); err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(skill)
	if err != nil {
		return nil, fmt.Errorf("serialize skill: %w", err)
	}
	err = a.store.UpsertOpenClawImport(ctx, &store.OpenClawImport{
		SkillID:         skill.ID,
		Skill:           string(serialized),
		DependenciesMet: skill.DependenciesMet,
		SourcePath:      sourcePath,
	})
	if err != nil {
		return nil, fmt.Errorf("persist import: %w", err)
	}

	a.mu.Lock()
	a.imported[skill.ID] = skill
	a.mu.Unlock()

	a.logger.Info("skill imported",
		zap.String("skill", skill.Name),
		zap.Bool("dependencies_met", skill.DependenciesMet),
		zap.Int("warnings", len(skill.Warnings)))
	a.bus.Emit(v1.EventOpenClawSkillImported, map[string]any{
		"skillId":         skill.ID,
		"name":            skill.Name,
		"dependenciesMet": skill.DependenciesMet,
		"warnings":        skill.Warnings,
	})
	return skill, nil
}

// ImportDirectory walks the immediate subdirectories of root, importing
// each SKILL.md found, and aggregates the outcome.
func (a *Adapter) ImportDirectory(ctx context.Context, root string) (*BatchResult, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errs.NotFound("skills directory not found: %s", root)
	}

	result := &BatchResult{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		result.TotalScanned++
		skill, err := a.ImportFile(ctx, path)
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{Path: path, Error: err.Error()})
			continue
		}
		result.Imported = append(result.Imported, skill.ID)
	}

	a.bus.Emit(v1.EventOpenClawBatchImported, map[string]any{
		"imported":     result.Imported,
		"failed":       len(result.Failed),
		"totalScanned": result.TotalScanned,
	})
	return result, nil
}

// ListImported returns all imported skills.
func (a *Adapter) ListImported() []*Skill {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Skill, 0, len(a.imported))
	for _, s := range a.imported {
		out = append(out, s)
	}
	return out
}

// Get returns one imported skill, or nil.
func (a *Adapter) Get(skillID string) *Skill {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.imported[skillID]
}

// Manifest converts a parsed skill into a plugin manifest. Instruction-based
// skills expose a single tool carrying the skill name; command-dispatch
// skills expose one tool per declared command.
func (s *Skill) Manifest() *plugins.Manifest {
	description := s.Description
	if description == "" {
		description = s.Name
	}
	m := &plugins.Manifest{
		Name:         s.ID,
		Version:      "1.0.0",
		Description:  description,
		Instructions: s.Instructions,
		Keywords:     s.Keywords,
		Warnings:     s.Warnings,
	}
	if len(s.Commands) > 0 {
		for _, cmd := range s.Commands {
			m.Tools = append(m.Tools, &plugins.ManifestTool{
				Name:        s.ID + "_" + cmd.Name,
				Description: cmd.Description,
				Command:     cmd.Run,
			})
		}
		return m
	}
	m.Tools = []*plugins.ManifestTool{{
		Name:        s.ID,
		Description: description,
	}}
	return m
}
