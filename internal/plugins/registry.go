package plugins

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tools"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// Registry is the persistent plugin registry. Installed manifests survive
// restarts; instruction-based tools are served straight from the registry.
type Registry struct {
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger

	mu      sync.RWMutex
	entries map[string]*RegistryEntry
}

// RegistryEntry is one installed plugin.
type RegistryEntry struct {
	Record   *store.PluginRecord
	Manifest *Manifest
}

// NewRegistry creates the plugin registry.
func NewRegistry(s *store.Store, bus *events.Bus, log *logger.Logger) *Registry {
	return &Registry{
		store:   s,
		bus:     bus,
		logger:  log.WithComponent("plugin_registry"),
		entries: make(map[string]*RegistryEntry),
	}
}

// Restore reloads persisted plugins. Rows with corrupt manifests are skipped
// with a log line, never aborting boot.
func (r *Registry) Restore(ctx context.Context) error {
	records, err := r.store.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		manifest, err := ParseManifest([]byte(rec.Manifest))
		if err != nil {
			r.logger.Warn("skipping plugin with corrupt manifest",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		r.entries[rec.ID] = &RegistryEntry{Record: rec, Manifest: manifest}
	}
	r.logger.Info("plugin registry restored", zap.Int("count", len(r.entries)))
	return nil
}

// Install registers a manifest. Re-installing the same plugin id updates it
// in place and leaves the registry size unchanged.
func (r *Registry) Install(ctx context.Context, manifest *Manifest, source, ownerUID string) (*RegistryEntry, error) {
	if err := manifest.Validate(); err != nil {
		return nil, errs.InvalidArgument("%s", err.Error())
	}
	if err := ValidatePluginName(manifest.Name); err != nil {
		return nil, errs.InvalidArgument("%s", err.Error())
	}

	record := &store.PluginRecord{
		ID:            manifest.Name,
		OwnerUID:      ownerUID,
		Manifest:      manifest.Encode(),
		InstallSource: source,
		Enabled:       true,
	}
	if err := r.store.UpsertPlugin(ctx, record); err != nil {
		return nil, fmt.Errorf("persist plugin: %w", err)
	}

	entry := &RegistryEntry{Record: record, Manifest: manifest}
	r.mu.Lock()
	r.entries[record.ID] = entry
	r.mu.Unlock()

	r.bus.Emit(v1.EventPluginLoaded, map[string]any{
		"pluginId": record.ID,
		"source":   source,
		"tools":    len(manifest.Tools),
	})
	return entry, nil
}

// Uninstall removes a plugin from the registry and the store.
func (r *Registry) Uninstall(ctx context.Context, id string) error {
	r.mu.Lock()
	_, known := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if err := r.store.DeletePlugin(ctx, id); err != nil {
		if known {
			return fmt.Errorf("delete plugin: %w", err)
		}
		return errs.NotFound("plugin not found: %s", id)
	}
	return nil
}

// SetEnabled flips a plugin's enabled flag.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		entry.Record.Enabled = enabled
	}
	r.mu.Unlock()
	if !ok {
		return errs.NotFound("plugin not found: %s", id)
	}
	return r.store.SetPluginEnabled(ctx, id, enabled)
}

// Get returns one entry, or nil.
func (r *Registry) Get(id string) *RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// List returns all entries.
func (r *Registry) List() []*RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Size returns the number of installed plugins.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Tools serves instruction-based tools from enabled registry entries.
// Handler-backed tools are loaded per-agent by the Manager instead.
func (r *Registry) Tools() []*tools.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*tools.Tool
	for _, entry := range r.entries {
		if !entry.Record.Enabled || entry.Manifest.Instructions == "" {
			continue
		}
		instructions := entry.Manifest.Instructions
		for _, mt := range entry.Manifest.Tools {
			if mt.Handler != "" {
				continue
			}
			tool := &tools.Tool{
				Name:        mt.Name,
				Description: mt.Description,
				InputSchema: mt.Parameters,
			}
			if cmd := mt.Command; cmd != "" {
				tool.Execute = commandDispatchExecute(cmd)
				tool.ApprovalRequired = true
			} else {
				tool.Execute = func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
					return instructions, nil
				}
			}
			out = append(out, tool)
		}
	}
	return out
}
