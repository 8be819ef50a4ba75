// Package plugins loads per-user plugin bundles from disk, validates their
// manifests, and maintains the persistent plugin registry.
package plugins

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Manifest describes an installed plugin and the tools it declares.
type Manifest struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Tools       []*ManifestTool `json:"tools"`

	// Instructions, when present, back instruction-based tools (OpenClaw
	// skills): calling the tool returns this text to the model.
	Instructions string `json:"instructions,omitempty"`

	// Keywords carries arbitrary frontmatter keys from skill imports.
	Keywords map[string]string `json:"keywords,omitempty"`

	// Warnings collected at import time (missing dependencies etc.).
	Warnings []string `json:"warnings,omitempty"`
}

// ManifestTool declares one tool within a plugin.
type ManifestTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON-schema block

	// Handler is the handler file path for disk bundles, relative to the
	// plugin directory. Empty for instruction-based tools.
	Handler string `json:"handler,omitempty"`

	// Command is the shell command for command-dispatch skills.
	Command string `json:"command,omitempty"`
}

// Validate checks the structural manifest contract.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s missing version", m.Name)
	}
	if m.Description == "" {
		return fmt.Errorf("manifest %s missing description", m.Name)
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("manifest %s declares no tools", m.Name)
	}
	for _, t := range m.Tools {
		if t.Name == "" {
			return fmt.Errorf("manifest %s has a tool without a name", m.Name)
		}
	}
	return nil
}

// ValidatePluginName rejects names that could traverse out of the plugins
// directory.
func ValidatePluginName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid plugin name: %s", name)
	}
	return nil
}

// ParseManifest decodes and validates a manifest JSON blob.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes the manifest for persistence.
func (m *Manifest) Encode() string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
