// Package openclaw imports SKILL.md-packaged capabilities into the plugin
// registry: frontmatter metadata is parsed into a manifest, dependencies
// are validated against the host, and imports are persisted for restore.
package openclaw

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dependencies declares what a skill needs from the host.
type Dependencies struct {
	Bins []string `yaml:"bins" json:"bins,omitempty"`
	Env  []string `yaml:"env" json:"env,omitempty"`
	OS   []string `yaml:"os" json:"os,omitempty"`
}

// Command is one command-dispatch entry of a skill.
type Command struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Run         string `yaml:"run" json:"run"`
}

// Skill is a parsed SKILL.md.
type Skill struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Commands     []Command         `json:"commands,omitempty"`
	Dependencies Dependencies      `json:"dependencies"`
	Keywords     map[string]string `json:"keywords,omitempty"`
	Instructions string            `json:"instructions"`

	Warnings        []string `json:"warnings,omitempty"`
	DependenciesMet bool     `json:"dependencies_met"`
	SourcePath      string   `json:"source_path"`
}

// frontmatter is the raw YAML head of a SKILL.md.
type frontmatter struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Commands     []Command      `yaml:"commands"`
	Dependencies Dependencies   `yaml:"dependencies"`
	Rest         map[string]any `yaml:",inline"`
}

// ParseSkill parses SKILL.md content. A missing name frontmatter field is a
// hard rejection; everything else degrades to warnings.
func ParseSkill(content, sourcePath string) (*Skill, error) {
	head, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("skill frontmatter missing name")
	}

	skill := &Skill{
		ID:           skillID(fm.Name),
		Name:         fm.Name,
		Description:  fm.Description,
		Commands:     fm.Commands,
		Dependencies: fm.Dependencies,
		Instructions: strings.TrimSpace(body),
		SourcePath:   sourcePath,
	}

	if len(fm.Rest) > 0 {
		skill.Keywords = make(map[string]string, len(fm.Rest))
		for k, v := range fm.Rest {
			skill.Keywords[k] = fmt.Sprintf("%v", v)
		}
	}

	skill.validateDependencies()
	return skill, nil
}

// skillID derives the stable import id from the skill name, so re-importing
// the same skill lands on the same row.
func skillID(name string) string {
	id := strings.ToLower(name)
	id = strings.ReplaceAll(id, " ", "-")
	return "openclaw-" + id
}

// validateDependencies checks bins, env, and OS against the host. Missing
// bins and unset env mark dependencies as unmet; an OS mismatch warns but
// stays importable.
func (s *Skill) validateDependencies() {
	s.DependenciesMet = true

	for _, bin := range s.Dependencies.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			s.Warnings = append(s.Warnings, fmt.Sprintf("required binary %q not found on PATH", bin))
			s.DependenciesMet = false
		}
	}
	for _, env := range s.Dependencies.Env {
		if os.Getenv(env) == "" {
			s.Warnings = append(s.Warnings, fmt.Sprintf("required environment variable %s is not set", env))
			s.DependenciesMet = false
		}
	}
	if len(s.Dependencies.OS) > 0 {
		match := false
		for _, osName := range s.Dependencies.OS {
			if strings.EqualFold(osName, runtime.GOOS) {
				match = true
				break
			}
		}
		if !match {
			s.Warnings = append(s.Warnings, fmt.Sprintf("skill targets %s, running on %s",
				strings.Join(s.Dependencies.OS, "/"), runtime.GOOS))
		}
	}
}

// splitFrontmatter separates the YAML head from the instructions body.
func splitFrontmatter(content string) (head, body string, err error) {
	trimmed := strings.TrimLeft(content, "\ufeff\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	head = rest[:idx]
	body = rest[idx+4:]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return head, body, nil
}
