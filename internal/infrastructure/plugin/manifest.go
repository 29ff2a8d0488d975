// Copyright 2026 Loomgate Authors. All rights reserved.

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plugin kinds a manifest may declare.
const (
	KindTool       = "tool"
	KindMiddleware = "middleware"
)

// Manifest describes one plugin, loaded from a YAML file in the plugins
// directory. A tool plugin runs a script and feeds its stdout back to the
// model; a middleware plugin filters or rewrites message traffic.
type Manifest struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`

	// Tool plugins.
	Script  string         `yaml:"script"`
	Runtime string         `yaml:"runtime"`
	Schema  map[string]any `yaml:"schema"`

	// Middleware plugins.
	BlockPatterns   []string          `yaml:"blockPatterns"`
	ReplacePatterns map[string]string `yaml:"replacePatterns"`
}

// Validate checks the manifest for the fields its kind requires.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin manifest missing name")
	}
	switch m.Kind {
	case KindTool:
		if m.Script == "" {
			return fmt.Errorf("plugin %q: tool plugins require a script", m.Name)
		}
	case KindMiddleware:
		if len(m.BlockPatterns) == 0 && len(m.ReplacePatterns) == 0 {
			return fmt.Errorf("plugin %q: middleware plugins require blockPatterns or replacePatterns", m.Name)
		}
	default:
		return fmt.Errorf("plugin %q: unknown kind %q", m.Name, m.Kind)
	}
	return nil
}

// runtimeFor infers the interpreter from the script extension when the
// manifest does not name one.
func (m *Manifest) runtimeFor() string {
	if m.Runtime != "" {
		return m.Runtime
	}
	switch filepath.Ext(m.Script) {
	case ".py":
		return "python3"
	case ".js":
		return "node"
	default:
		return "bash"
	}
}

// readManifests parses every *.yaml and *.yml file in dir, sorted by
// filename so load order is stable.
func readManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read plugin manifest %s: %w", name, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse plugin manifest %s: %w", name, err)
		}
		if m.Name == "" {
			m.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
