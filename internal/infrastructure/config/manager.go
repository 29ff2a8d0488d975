// Copyright 2026 Loomgate Authors. All rights reserved.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loomgate/loomgate/pkg/safego"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager owns the live config pointer. Reads are lock-free snapshots;
// updates go through validate, atomic swap on disk, reload, notify.
type Manager struct {
	path   string
	logger *zap.Logger

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads the document at path and starts managing it.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		logger:  logger.With(zap.String("component", "config")),
		current: cfg,
		done:    make(chan struct{}),
	}, nil
}

// Current returns the live config snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback fired after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Document returns the full on-disk document as a map. When no file
// exists yet the live config is rendered instead.
func (m *Manager) Document() (map[string]any, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m.renderCurrent()
		}
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config document: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (m *Manager) renderCurrent() (map[string]any, error) {
	data, err := yaml.Marshal(m.Current())
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Masked returns the document with secrets replaced by "***".
func (m *Manager) Masked() (map[string]any, error) {
	doc, err := m.Document()
	if err != nil {
		return nil, err
	}
	return MaskSecrets(doc), nil
}

// Update applies a patch: "***" leaves are dropped, the rest deep-merges
// over the on-disk document, the result is validated, written atomically
// and reloaded. Listeners fire on success.
func (m *Manager) Update(patch map[string]any) error {
	doc, err := m.Document()
	if err != nil {
		return err
	}

	merged := DeepMerge(doc, StripMasked(patch))
	if err := ValidateDocument(merged); err != nil {
		return err
	}
	if err := m.writeAtomic(merged); err != nil {
		return err
	}
	return m.reload()
}

// Flush rewrites the current document to disk, used once at shutdown.
func (m *Manager) Flush() error {
	doc, err := m.Document()
	if err != nil {
		return err
	}
	return m.writeAtomic(doc)
}

func (m *Manager) writeAtomic(doc map[string]any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (m *Manager) reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = cfg
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	m.logger.Info("Config reloaded", zap.String("path", m.path))
	return nil
}

// Watch reloads the live config when the file changes on disk. Editors
// and atomic renames produce bursts of events, so reloads are debounced.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	safego.Go(m.logger, "config-watcher", func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != m.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, func() {
					if err := m.reload(); err != nil {
						m.logger.Warn("Config reload failed", zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("Config watcher error", zap.Error(err))
			case <-m.done:
				return
			}
		}
	})
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
