// Copyright 2026 Loomgate Authors. All rights reserved.

package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
	"go.uber.org/zap"
)

// ExecObserver receives one record per tool execution for instrumentation.
// outcome is "ok" or "error"; panics count as errors.
type ExecObserver func(tool, outcome string, elapsed time.Duration)

// Registry is the process-wide tool catalog. It keeps three disjoint sets:
//
//   - core:     always loaded, active for every session unless demoted
//   - deferred: present in the catalog with a summary, inactive until a
//     session promotes them
//   - dynamic:  registered at runtime (plugin-sourced), promotable like
//     deferred entries
//
// Per-session activation is layered on by SessionView; the registry itself
// never changes per session.
type Registry struct {
	mu       sync.RWMutex
	core     map[string]domaintool.Tool
	deferred map[string]domaintool.CatalogEntry
	dynamic  map[string]domaintool.CatalogEntry
	policy   domaintool.Policy
	views    map[string]*SessionView
	observer ExecObserver
	logger   *zap.Logger
}

// NewRegistry creates a registry with the meta-tools pre-registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		core:     make(map[string]domaintool.Tool),
		deferred: make(map[string]domaintool.CatalogEntry),
		dynamic:  make(map[string]domaintool.CatalogEntry),
		views:    make(map[string]*SessionView),
		logger:   logger.With(zap.String("component", "tool-registry")),
	}
	r.registerMetaTools()
	return r
}

// Register adds a core tool. Core tools cannot be unloaded process-wide.
func (r *Registry) Register(t domaintool.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if r.exists(name) {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.core[name] = t
	r.logger.Info("Registered core tool", zap.String("tool", name))
	return nil
}

// RegisterDeferred adds a catalog entry that sessions may promote.
func (r *Registry) RegisterDeferred(entry domaintool.CatalogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exists(entry.Name) {
		return fmt.Errorf("tool %s already registered", entry.Name)
	}
	r.deferred[entry.Name] = entry
	r.logger.Info("Registered deferred tool", zap.String("tool", entry.Name))
	return nil
}

// RegisterDynamic adds a runtime (plugin-sourced) tool to the catalog.
func (r *Registry) RegisterDynamic(t domaintool.Tool, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if r.exists(name) {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.dynamic[name] = domaintool.CatalogEntry{Name: name, Summary: summary, Tool: t}
	r.logger.Info("Registered dynamic tool", zap.String("tool", name))
	return nil
}

// RemoveDynamic removes a runtime tool from the catalog. Sessions that
// promoted it lose it on their next active-set rebuild.
func (r *Registry) RemoveDynamic(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.dynamic[name]; !ok {
		return fmt.Errorf("dynamic tool %s not found", name)
	}
	delete(r.dynamic, name)
	r.logger.Info("Removed dynamic tool", zap.String("tool", name))
	return nil
}

// SetPolicy replaces the allow/deny policy applied at enumeration and
// execution. Meta-tools are exempt.
func (r *Registry) SetPolicy(allow, deny []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = domaintool.Policy{Allow: allow, Deny: deny}
}

// SetObserver attaches execution instrumentation. Nil disables reporting.
func (r *Registry) SetObserver(fn ExecObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// View returns the per-session overlay, creating it on first use.
func (r *Registry) View(sessionID string) *SessionView {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.views[sessionID]; ok {
		return v
	}
	v := &SessionView{
		reg:       r,
		sessionID: sessionID,
		promoted:  make(map[string]bool),
		demoted:   make(map[string]bool),
	}
	r.views[sessionID] = v
	return v
}

// DropView discards a session's overlay (used on session delete/reset).
func (r *Registry) DropView(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, sessionID)
}

// Stats summarizes catalog sizes for the /api/status read-out.
type Stats struct {
	Core     int `json:"core"`
	Deferred int `json:"deferred"`
	Dynamic  int `json:"dynamic"`
}

// GetStats returns current catalog sizes.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Core: len(r.core), Deferred: len(r.deferred), Dynamic: len(r.dynamic)}
}

// exists checks all three sets. Caller holds the lock.
func (r *Registry) exists(name string) bool {
	if _, ok := r.core[name]; ok {
		return true
	}
	if _, ok := r.deferred[name]; ok {
		return true
	}
	_, ok := r.dynamic[name]
	return ok
}

// promotable looks up a name in the deferred∪dynamic catalog.
func (r *Registry) promotable(name string) (domaintool.CatalogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.deferred[name]; ok {
		return e, true
	}
	e, ok := r.dynamic[name]
	return e, ok
}

// catalogEntries returns the full deferred∪dynamic catalog sorted by name.
func (r *Registry) catalogEntries() []domaintool.CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domaintool.CatalogEntry, 0, len(r.deferred)+len(r.dynamic))
	for _, e := range r.deferred {
		out = append(out, e)
	}
	for _, e := range r.dynamic {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// allowed applies the policy with the meta-tool exemption.
func (r *Registry) allowed(name string) bool {
	if metaToolNames[name] {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy.IsAllowed(name)
}

// invoke runs a tool body, converting both returned errors and panics into
// a Result. The registry never panics out of an execution.
func (r *Registry) invoke(ctx context.Context, t domaintool.Tool, args map[string]any, tc domaintool.Context) (res *domaintool.Result) {
	r.mu.RLock()
	obs := r.observer
	r.mu.RUnlock()
	if obs != nil {
		start := time.Now()
		// Registered before the recover defer so it observes the final res.
		defer func() {
			outcome := "ok"
			if res != nil && res.Error != "" {
				outcome = "error"
			}
			obs(t.Name(), outcome, time.Since(start))
		}()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool panicked",
				zap.String("tool", t.Name()),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			res = &domaintool.Result{Error: fmt.Sprintf("Tool %s failed: panic: %v", t.Name(), rec)}
		}
	}()

	result, err := t.Execute(ctx, args, tc)
	if err != nil {
		return &domaintool.Result{Error: fmt.Sprintf("Tool %s failed: %v", t.Name(), err)}
	}
	if result == nil {
		return &domaintool.Result{}
	}
	return result
}
