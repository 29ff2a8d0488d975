// Copyright 2026 Loomgate Authors. All rights reserved.

package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
)

// SessionView overlays a session's promote/demote sets on the global
// registry. The active set is (core − demoted) ∪ promoted, policy-filtered.
type SessionView struct {
	reg       *Registry
	sessionID string

	mu       sync.Mutex
	promoted map[string]bool
	demoted  map[string]bool
}

// PromoteResult reports the outcome of a promote/demote call; Error holds
// human-readable text the meta-tools feed back to the model.
type PromoteResult struct {
	Promoted    bool   `json:"promoted"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SessionID returns the owning session's id.
func (v *SessionView) SessionID() string { return v.sessionID }

// Promote activates a deferred or dynamic tool for this session. A second
// promote of the same name returns error text rather than succeeding twice.
func (v *SessionView) Promote(name string) PromoteResult {
	entry, ok := v.reg.promotable(name)
	if !ok {
		return PromoteResult{Error: fmt.Sprintf("tool %q is not in the catalog", name)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.promoted[name] {
		return PromoteResult{Error: fmt.Sprintf("tool %q is already loaded", name)}
	}
	v.promoted[name] = true

	desc := entry.Summary
	if entry.Tool != nil {
		desc = entry.Tool.Description()
	}
	return PromoteResult{Promoted: true, Description: desc}
}

// Demote hides a non-meta core tool from this session, or retracts a prior
// promotion. Meta-tools can never be demoted.
func (v *SessionView) Demote(name string) PromoteResult {
	if metaToolNames[name] {
		return PromoteResult{Error: fmt.Sprintf("tool %q cannot be unloaded", name)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.promoted[name] {
		delete(v.promoted, name)
		return PromoteResult{Promoted: true}
	}

	v.reg.mu.RLock()
	_, isCore := v.reg.core[name]
	v.reg.mu.RUnlock()

	if !isCore {
		return PromoteResult{Error: fmt.Sprintf("tool %q is not loaded", name)}
	}
	if v.demoted[name] {
		return PromoteResult{Error: fmt.Sprintf("tool %q is already unloaded", name)}
	}
	v.demoted[name] = true
	return PromoteResult{Promoted: true}
}

// ActiveTools returns the session's active set, sorted by name and filtered
// by the registry policy (meta-tools exempt).
func (v *SessionView) ActiveTools() []domaintool.Tool {
	v.mu.Lock()
	promoted := make([]string, 0, len(v.promoted))
	for name := range v.promoted {
		promoted = append(promoted, name)
	}
	demoted := make(map[string]bool, len(v.demoted))
	for name := range v.demoted {
		demoted[name] = true
	}
	v.mu.Unlock()

	v.reg.mu.RLock()
	tools := make([]domaintool.Tool, 0, len(v.reg.core)+len(promoted))
	for name, t := range v.reg.core {
		if !demoted[name] {
			tools = append(tools, t)
		}
	}
	for _, name := range promoted {
		if e, ok := v.reg.deferred[name]; ok && e.Tool != nil {
			tools = append(tools, e.Tool)
		} else if e, ok := v.reg.dynamic[name]; ok && e.Tool != nil {
			tools = append(tools, e.Tool)
		}
	}
	v.reg.mu.RUnlock()

	filtered := tools[:0]
	for _, t := range tools {
		if v.reg.allowed(t.Name()) {
			filtered = append(filtered, t)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Name() < filtered[j].Name() })
	return filtered
}

// DeferredCatalog returns catalog entries not yet promoted for this session.
func (v *SessionView) DeferredCatalog() []domaintool.CatalogEntry {
	all := v.reg.catalogEntries()

	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]domaintool.CatalogEntry, 0, len(all))
	for _, e := range all {
		if !v.promoted[e.Name] && v.reg.allowed(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

// ToolDefs returns the active set as LLM-schema definitions.
func (v *SessionView) ToolDefs() []domaintool.Definition {
	tools := v.ActiveTools()
	defs := make([]domaintool.Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, domaintool.Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// ToolDefsFiltered intersects the active set with an allowed list; the
// entry "*" means all-subject-to-deny.
func (v *SessionView) ToolDefsFiltered(allowed []string) []domaintool.Definition {
	defs := v.ToolDefs()
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, name := range allowed {
		if name == "*" {
			wildcard = true
		}
		set[name] = true
	}
	if wildcard {
		return defs
	}

	out := defs[:0]
	for _, d := range defs {
		if set[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs a tool for this session. Policy denial, unknown names, tool
// errors, and panics all come back as a Result; Execute never fails with a
// Go error and never panics.
func (v *SessionView) Execute(ctx context.Context, name string, args map[string]any, tc domaintool.Context) *domaintool.Result {
	if !v.reg.allowed(name) {
		return &domaintool.Result{Error: fmt.Sprintf("Tool %s failed: denied by policy", name)}
	}

	var target domaintool.Tool
	for _, t := range v.ActiveTools() {
		if t.Name() == name {
			target = t
			break
		}
	}
	if target == nil {
		return &domaintool.Result{Error: fmt.Sprintf("Tool %s failed: unknown tool", name)}
	}

	tc.SessionID = v.sessionID
	return v.reg.invoke(ctx, target, args, tc)
}
