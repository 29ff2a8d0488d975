// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"

	"github.com/loomgate/loomgate/internal/domain/tool"
)

// ToolView is the per-session slice of the tool registry the agent works
// against.
type ToolView interface {
	ToolDefs() []tool.Definition
	ToolDefsFiltered(allowed []string) []tool.Definition
	DeferredCatalog() []tool.CatalogEntry
	Execute(ctx context.Context, name string, args map[string]any, tc tool.Context) *tool.Result
}

// ToolViewProvider hands out session views.
type ToolViewProvider interface {
	ViewFor(sessionID string) ToolView
}

// PromptBuilder assembles the per-iteration system prompt.
type PromptBuilder interface {
	Build(sessionID string, elevated bool, catalog []tool.CatalogEntry) string
}

// MemoryProvider supplies the opaque memory block appended to the system
// prompt, plus named-file access for the heartbeat job.
type MemoryProvider interface {
	MemoryBlock(sessionID string) string
	ReadFile(name string) (string, error)
}

// SkillsProvider supplies the opaque skills block appended to the system
// prompt.
type SkillsProvider interface {
	SkillsBlock() string
}

// MemoryIndexer rebuilds or queries the memory search index.
type MemoryIndexer interface {
	Reindex(ctx context.Context) (int, error)
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// PresenceNotifier receives busy/idle transitions for live UIs.
type PresenceNotifier interface {
	PresenceChanged(sessionID string, busy bool)
}

// NoopPresence discards presence transitions.
type NoopPresence struct{}

func (NoopPresence) PresenceChanged(string, bool) {}
