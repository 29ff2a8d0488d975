// Copyright 2026 Loomgate Authors. All rights reserved.

package prompt

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/domain/tool"
)

// Builder assembles the system prompt from six blocks in fixed order:
// configured prompt, environment, session, deferred-tool catalog, skills,
// memory. Blocks join with a blank line; empty blocks are dropped.
type Builder struct {
	systemPrompt func() string
	workdir      func() string
	skills       service.SkillsProvider
	memory       service.MemoryProvider
	now          func() time.Time
}

var _ service.PromptBuilder = (*Builder)(nil)

// NewBuilder creates a Builder. systemPrompt and workdir are read lazily
// so config hot reloads take effect on the next iteration.
func NewBuilder(systemPrompt, workdir func() string, skills service.SkillsProvider, memory service.MemoryProvider) *Builder {
	return &Builder{
		systemPrompt: systemPrompt,
		workdir:      workdir,
		skills:       skills,
		memory:       memory,
		now:          time.Now,
	}
}

// Build renders the prompt for one loop iteration.
func (b *Builder) Build(sessionID string, elevated bool, catalog []tool.CatalogEntry) string {
	blocks := make([]string, 0, 6)

	if sp := b.systemPrompt(); sp != "" {
		blocks = append(blocks, sp)
	}
	blocks = append(blocks, b.environmentBlock())
	blocks = append(blocks, sessionBlock(sessionID, elevated))
	if cb := catalogBlock(catalog); cb != "" {
		blocks = append(blocks, cb)
	}
	if b.skills != nil {
		if sb := b.skills.SkillsBlock(); sb != "" {
			blocks = append(blocks, sb)
		}
	}
	if b.memory != nil {
		if mb := b.memory.MemoryBlock(sessionID); mb != "" {
			blocks = append(blocks, mb)
		}
	}

	return strings.Join(blocks, "\n\n")
}

func (b *Builder) environmentBlock() string {
	now := b.now()
	return fmt.Sprintf(`## Environment

- Date: %s, %s %d, %d
- Time: %s
- Platform: %s/%s
- Working directory: %s
- Runtime: %s`,
		now.Weekday(), now.Month(), now.Day(), now.Year(),
		now.Format("15:04:05 MST"),
		runtime.GOOS, runtime.GOARCH,
		b.workdir(),
		runtime.Version(),
	)
}

func sessionBlock(sessionID string, elevated bool) string {
	elev := "no"
	if elevated {
		elev = "yes"
	}
	return fmt.Sprintf("## Session\n\n- Session: %s\n- Elevated: %s", sessionID, elev)
}

func catalogBlock(catalog []tool.CatalogEntry) string {
	if len(catalog) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Loadable tools\n\n")
	sb.WriteString("These tools are not active yet. Call load_tool to activate one, unload_tool to put it away.\n")
	for _, entry := range catalog {
		sb.WriteString("- " + entry.Name + ": " + entry.Summary)
		if len(entry.Actions) > 0 {
			sb.WriteString(" (actions: " + strings.Join(entry.Actions, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
