// Copyright 2026 Loomgate Authors. All rights reserved.

package capability

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomgate/loomgate/internal/domain/service"
	"go.uber.org/zap"
)

// FileSkills concatenates every *.md file under a skills directory into
// one prompt block, in filename order.
type FileSkills struct {
	dir    func() string
	logger *zap.Logger
}

var _ service.SkillsProvider = (*FileSkills)(nil)

// NewFileSkills creates a provider rooted at the directory dir returns.
func NewFileSkills(dir func() string, logger *zap.Logger) *FileSkills {
	return &FileSkills{dir: dir, logger: logger}
}

// SkillsBlock returns the combined skills text, or "" when the directory
// is missing or holds no markdown files.
func (f *FileSkills) SkillsBlock() string {
	entries, err := os.ReadDir(f.dir())
	if err != nil {
		return ""
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("## Skills")
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(f.dir(), name))
		if err != nil {
			f.logger.Warn("Failed to read skill file", zap.String("file", name), zap.Error(err))
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(text)
	}

	out := sb.String()
	if out == "## Skills" {
		return ""
	}
	return out
}
