// Copyright 2026 Loomgate Authors. All rights reserved.

package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomgate/loomgate/internal/domain/service"
	"go.uber.org/zap"
)

const (
	memoryFileName    = "MEMORY.md"
	heartbeatFileName = "HEARTBEAT.md"
)

// FileMemory serves agent memory from plain markdown files under a
// configured directory. MEMORY.md feeds the system prompt; other files
// (HEARTBEAT.md in particular) are read by name.
type FileMemory struct {
	dir    func() string
	logger *zap.Logger
}

var _ service.MemoryProvider = (*FileMemory)(nil)

// NewFileMemory creates a provider rooted at the directory dir returns.
// The directory is resolved lazily so config reloads take effect.
func NewFileMemory(dir func() string, logger *zap.Logger) *FileMemory {
	return &FileMemory{dir: dir, logger: logger}
}

// MemoryBlock returns the prompt memory block, or "" when no memory file
// exists yet.
func (f *FileMemory) MemoryBlock(string) string {
	data, err := os.ReadFile(filepath.Join(f.dir(), memoryFileName))
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return ""
	}
	return "## Memory\n\n" + text
}

// ReadFile reads one named file from the memory directory. Name must be a
// bare filename; path traversal is rejected.
func (f *FileMemory) ReadFile(name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == "" {
		return "", fmt.Errorf("invalid memory file name: %q", name)
	}
	data, err := os.ReadFile(filepath.Join(f.dir(), name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
