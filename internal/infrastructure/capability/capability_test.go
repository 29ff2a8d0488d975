// Copyright 2026 Loomgate Authors. All rights reserved.

package capability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func memoryDir(t *testing.T, files map[string]string) func() string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return func() string { return dir }
}

func TestFileMemory_MemoryBlock(t *testing.T) {
	mem := NewFileMemory(memoryDir(t, map[string]string{
		"MEMORY.md": "- the user prefers short answers\n",
	}), zap.NewNop())

	block := mem.MemoryBlock("any")
	if !strings.HasPrefix(block, "## Memory\n\n") {
		t.Fatalf("block header missing: %q", block)
	}
	if !strings.Contains(block, "short answers") {
		t.Fatalf("content missing: %q", block)
	}
}

func TestFileMemory_MissingOrEmptyFile(t *testing.T) {
	mem := NewFileMemory(memoryDir(t, nil), zap.NewNop())
	if got := mem.MemoryBlock("any"); got != "" {
		t.Fatalf("missing MEMORY.md should yield empty block, got %q", got)
	}

	mem = NewFileMemory(memoryDir(t, map[string]string{"MEMORY.md": "   \n"}), zap.NewNop())
	if got := mem.MemoryBlock("any"); got != "" {
		t.Fatalf("blank MEMORY.md should yield empty block, got %q", got)
	}
}

func TestFileMemory_ReadFileRejectsTraversal(t *testing.T) {
	mem := NewFileMemory(memoryDir(t, map[string]string{"HEARTBEAT.md": "- ping"}), zap.NewNop())

	if _, err := mem.ReadFile("../etc/passwd"); err == nil {
		t.Fatal("path traversal must be rejected")
	}
	if _, err := mem.ReadFile("sub/dir.md"); err == nil {
		t.Fatal("nested paths must be rejected")
	}
	if _, err := mem.ReadFile(""); err == nil {
		t.Fatal("empty name must be rejected")
	}

	content, err := mem.ReadFile("HEARTBEAT.md")
	if err != nil {
		t.Fatal(err)
	}
	if content != "- ping" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestFileSkills_CombinesSortedFiles(t *testing.T) {
	skills := NewFileSkills(memoryDir(t, map[string]string{
		"b-second.md": "second skill",
		"a-first.md":  "first skill",
		"ignored.txt": "not markdown",
	}), zap.NewNop())

	block := skills.SkillsBlock()
	if !strings.Contains(block, "## Skills") {
		t.Fatalf("header missing: %q", block)
	}
	first := strings.Index(block, "first skill")
	second := strings.Index(block, "second skill")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("skills must combine in filename order: %q", block)
	}
	if strings.Contains(block, "not markdown") {
		t.Fatal("non-markdown files must be skipped")
	}
}

func TestFileSkills_EmptyDirectory(t *testing.T) {
	skills := NewFileSkills(memoryDir(t, nil), zap.NewNop())
	if got := skills.SkillsBlock(); got != "" {
		t.Fatalf("no skill files should yield empty block, got %q", got)
	}
}

func TestFileIndexer_ReindexAndSearch(t *testing.T) {
	idx := NewFileIndexer(memoryDir(t, map[string]string{
		"MEMORY.md": "The database password rotates monthly.\n\nBackups run every night at 02:00.",
		"notes.md":  "The staging database lives on host db-2.",
	}), zap.NewNop())

	n, err := idx.Reindex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 paragraph chunks, got %d", n)
	}

	hits, err := idx.Search(context.Background(), "database", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits for database, got %v", hits)
	}

	// More matching terms rank higher.
	hits, err = idx.Search(context.Background(), "staging database", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || !strings.Contains(hits[0], "staging") {
		t.Fatalf("two-term match should rank first, got %v", hits)
	}

	// Limit applies.
	hits, _ = idx.Search(context.Background(), "database", 1)
	if len(hits) != 1 {
		t.Fatalf("limit not applied, got %d hits", len(hits))
	}

	// Empty query.
	hits, err = idx.Search(context.Background(), "   ", 5)
	if err != nil || hits != nil {
		t.Fatalf("empty query yields nothing, got %v, %v", hits, err)
	}
}

func TestFileIndexer_SearchBeforeReindex(t *testing.T) {
	idx := NewFileIndexer(memoryDir(t, nil), zap.NewNop())
	hits, err := idx.Search(context.Background(), "anything", 5)
	if err != nil || len(hits) != 0 {
		t.Fatalf("empty index yields nothing, got %v, %v", hits, err)
	}
}
