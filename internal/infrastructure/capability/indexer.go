// Copyright 2026 Loomgate Authors. All rights reserved.

package capability

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loomgate/loomgate/internal/domain/service"
	"go.uber.org/zap"
)

// chunk is one indexed fragment of a memory file.
type chunk struct {
	file string
	text string
}

// FileIndexer keeps an in-memory index of paragraph-sized chunks from the
// markdown files under the memory directory. Search is case-insensitive
// substring match ranked by term hit count.
type FileIndexer struct {
	dir    func() string
	logger *zap.Logger

	mu     sync.RWMutex
	chunks []chunk
}

var _ service.MemoryIndexer = (*FileIndexer)(nil)

// NewFileIndexer creates an indexer over the directory dir returns.
func NewFileIndexer(dir func() string, logger *zap.Logger) *FileIndexer {
	return &FileIndexer{dir: dir, logger: logger}
}

// Reindex rescans the memory directory and rebuilds the chunk index,
// returning the number of chunks indexed.
func (f *FileIndexer) Reindex(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(f.dir())
	if err != nil {
		return 0, err
	}

	var chunks []chunk
	for _, e := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir(), e.Name()))
		if err != nil {
			f.logger.Warn("Skipping unreadable memory file",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		for _, para := range strings.Split(string(data), "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			chunks = append(chunks, chunk{file: e.Name(), text: para})
		}
	}

	f.mu.Lock()
	f.chunks = chunks
	f.mu.Unlock()
	f.logger.Info("Memory reindexed", zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// Search returns up to limit chunks matching query, best match first.
func (f *FileIndexer) Search(_ context.Context, query string, limit int) ([]string, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	type hit struct {
		score int
		text  string
	}

	f.mu.RLock()
	hits := make([]hit, 0, 8)
	for _, c := range f.chunks {
		lower := strings.ToLower(c.text)
		score := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{score: score, text: c.file + ": " + c.text})
		}
	}
	f.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.text
	}
	return out, nil
}
