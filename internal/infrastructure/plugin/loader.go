// Copyright 2026 Loomgate Authors. All rights reserved.

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/domain/tool"
)

// scriptTimeout bounds one script plugin invocation.
const scriptTimeout = 60 * time.Second

// DynamicRegistrar is the slice of the tool registry the loader needs.
type DynamicRegistrar interface {
	RegisterDynamic(t tool.Tool, summary string) error
}

// Loader reads plugin manifests from a directory and installs them into
// the tool registry and the message middleware pipeline.
type Loader struct {
	dir    string
	logger *zap.Logger
}

// NewLoader creates a loader for the given plugins directory.
func NewLoader(dir string, logger *zap.Logger) *Loader {
	return &Loader{dir: dir, logger: logger.With(zap.String("component", "plugins"))}
}

// LoadAll installs every valid plugin found in the directory. A manifest
// that fails to compile is skipped with a warning so one broken plugin
// cannot take the gateway down.
func (l *Loader) LoadAll(registry DynamicRegistrar, pipeline *service.MiddlewarePipeline) (int, error) {
	manifests, err := readManifests(l.dir)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			l.logger.Warn("Skipping invalid plugin manifest", zap.String("plugin", m.Name), zap.Error(err))
			continue
		}
		switch m.Kind {
		case KindTool:
			// Scripts live beside their manifests unless an absolute path
			// is given; the workdir set at execution time is the session's,
			// not the plugin directory.
			if !filepath.IsAbs(m.Script) {
				m.Script = filepath.Join(l.dir, m.Script)
			}
			if err := registry.RegisterDynamic(newScriptTool(m, l.logger), m.Description); err != nil {
				l.logger.Warn("Skipping tool plugin", zap.String("plugin", m.Name), zap.Error(err))
				continue
			}
		case KindMiddleware:
			mw, err := newPatternMiddleware(m)
			if err != nil {
				l.logger.Warn("Skipping middleware plugin", zap.String("plugin", m.Name), zap.Error(err))
				continue
			}
			pipeline.Use(mw)
		}
		l.logger.Info("Loaded plugin", zap.String("plugin", m.Name), zap.String("kind", m.Kind))
		loaded++
	}
	return loaded, nil
}

// scriptTool runs an external script, passing arguments as JSON on stdin
// and returning stdout as the tool output.
type scriptTool struct {
	manifest Manifest
	logger   *zap.Logger
}

func newScriptTool(m Manifest, logger *zap.Logger) *scriptTool {
	return &scriptTool{manifest: m, logger: logger}
}

func (t *scriptTool) Name() string        { return t.manifest.Name }
func (t *scriptTool) Description() string { return t.manifest.Description }

func (t *scriptTool) Schema() map[string]any {
	if t.manifest.Schema != nil {
		return t.manifest.Schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *scriptTool) Execute(ctx context.Context, args map[string]any, tc tool.Context) (*tool.Result, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode plugin arguments: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.manifest.runtimeFor(), t.manifest.Script)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Dir = tc.Workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &tool.Result{
			Output: stdout.String(),
			Error:  fmt.Sprintf("plugin %s failed: %v: %s", t.manifest.Name, err, stderr.String()),
		}, nil
	}
	return &tool.Result{Output: stdout.String()}, nil
}

// patternMiddleware blocks messages matching any block pattern and applies
// replace patterns to both inbound and outbound text.
type patternMiddleware struct {
	name     string
	blocks   []*regexp.Regexp
	replaces []replaceRule
}

type replaceRule struct {
	re   *regexp.Regexp
	with string
}

func newPatternMiddleware(m Manifest) (*patternMiddleware, error) {
	mw := &patternMiddleware{name: m.Name}
	for _, p := range m.BlockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: bad block pattern %q: %w", m.Name, p, err)
		}
		mw.blocks = append(mw.blocks, re)
	}
	for p, with := range m.ReplacePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: bad replace pattern %q: %w", m.Name, p, err)
		}
		mw.replaces = append(mw.replaces, replaceRule{re: re, with: with})
	}
	return mw, nil
}

func (m *patternMiddleware) Name() string { return m.name }

func (m *patternMiddleware) BeforeMessage(_ context.Context, _ string, text string) (string, bool) {
	for _, re := range m.blocks {
		if re.MatchString(text) {
			return "", false
		}
	}
	return m.apply(text), true
}

func (m *patternMiddleware) AfterResponse(_ context.Context, _ string, text string) string {
	return m.apply(text)
}

func (m *patternMiddleware) apply(text string) string {
	for _, r := range m.replaces {
		text = r.re.ReplaceAllString(text, r.with)
	}
	return text
}
