// Copyright 2026 Loomgate Authors. All rights reserved.

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/domain/tool"
)

type captureRegistrar struct {
	tools []tool.Tool
}

func (r *captureRegistrar) RegisterDynamic(t tool.Tool, summary string) error {
	r.tools = append(r.tools, t)
	return nil
}

func pluginDir(t *testing.T, manifests map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range manifests {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoader_MissingDirectory(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	n, err := loader.LoadAll(&captureRegistrar{}, service.NewMiddlewarePipeline(zap.NewNop()))
	if err != nil {
		t.Fatalf("missing plugins dir is not an error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 plugins, got %d", n)
	}
}

func TestLoader_ToolAndMiddlewarePlugins(t *testing.T) {
	dir := pluginDir(t, map[string]string{
		"10-filter.yaml": `name: profanity-filter
kind: middleware
blockPatterns:
  - "(?i)forbidden phrase"
replacePatterns:
  "secret-\\d+": "[redacted]"
`,
		"20-tool.yaml": `name: hello
kind: tool
description: prints a greeting
script: hello.sh
`,
	})

	registrar := &captureRegistrar{}
	pipeline := service.NewMiddlewarePipeline(zap.NewNop())
	loader := NewLoader(dir, zap.NewNop())

	n, err := loader.LoadAll(registrar, pipeline)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 plugins loaded, got %d", n)
	}
	if len(registrar.tools) != 1 || registrar.tools[0].Name() != "hello" {
		t.Fatalf("tool plugin not registered: %+v", registrar.tools)
	}
	if pipeline.Len() != 1 {
		t.Fatalf("middleware plugin not installed, pipeline length %d", pipeline.Len())
	}

	// Block pattern blocks.
	out, ok := pipeline.RunBeforeMessage(context.Background(), "s", "this has a Forbidden Phrase inside")
	if ok {
		t.Fatal("matching message should be blocked")
	}
	if out != service.BlockedMessageText {
		t.Fatalf("blocked sentinel expected, got %q", out)
	}

	// Replace pattern rewrites both directions.
	out, ok = pipeline.RunBeforeMessage(context.Background(), "s", "token secret-42 here")
	if !ok || !strings.Contains(out, "[redacted]") {
		t.Fatalf("replace pattern not applied inbound: %q", out)
	}
	after := pipeline.RunAfterResponse(context.Background(), "s", "reply with secret-7")
	if !strings.Contains(after, "[redacted]") {
		t.Fatalf("replace pattern not applied outbound: %q", after)
	}
}

func TestLoader_SkipsBrokenPattern(t *testing.T) {
	dir := pluginDir(t, map[string]string{
		"bad.yaml": `name: broken
kind: middleware
blockPatterns:
  - "("
`,
		"odd.yaml": `name: odd
kind: widget
`,
		"ok.yaml": `name: ok
kind: tool
script: ok.sh
`,
	})

	registrar := &captureRegistrar{}
	pipeline := service.NewMiddlewarePipeline(zap.NewNop())
	n, err := NewLoader(dir, zap.NewNop()).LoadAll(registrar, pipeline)
	if err != nil {
		t.Fatalf("a broken plugin is skipped, not fatal: %v", err)
	}
	if n != 1 || len(registrar.tools) != 1 {
		t.Fatalf("only the valid plugin should load, got %d", n)
	}
	if pipeline.Len() != 0 {
		t.Fatal("broken middleware must not be installed")
	}
}

func TestManifest_Validation(t *testing.T) {
	cases := []struct {
		name     string
		manifest Manifest
		ok       bool
	}{
		{"tool without script", Manifest{Name: "x", Kind: KindTool}, false},
		{"middleware without patterns", Manifest{Name: "x", Kind: KindMiddleware}, false},
		{"unknown kind", Manifest{Name: "x", Kind: "widget"}, false},
		{"valid tool", Manifest{Name: "x", Kind: KindTool, Script: "x.sh"}, true},
		{"valid middleware", Manifest{Name: "x", Kind: KindMiddleware, BlockPatterns: []string{"a"}}, true},
	}
	for _, tc := range cases {
		err := tc.manifest.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestManifest_RuntimeInference(t *testing.T) {
	cases := map[string]string{
		"job.py":     "python3",
		"job.js":     "node",
		"job.sh":     "bash",
		"job.custom": "bash",
	}
	for script, want := range cases {
		m := Manifest{Script: script}
		if got := m.runtimeFor(); got != want {
			t.Errorf("%s: expected runtime %s, got %s", script, want, got)
		}
	}
	explicit := Manifest{Script: "job.py", Runtime: "python3.12"}
	if explicit.runtimeFor() != "python3.12" {
		t.Error("explicit runtime wins over inference")
	}
}

func TestLoader_RelativeScriptResolvesToPluginDir(t *testing.T) {
	dir := pluginDir(t, map[string]string{
		"greet.yaml": `name: greet
kind: tool
script: greet.sh
`,
	})
	script := filepath.Join(dir, "greet.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho hi from the plugin dir\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	registrar := &captureRegistrar{}
	if _, err := NewLoader(dir, zap.NewNop()).LoadAll(registrar, service.NewMiddlewarePipeline(zap.NewNop())); err != nil {
		t.Fatal(err)
	}
	if len(registrar.tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(registrar.tools))
	}

	// The session workdir is elsewhere; the script must still be found
	// next to its manifest.
	res, err := registrar.tools[0].Execute(context.Background(), nil, tool.Context{Workdir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("script should run from the plugin dir, got error %q", res.Error)
	}
	if strings.TrimSpace(res.Output) != "hi from the plugin dir" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestScriptTool_ExecutesScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "greet.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho hello from plugin\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	st := newScriptTool(Manifest{Name: "greet", Kind: KindTool, Script: script}, zap.NewNop())
	res, err := st.Execute(context.Background(), map[string]any{"who": "world"}, tool.Context{Workdir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Output) != "hello from plugin" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestScriptTool_FailureBecomesResultError(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho bad >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	st := newScriptTool(Manifest{Name: "fail", Kind: KindTool, Script: script}, zap.NewNop())
	res, err := st.Execute(context.Background(), nil, tool.Context{Workdir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" || !strings.Contains(res.Error, "bad") {
		t.Fatalf("script failure should land in Result.Error with stderr, got %+v", res)
	}
}
