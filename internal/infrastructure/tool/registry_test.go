// Copyright 2026 Loomgate Authors. All rights reserved.

package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
)

func newEchoTool(name string) domaintool.Tool {
	return &domaintool.FuncTool{
		ToolName: name,
		Desc:     name + " tool",
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			text, _ := args["text"].(string)
			return &domaintool.Result{Output: text}, nil
		},
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop())
}

func activeNames(v *SessionView) []string {
	var names []string
	for _, tl := range v.ActiveTools() {
		names = append(names, tl.Name())
	}
	return names
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestRegistry_MetaToolsAlwaysPresent(t *testing.T) {
	r := testRegistry(t)
	names := activeNames(r.View("s1"))
	for _, meta := range []string{"list_tools", "load_tool", "unload_tool"} {
		if !contains(names, meta) {
			t.Fatalf("meta-tool %s missing from fresh session: %v", meta, names)
		}
	}
}

func TestRegistry_DuplicateNameRejectedAcrossSets(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register(newEchoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterDeferred(domaintool.CatalogEntry{Name: "echo", Summary: "dup"}); err == nil {
		t.Fatal("deferred registration with a core name should fail")
	}
	if err := r.RegisterDynamic(newEchoTool("echo"), "dup"); err == nil {
		t.Fatal("dynamic registration with a core name should fail")
	}
}

func TestSessionView_PromoteDeferredTool(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDeferred(domaintool.CatalogEntry{
		Name:    "weather",
		Summary: "weather lookups",
		Tool:    newEchoTool("weather"),
	}); err != nil {
		t.Fatal(err)
	}

	v := r.View("s1")
	if contains(activeNames(v), "weather") {
		t.Fatal("deferred tool must be inactive until promoted")
	}

	res := v.Promote("weather")
	if !res.Promoted {
		t.Fatalf("promote failed: %s", res.Error)
	}
	if !contains(activeNames(v), "weather") {
		t.Fatal("promoted tool should be active")
	}

	// Second promote is an error, not a silent success.
	if res := v.Promote("weather"); res.Promoted || res.Error == "" {
		t.Fatalf("double promote should return error text, got %+v", res)
	}

	// Other sessions are unaffected.
	if contains(activeNames(r.View("s2")), "weather") {
		t.Fatal("promotion must not leak into other sessions")
	}
}

func TestSessionView_PromoteUnknownTool(t *testing.T) {
	v := testRegistry(t).View("s1")
	if res := v.Promote("nosuch"); res.Promoted || res.Error == "" {
		t.Fatalf("promoting an unknown tool should fail, got %+v", res)
	}
}

func TestSessionView_DemoteCoreAndRetractPromotion(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register(newEchoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterDeferred(domaintool.CatalogEntry{Name: "extra", Tool: newEchoTool("extra")}); err != nil {
		t.Fatal(err)
	}

	v := r.View("s1")

	// Demote a core tool.
	if res := v.Demote("echo"); !res.Promoted {
		t.Fatalf("demote core tool failed: %s", res.Error)
	}
	if contains(activeNames(v), "echo") {
		t.Fatal("demoted core tool should be hidden")
	}
	if res := v.Demote("echo"); res.Promoted {
		t.Fatal("double demote should fail")
	}

	// Demote of a promoted tool retracts the promotion.
	v.Promote("extra")
	if res := v.Demote("extra"); !res.Promoted {
		t.Fatalf("retracting a promotion failed: %s", res.Error)
	}
	if contains(activeNames(v), "extra") {
		t.Fatal("retracted promotion should deactivate the tool")
	}
}

func TestSessionView_MetaToolsNotDemotable(t *testing.T) {
	v := testRegistry(t).View("s1")
	for _, meta := range []string{"list_tools", "load_tool", "unload_tool"} {
		if res := v.Demote(meta); res.Promoted {
			t.Fatalf("meta-tool %s must not be demotable", meta)
		}
	}
}

func TestRegistry_PolicyDenyWins(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register(newEchoTool("shell")); err != nil {
		t.Fatal(err)
	}
	r.SetPolicy([]string{"shell"}, []string{"shell"})

	v := r.View("s1")
	if contains(activeNames(v), "shell") {
		t.Fatal("deny must win over allow")
	}

	res := v.Execute(context.Background(), "shell", nil, domaintool.Context{})
	if res.Error == "" || !strings.Contains(res.Error, "denied by policy") {
		t.Fatalf("execution of denied tool should fail with policy error, got %+v", res)
	}
}

func TestRegistry_PolicyExemptsMetaTools(t *testing.T) {
	r := testRegistry(t)
	r.SetPolicy(nil, []string{"list_tools", "load_tool", "unload_tool"})

	names := activeNames(r.View("s1"))
	for _, meta := range []string{"list_tools", "load_tool", "unload_tool"} {
		if !contains(names, meta) {
			t.Fatalf("meta-tool %s must be exempt from policy", meta)
		}
	}
}

func TestSessionView_ExecuteToolErrorBecomesResult(t *testing.T) {
	r := testRegistry(t)
	failing := &domaintool.FuncTool{
		ToolName: "boom",
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			return nil, errors.New("exploded")
		},
	}
	if err := r.Register(failing); err != nil {
		t.Fatal(err)
	}

	res := r.View("s1").Execute(context.Background(), "boom", nil, domaintool.Context{})
	if !strings.Contains(res.Error, "exploded") {
		t.Fatalf("tool error should surface in Result.Error, got %+v", res)
	}
}

func TestSessionView_ExecuteRecoversPanic(t *testing.T) {
	r := testRegistry(t)
	panicking := &domaintool.FuncTool{
		ToolName: "panic",
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			panic("oh no")
		},
	}
	if err := r.Register(panicking); err != nil {
		t.Fatal(err)
	}

	res := r.View("s1").Execute(context.Background(), "panic", nil, domaintool.Context{})
	if !strings.Contains(res.Error, "panic") {
		t.Fatalf("panic should be captured as Result.Error, got %+v", res)
	}
}

func TestRegistry_ObserverRecordsExecutions(t *testing.T) {
	r := testRegistry(t)
	r.Register(newEchoTool("echo"))
	r.Register(&domaintool.FuncTool{
		ToolName: "boom",
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			return nil, errors.New("no good")
		},
	})

	var records []string
	r.SetObserver(func(name, outcome string, elapsed time.Duration) {
		if elapsed < 0 {
			t.Errorf("negative elapsed for %s", name)
		}
		records = append(records, name+":"+outcome)
	})

	v := r.View("s1")
	v.Execute(context.Background(), "echo", map[string]any{"text": "hi"}, domaintool.Context{})
	v.Execute(context.Background(), "boom", nil, domaintool.Context{})

	if len(records) != 2 || records[0] != "echo:ok" || records[1] != "boom:error" {
		t.Fatalf("unexpected observer records %v", records)
	}
}

func TestSessionView_ToolDefsFiltered(t *testing.T) {
	r := testRegistry(t)
	r.Register(newEchoTool("alpha"))
	r.Register(newEchoTool("beta"))
	v := r.View("s1")

	if defs := v.ToolDefsFiltered(nil); defs != nil {
		t.Fatal("empty allow list means no tools")
	}

	defs := v.ToolDefsFiltered([]string{"alpha"})
	if len(defs) != 1 || defs[0].Name != "alpha" {
		t.Fatalf("expected only alpha, got %+v", defs)
	}

	all := v.ToolDefsFiltered([]string{"*"})
	if len(all) != len(v.ToolDefs()) {
		t.Fatal("wildcard should pass the full active set")
	}
}

func TestMetaTools_LoadUnloadRoundTrip(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDeferred(domaintool.CatalogEntry{
		Name:    "search",
		Summary: "web search",
		Tool:    newEchoTool("search"),
	}); err != nil {
		t.Fatal(err)
	}

	tc := domaintool.Context{SessionID: "s1"}
	v := r.View("s1")

	res := v.Execute(context.Background(), "load_tool", map[string]any{"name": "search"}, tc)
	if res.Error != "" {
		t.Fatalf("load_tool failed: %s", res.Error)
	}
	if !contains(activeNames(v), "search") {
		t.Fatal("load_tool should promote the tool")
	}

	res = v.Execute(context.Background(), "unload_tool", map[string]any{"name": "search"}, tc)
	if res.Error != "" {
		t.Fatalf("unload_tool failed: %s", res.Error)
	}
	if contains(activeNames(v), "search") {
		t.Fatal("unload_tool should retract the promotion")
	}
}

func TestRegistry_DynamicToolRemoval(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDynamic(newEchoTool("plug"), "plugin tool"); err != nil {
		t.Fatal(err)
	}

	v := r.View("s1")
	if res := v.Promote("plug"); !res.Promoted {
		t.Fatalf("promote dynamic tool failed: %s", res.Error)
	}
	if err := r.RemoveDynamic("plug"); err != nil {
		t.Fatal(err)
	}
	if contains(activeNames(v), "plug") {
		t.Fatal("removed dynamic tool should drop out of the active set")
	}
	if err := r.RemoveDynamic("plug"); err == nil {
		t.Fatal("removing a missing dynamic tool should error")
	}
}
