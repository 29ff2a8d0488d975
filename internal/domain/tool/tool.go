// Copyright 2026 Loomgate Authors. All rights reserved.

package tool

import "context"

// Context carries per-invocation execution context into a tool body.
type Context struct {
	SessionID string
	Workdir   string
	Elevated  bool
}

// Result is what a tool execution produces. Error is a plain message, not a
// Go error: tool failures are data fed back to the model, never control flow.
type Result struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Tool is the immutable descriptor plus execution capability.
type Tool interface {
	// Name returns the unique tool name.
	Name() string
	// Description returns the human/model-facing description.
	Description() string
	// Schema returns the JSON-schema-shaped parameters object.
	Schema() map[string]any
	// Execute runs the tool. A returned error is captured by the registry
	// and rendered into Result.Error; it never propagates further.
	Execute(ctx context.Context, args map[string]any, tc Context) (*Result, error)
}

// Definition is the LLM-schema form of a tool, sent with chat requests.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CatalogEntry describes a deferred or dynamic tool in the global catalog:
// a short summary and an optional action list, shown to the model so it can
// decide what to promote.
type CatalogEntry struct {
	Name    string   `json:"name"`
	Summary string   `json:"summary"`
	Actions []string `json:"actions,omitempty"`
	Tool    Tool     `json:"-"`
}

// Policy filters tool visibility and execution. Deny always wins; a
// non-empty Allow list acts as a whitelist.
type Policy struct {
	Allow []string
	Deny  []string
}

// IsAllowed applies the deny-then-allow rule to a tool name.
func (p *Policy) IsAllowed(name string) bool {
	for _, d := range p.Deny {
		if d == name {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, a := range p.Allow {
		if a == name {
			return true
		}
	}
	return false
}

// FuncTool adapts a plain function into a Tool. Most built-ins use it.
type FuncTool struct {
	ToolName string
	Desc     string
	Params   map[string]any
	Fn       func(ctx context.Context, args map[string]any, tc Context) (*Result, error)
}

func (f *FuncTool) Name() string        { return f.ToolName }
func (f *FuncTool) Description() string { return f.Desc }

func (f *FuncTool) Schema() map[string]any {
	if f.Params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return f.Params
}

func (f *FuncTool) Execute(ctx context.Context, args map[string]any, tc Context) (*Result, error) {
	return f.Fn(ctx, args, tc)
}
