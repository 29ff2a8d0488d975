// Copyright 2026 Loomgate Authors. All rights reserved.

package tool

import (
	"context"
	"fmt"
	"strings"

	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
)

// metaToolNames are always active for every session, exempt from policy,
// and can never be demoted.
var metaToolNames = map[string]bool{
	"list_tools":  true,
	"load_tool":   true,
	"unload_tool": true,
}

func (r *Registry) registerMetaTools() {
	nameParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Tool name",
			},
		},
		"required": []any{"name"},
	}

	r.core["list_tools"] = &domaintool.FuncTool{
		ToolName: "list_tools",
		Desc:     "List the tools active in this session and the catalog of loadable tools.",
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			view := r.View(tc.SessionID)

			var b strings.Builder
			b.WriteString("Active tools:\n")
			for _, t := range view.ActiveTools() {
				fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
			}

			catalog := view.DeferredCatalog()
			if len(catalog) > 0 {
				b.WriteString("\nLoadable tools (use load_tool):\n")
				for _, e := range catalog {
					fmt.Fprintf(&b, "- %s: %s", e.Name, e.Summary)
					if len(e.Actions) > 0 {
						fmt.Fprintf(&b, " (actions: %s)", strings.Join(e.Actions, ", "))
					}
					b.WriteString("\n")
				}
			}
			return &domaintool.Result{Output: b.String()}, nil
		},
	}

	r.core["load_tool"] = &domaintool.FuncTool{
		ToolName: "load_tool",
		Desc:     "Activate a tool from the catalog for this session.",
		Params:   nameParam,
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return &domaintool.Result{Error: "missing required argument: name"}, nil
			}
			res := r.View(tc.SessionID).Promote(name)
			if !res.Promoted {
				return &domaintool.Result{Error: res.Error}, nil
			}
			out := fmt.Sprintf("Loaded tool %q.", name)
			if res.Description != "" {
				out += " " + res.Description
			}
			return &domaintool.Result{Output: out}, nil
		},
	}

	r.core["unload_tool"] = &domaintool.FuncTool{
		ToolName: "unload_tool",
		Desc:     "Deactivate a tool for this session.",
		Params:   nameParam,
		Fn: func(ctx context.Context, args map[string]any, tc domaintool.Context) (*domaintool.Result, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return &domaintool.Result{Error: "missing required argument: name"}, nil
			}
			res := r.View(tc.SessionID).Demote(name)
			if !res.Promoted {
				return &domaintool.Result{Error: res.Error}, nil
			}
			return &domaintool.Result{Output: fmt.Sprintf("Unloaded tool %q.", name)}, nil
		},
	}
}
