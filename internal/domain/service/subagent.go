// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomgate/loomgate/internal/domain/tool"
	"go.uber.org/zap"
)

// subAgentTimeout bounds one delegated run independently of the parent
// turn's deadline.
const subAgentTimeout = 300 * time.Second

// subAgentChannel names the scratch sessions delegated runs execute in.
const subAgentChannel = "subagent"

// SubAgentRunner executes delegated prompts in throwaway sessions with a
// restricted tool subset. The scratch session is deleted afterwards so
// delegated runs never pollute the parent log.
type SubAgentRunner struct {
	agent    *Agent
	sessions *SessionManager
	logger   *zap.Logger
}

// NewSubAgentRunner wires the runner.
func NewSubAgentRunner(agent *Agent, sessions *SessionManager, logger *zap.Logger) *SubAgentRunner {
	return &SubAgentRunner{
		agent:    agent,
		sessions: sessions,
		logger:   logger.With(zap.String("component", "subagent")),
	}
}

// Run executes one delegated prompt and returns the final content. The
// run races against its own timeout; hitting it interrupts the child.
func (r *SubAgentRunner) Run(ctx context.Context, prompt string, allowedTools []string) (string, error) {
	userID := uuid.NewString()[:8]
	scratch := r.sessions.GetOrCreate(subAgentChannel, userID)

	runCtx, cancel := context.WithTimeout(ctx, subAgentTimeout)
	defer cancel()
	defer func() {
		if err := r.sessions.DeleteSession(context.Background(), scratch.ID); err != nil {
			r.logger.Warn("Failed to clean up sub-agent session",
				zap.String("session_id", scratch.ID), zap.Error(err))
		}
	}()

	done := make(chan *AgentResponse, 1)
	go func() {
		done <- r.agent.ProcessMessage(runCtx, subAgentChannel, userID, prompt,
			TurnOptions{Mode: ModeRestricted, AllowedTools: allowedTools}, TurnCallbacks{})
	}()

	select {
	case resp := <-done:
		if resp.Interrupted {
			return "", fmt.Errorf("sub-agent run interrupted")
		}
		return resp.Content, nil
	case <-runCtx.Done():
		r.agent.InterruptSession(scratch.ID)
		return "", fmt.Errorf("sub-agent timed out after %s", subAgentTimeout)
	}
}

// Tool exposes the runner as a deferred tool the model can promote.
func (r *SubAgentRunner) Tool() tool.Tool {
	return &tool.FuncTool{
		ToolName: "spawn_agent",
		Desc:     "Delegate a task to a sub-agent running with a restricted tool set. Returns the sub-agent's final answer.",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The task for the sub-agent.",
				},
				"tools": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Tool names the sub-agent may use. Empty allows all active tools.",
				},
			},
			"required": []any{"prompt"},
		},
		Fn: func(ctx context.Context, args map[string]any, _ tool.Context) (*tool.Result, error) {
			prompt, _ := args["prompt"].(string)
			if prompt == "" {
				return &tool.Result{Error: "prompt is required"}, nil
			}
			var allowed []string
			if raw, ok := args["tools"].([]any); ok {
				for _, item := range raw {
					if name, ok := item.(string); ok {
						allowed = append(allowed, name)
					}
				}
			}
			// An absent or empty tools argument grants the full active set,
			// matching the schema text.
			if len(allowed) == 0 {
				allowed = []string{"*"}
			}
			out, err := r.Run(ctx, prompt, allowed)
			if err != nil {
				return &tool.Result{Error: err.Error()}, nil
			}
			return &tool.Result{Output: out}, nil
		},
	}
}
