// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"

	"github.com/loomgate/loomgate/internal/domain/entity"
	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
)

// Usage is the token accounting reported by the provider for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is one complete assistant turn from the model.
type ChatResult struct {
	Content   string            `json:"content"`
	ToolCalls []entity.ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage             `json:"usage"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
}

// LLMClient is the interface the agent loop and the session compactor use to
// talk to language models. It decouples the domain from the provider pool.
type LLMClient interface {
	// Chat sends the message log with tool definitions and returns a
	// complete response. toolChoice is passed through when non-empty.
	Chat(ctx context.Context, messages []entity.Message, tools []domaintool.Definition, toolChoice string) (*ChatResult, error)

	// ChatStream is Chat with live content deltas. onDelta is invoked for
	// every content fragment in arrival order; tool-call deltas are
	// reassembled internally and surface only in the final ChatResult.
	ChatStream(ctx context.Context, messages []entity.Message, tools []domaintool.Definition, onDelta func(content string)) (*ChatResult, error)
}
