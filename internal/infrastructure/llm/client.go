// Copyright 2026 Loomgate Authors. All rights reserved.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
	"go.uber.org/zap"
)

// complete performs one non-streaming chat-completions call against p.
func (pl *Pool) complete(ctx context.Context, p *provider, messages []entity.Message, tools []domaintool.Definition, toolChoice string) (*service.ChatResult, error) {
	req := &apiRequest{
		Model:       p.Model,
		Messages:    toAPIMessages(messages),
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Tools:       toAPITools(tools),
		ToolChoice:  toolChoice,
	}

	resp, err := pl.post(ctx, p, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := parsed.Choices[0]
	result := &service.ChatResult{
		Content: choice.Message.Content,
		Model:   parsed.Model,
		Usage: service.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, entity.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// stream performs one streaming call, forwarding content deltas to onDelta
// and reassembling tool-call fragments into the final result.
func (pl *Pool) stream(ctx context.Context, p *provider, messages []entity.Message, tools []domaintool.Definition, onDelta func(string)) (*service.ChatResult, error) {
	req := &apiRequest{
		Model:       p.Model,
		Messages:    toAPIMessages(messages),
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Stream:      true,
		Tools:       toAPITools(tools),
	}

	resp, err := pl.post(ctx, p, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Context cancellation does not interrupt resp.Body.Read; force-closing
	// the body is the only way to unblock a stalled SSE read.
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	defer close(streamDone)

	result, err := pl.parseSSE(ctx, resp.Body, onDelta)
	if err != nil {
		return nil, err
	}
	result.Model = p.Model
	return result, nil
}

// post sends the request body to {apiBase}/chat/completions with a bearer
// token when configured. A non-2xx status is surfaced as *APIError with the
// provider's body echoed verbatim.
func (pl *Pool) post(ctx context.Context, p *provider, req *apiRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := pl.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// toolCallAccumulator reassembles one tool call from streamed fragments:
// id/name are overwritten by any non-empty incoming value, arguments chunks
// are concatenated.
type toolCallAccumulator struct {
	ID   string
	Name string
	Args strings.Builder
}

// parseSSE reads a text/event-stream body line by line. Lines prefixed
// "data: " carry JSON delta chunks; the literal payload [DONE] ends the
// stream cleanly; malformed chunks are skipped silently.
func (pl *Pool) parseSSE(ctx context.Context, reader io.Reader, onDelta func(string)) (*service.ChatResult, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	calls := make(map[int]*toolCallAccumulator)
	var usage service.Usage

scan:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			pl.logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.Usage != nil {
			usage = service.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Args.WriteString(tc.Function.Arguments)
		}

		// Some endpoints send finish_reason but never [DONE]; do not block
		// waiting for a terminator that will not come.
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			break scan
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("SSE scan error: %w", err)
	}

	result := &service.ChatResult{
		Content: contentBuilder.String(),
		Usage:   usage,
	}

	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		acc := calls[i]
		result.ToolCalls = append(result.ToolCalls, entity.ToolCall{
			ID:        acc.ID,
			Name:      acc.Name,
			Arguments: acc.Args.String(),
		})
	}
	return result, nil
}
