// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/tool"
)

// fakeView executes every tool by echoing its name.
type fakeView struct {
	mu       sync.Mutex
	executed []string
	delay    time.Duration
}

func (v *fakeView) ToolDefs() []tool.Definition {
	return []tool.Definition{{Name: "echo"}}
}

func (v *fakeView) ToolDefsFiltered(allowed []string) []tool.Definition {
	if len(allowed) == 0 {
		return nil
	}
	return v.ToolDefs()
}

func (v *fakeView) DeferredCatalog() []tool.CatalogEntry { return nil }

func (v *fakeView) Execute(ctx context.Context, name string, args map[string]any, tc tool.Context) *tool.Result {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return &tool.Result{Error: "cancelled"}
		}
	}
	v.mu.Lock()
	v.executed = append(v.executed, name)
	v.mu.Unlock()
	return &tool.Result{Output: "ran " + name}
}

type fakeViewProvider struct{ view *fakeView }

func (p fakeViewProvider) ViewFor(sessionID string) ToolView { return p.view }

type fakePrompts struct{}

func (fakePrompts) Build(sessionID string, elevated bool, catalog []tool.CatalogEntry) string {
	return "system prompt"
}

func newTestAgent(llm LLMClient) (*Agent, *SessionManager, *fakeView) {
	sessions, _ := newTestManager()
	view := &fakeView{}
	agent := NewAgent(sessions, llm, fakeViewProvider{view}, fakePrompts{}, nil, nil,
		func() string { return "/tmp" }, zap.NewNop())
	return agent, sessions, view
}

func toolCallReply(calls ...entity.ToolCall) ChatResult {
	return ChatResult{ToolCalls: calls}
}

func TestAgent_PlainReply(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{{Content: "hello back", Usage: Usage{TotalTokens: 7}}}}
	agent, sessions, _ := newTestAgent(llm)

	resp := agent.ProcessMessage(context.Background(), "webui", "u", "hello",
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})
	if resp.Content != "hello back" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Fatalf("usage not propagated: %+v", resp.Usage)
	}

	msgs := sessions.GetMessages("webui:u")
	if len(msgs) != 2 || msgs[0].Role != entity.RoleUser || msgs[1].Role != entity.RoleAssistant {
		t.Fatalf("log should be user then assistant, got %+v", msgs)
	}
}

func TestAgent_SystemPromptNotPersisted(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{{Content: "ok"}}}
	agent, sessions, _ := newTestAgent(llm)

	agent.ProcessMessage(context.Background(), "webui", "u", "hi",
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})

	// The model call sees the system prompt first.
	if len(llm.calls) != 1 || llm.calls[0][0].Role != entity.RoleSystem {
		t.Fatal("model call must start with the system message")
	}
	// The log never contains it.
	for _, msg := range sessions.GetMessages("webui:u") {
		if msg.Role == entity.RoleSystem {
			t.Fatal("system prompt must not be persisted in the log")
		}
	}
}

func TestAgent_ToolRoundTrip(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{
		toolCallReply(
			entity.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"a"}`},
			entity.ToolCall{ID: "c2", Name: "echo", Arguments: `{"text":"b"}`},
		),
		{Content: "done"},
	}}
	agent, sessions, view := newTestAgent(llm)

	var events []ToolCallEvent
	resp := agent.ProcessMessage(context.Background(), "webui", "u", "go",
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{
			OnToolCall: func(ev ToolCallEvent) { events = append(events, ev) },
		})

	if resp.Content != "done" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("response should list both tool calls, got %d", len(resp.ToolCalls))
	}
	if len(view.executed) != 2 {
		t.Fatalf("both tools should run, got %v", view.executed)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 tool call events, got %d", len(events))
	}

	// Log shape: user, assistant(tool_calls), tool, tool, assistant.
	msgs := sessions.GetMessages("webui:u")
	if len(msgs) != 5 {
		t.Fatalf("expected 5 log records, got %d: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != entity.RoleTool || msgs[3].Role != entity.RoleTool {
		t.Fatal("tool results must follow the assistant message")
	}
	// Results stay aligned with the tool_calls order.
	if msgs[2].ToolCallID != "c1" || msgs[3].ToolCallID != "c2" {
		t.Fatalf("tool results out of order: %s then %s", msgs[2].ToolCallID, msgs[3].ToolCallID)
	}
}

func TestAgent_MaxIterationsSentinel(t *testing.T) {
	// A single reply entry is reused forever, so the model always asks for
	// another tool call.
	llm := &fakeLLM{replies: []ChatResult{
		toolCallReply(entity.ToolCall{ID: "c", Name: "echo", Arguments: "{}"}),
	}}
	agent, sessions, _ := newTestAgent(llm)

	resp := agent.ProcessMessage(context.Background(), "webui", "u", "loop",
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})
	if resp.Content != maxIterationsText {
		t.Fatalf("expected sentinel, got %q", resp.Content)
	}
	if len(llm.calls) != maxIterations {
		t.Fatalf("expected exactly %d model calls, got %d", maxIterations, len(llm.calls))
	}

	msgs := sessions.GetMessages("webui:u")
	last := msgs[len(msgs)-1]
	if last.Role != entity.RoleAssistant || last.Content != maxIterationsText {
		t.Fatalf("sentinel must be appended to the log, got %+v", last)
	}
}

func TestAgent_RestrictedModeLowerCap(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{
		toolCallReply(entity.ToolCall{ID: "c", Name: "echo", Arguments: "{}"}),
	}}
	agent, _, _ := newTestAgent(llm)

	agent.ProcessMessage(context.Background(), "webui", "u", "loop",
		TurnOptions{Mode: ModeRestricted, AllowedTools: []string{"echo"}}, TurnCallbacks{})
	if len(llm.calls) != maxRestrictedIterations {
		t.Fatalf("restricted mode caps at %d iterations, got %d", maxRestrictedIterations, len(llm.calls))
	}
}

func TestAgent_ChatOnlySendsNoTools(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{{Content: "chat"}}}
	agent, _, _ := newTestAgent(llm)

	agent.ProcessMessage(context.Background(), "webui", "u", "hi",
		TurnOptions{Mode: ModeChatOnly}, TurnCallbacks{})
	// fakeLLM records messages, not defs; the mode contract is covered by
	// toolDefs directly.
	view := &fakeView{}
	a := &Agent{}
	if defs := a.toolDefs(view, TurnOptions{Mode: ModeChatOnly}); defs != nil {
		t.Fatal("chat-only mode must send no tool definitions")
	}
	if defs := a.toolDefs(view, TurnOptions{Mode: ModeRestricted}); defs != nil {
		t.Fatal("restricted mode with empty allow list sends no tools")
	}
	if defs := a.toolDefs(view, TurnOptions{Mode: ModeRestricted, AllowedTools: []string{"*"}}); len(defs) != 1 {
		t.Fatal("restricted mode with a wildcard sends the active set")
	}
	if defs := a.toolDefs(view, TurnOptions{Mode: ModeStreaming}); len(defs) != 1 {
		t.Fatal("streaming mode sends the active set")
	}
}

func TestAgent_StreamingDeltas(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{{Content: "streamed text"}}}
	agent, _, _ := newTestAgent(llm)

	var got strings.Builder
	resp := agent.ProcessMessage(context.Background(), "webui", "u", "hi",
		TurnOptions{Mode: ModeStreaming}, TurnCallbacks{
			OnStream: func(d string) { got.WriteString(d) },
		})
	if !strings.Contains(got.String(), "streamed") {
		t.Fatalf("deltas not forwarded: %q", got.String())
	}
	if resp.Interrupted {
		t.Fatal("clean stream should not be interrupted")
	}
}

func TestAgent_QueueFIFO(t *testing.T) {
	// The slow tool keeps the first turn busy long enough for the others
	// to queue behind it.
	llm := &fakeLLM{replies: []ChatResult{
		toolCallReply(entity.ToolCall{ID: "c", Name: "echo", Arguments: "{}"}),
		{Content: "first done"},
		{Content: "second done"},
		{Content: "third done"},
	}}
	sessions, _ := newTestManager()
	view := &fakeView{delay: 20 * time.Millisecond}
	agent := NewAgent(sessions, llm, fakeViewProvider{view}, fakePrompts{}, nil, nil,
		func() string { return "/tmp" }, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := agent.ProcessMessage(context.Background(), "webui", "u", fmt.Sprintf("msg %d", i),
				TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})
			results[i] = resp.Content
		}(i)
		time.Sleep(5 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	for i, r := range results {
		if r == "" {
			t.Fatalf("turn %d never completed", i)
		}
	}
	// All six user messages and replies share the single session log.
	msgs := sessions.GetMessages("webui:u")
	users := 0
	for _, m := range msgs {
		if m.Role == entity.RoleUser {
			users++
		}
	}
	if users != 3 {
		t.Fatalf("expected 3 user messages in the shared log, got %d", users)
	}
}

func TestAgent_InterruptMidTurn(t *testing.T) {
	llm := &fakeLLM{replies: []ChatResult{
		toolCallReply(entity.ToolCall{ID: "c", Name: "echo", Arguments: "{}"}),
		{Content: "never reached"},
	}}
	sessions, _ := newTestManager()
	view := &fakeView{delay: 200 * time.Millisecond}
	agent := NewAgent(sessions, llm, fakeViewProvider{view}, fakePrompts{}, nil, nil,
		func() string { return "/tmp" }, zap.NewNop())

	done := make(chan *AgentResponse, 1)
	go func() {
		done <- agent.ProcessMessage(context.Background(), "webui", "u", "work",
			TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})
	}()

	// Wait until the turn is in flight, then interrupt it.
	deadline := time.Now().Add(time.Second)
	for !agent.IsProcessing("webui:u") {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(time.Millisecond)
	}
	agent.InterruptSession("webui:u")

	select {
	case resp := <-done:
		if !resp.Interrupted {
			t.Fatalf("expected interrupted response, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted turn did not return")
	}
}

func TestAgent_MiddlewareBlocksMessage(t *testing.T) {
	llm := &fakeLLM{}
	sessions, _ := newTestManager()
	view := &fakeView{}
	pipeline := NewMiddlewarePipeline(zap.NewNop())
	pipeline.Use(blockAll{})
	agent := NewAgent(sessions, llm, fakeViewProvider{view}, fakePrompts{}, pipeline, nil,
		func() string { return "/tmp" }, zap.NewNop())

	resp := agent.ProcessMessage(context.Background(), "webui", "u", "anything",
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})
	if resp.Content != BlockedMessageText {
		t.Fatalf("expected blocked sentinel, got %q", resp.Content)
	}
	if len(llm.calls) != 0 {
		t.Fatal("blocked message must never reach the model")
	}
	if len(sessions.GetMessages("webui:u")) != 0 {
		t.Fatal("blocked message must not be logged")
	}
}

type blockAll struct{}

func (blockAll) Name() string { return "block-all" }
func (blockAll) BeforeMessage(ctx context.Context, sessionID, text string) (string, bool) {
	return "", false
}
func (blockAll) AfterResponse(ctx context.Context, sessionID, text string) string { return text }

func TestParseArguments(t *testing.T) {
	if got := parseArguments(`{"a":1}`); got["a"] != float64(1) {
		t.Fatalf("unexpected parse: %v", got)
	}
	if got := parseArguments("not json"); len(got) != 0 {
		t.Fatal("malformed arguments become an empty object")
	}
	if got := parseArguments(""); len(got) != 0 {
		t.Fatal("empty arguments become an empty object")
	}
}

func TestRenderToolResult(t *testing.T) {
	if got := renderToolResult(&tool.Result{Output: "fine"}); got != "fine" {
		t.Fatalf("got %q", got)
	}
	got := renderToolResult(&tool.Result{Output: "partial", Error: "boom"})
	if got != "Error: boom\npartial" {
		t.Fatalf("got %q", got)
	}
	if renderToolResult(nil) != "" {
		t.Fatal("nil result renders empty")
	}
}
