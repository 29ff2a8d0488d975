// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/tool"
	"go.uber.org/zap"
)

// Mode selects the agent's per-turn behavior. All modes share the same
// control skeleton; only tool-def selection and the iteration cap differ.
type Mode int

const (
	ModeStreaming Mode = iota
	ModeNonStreaming
	ModeChatOnly
	ModeRestricted
)

const (
	maxIterations           = 50
	maxRestrictedIterations = 20

	// maxIterationsText is the reply when the loop cap is hit.
	maxIterationsText = "(max tool iterations reached)"
)

// ToolCallEvent is pushed to live UIs when a tool call is dispatched.
type ToolCallEvent struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
}

// TurnCallbacks carries the per-turn streaming hooks. Nil fields are
// simply skipped.
type TurnCallbacks struct {
	OnStream   func(delta string)
	OnToolCall func(ev ToolCallEvent)
}

// TurnOptions selects the mode for one turn. AllowedTools applies only in
// ModeRestricted; "*" passes every active tool, an empty list passes none.
type TurnOptions struct {
	Mode         Mode
	AllowedTools []string
}

// AgentResponse is the final outcome of one turn. ProcessMessage always
// returns one; errors are rendered into Content.
type AgentResponse struct {
	Content     string            `json:"content"`
	ToolCalls   []entity.ToolCall `json:"tool_calls,omitempty"`
	Usage       Usage             `json:"usage"`
	Interrupted bool              `json:"interrupted,omitempty"`
}

type queuedTurn struct {
	text string
	opts TurnOptions
	cb   TurnCallbacks
	done chan *AgentResponse
}

type sessionState struct {
	processing bool
	queue      []queuedTurn
	cancel     context.CancelFunc
}

// Agent runs the reason-act loop: one turn at a time per session, queued
// admission, parallel tool dispatch, interruptible mid-turn.
type Agent struct {
	sessions   *SessionManager
	llm        LLMClient
	views      ToolViewProvider
	prompts    PromptBuilder
	middleware *MiddlewarePipeline
	presence   PresenceNotifier
	workdir    func() string
	logger     *zap.Logger

	mu     sync.Mutex
	states map[string]*sessionState
}

// NewAgent wires the loop. presence may be nil.
func NewAgent(sessions *SessionManager, llm LLMClient, views ToolViewProvider, prompts PromptBuilder, middleware *MiddlewarePipeline, presence PresenceNotifier, workdir func() string, logger *zap.Logger) *Agent {
	if presence == nil {
		presence = NoopPresence{}
	}
	if middleware == nil {
		middleware = NewMiddlewarePipeline(logger)
	}
	return &Agent{
		sessions:   sessions,
		llm:        llm,
		views:      views,
		prompts:    prompts,
		middleware: middleware,
		presence:   presence,
		workdir:    workdir,
		logger:     logger.With(zap.String("component", "agent")),
		states:     make(map[string]*sessionState),
	}
}

// IsProcessing reports whether a turn is currently running on the session.
func (a *Agent) IsProcessing(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[sessionID]
	return ok && st.processing
}

// ProcessingCount returns how many sessions have a turn in flight.
func (a *Agent) ProcessingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, st := range a.states {
		if st.processing {
			n++
		}
	}
	return n
}

// InterruptSession aborts the in-flight turn and drops the queue. Queued
// turns complete as interrupted.
func (a *Agent) InterruptSession(sessionID string) {
	a.mu.Lock()
	st, ok := a.states[sessionID]
	var cancel context.CancelFunc
	var dropped []queuedTurn
	if ok {
		cancel = st.cancel
		dropped = st.queue
		st.queue = nil
	}
	a.mu.Unlock()

	for _, q := range dropped {
		q.done <- &AgentResponse{Interrupted: true}
	}
	if cancel != nil {
		a.logger.Info("Interrupting session", zap.String("session_id", sessionID))
		cancel()
	}
}

// ProcessMessage runs one turn against channel:userId. If the session is
// already processing, the turn is queued FIFO and this call blocks until
// the worker completes it. It never panics and never returns nil.
func (a *Agent) ProcessMessage(ctx context.Context, channel, userID, text string, opts TurnOptions, cb TurnCallbacks) *AgentResponse {
	session := a.sessions.GetOrCreate(channel, userID)
	id := session.ID

	a.mu.Lock()
	st, ok := a.states[id]
	if !ok {
		st = &sessionState{}
		a.states[id] = st
	}
	if st.processing {
		q := queuedTurn{text: text, opts: opts, cb: cb, done: make(chan *AgentResponse, 1)}
		st.queue = append(st.queue, q)
		a.mu.Unlock()

		select {
		case resp := <-q.done:
			return resp
		case <-ctx.Done():
			return &AgentResponse{Content: fmt.Sprintf("Error: %v", ctx.Err()), Interrupted: true}
		}
	}
	st.processing = true
	a.mu.Unlock()

	a.presence.PresenceChanged(id, true)
	resp := a.runTurn(ctx, id, text, opts, cb)

	// Drain queued turns in FIFO order before releasing the session.
	for {
		a.mu.Lock()
		if len(st.queue) == 0 {
			st.processing = false
			st.cancel = nil
			a.mu.Unlock()
			break
		}
		next := st.queue[0]
		st.queue = st.queue[1:]
		a.mu.Unlock()

		next.done <- a.runTurn(ctx, id, next.text, next.opts, next.cb)
	}

	a.presence.PresenceChanged(id, false)
	return resp
}

// runTurn executes the full per-turn skeleton for one message.
func (a *Agent) runTurn(ctx context.Context, sessionID, text string, opts TurnOptions, cb TurnCallbacks) (resp *AgentResponse) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Agent turn panicked",
				zap.String("session_id", sessionID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			resp = &AgentResponse{Content: fmt.Sprintf("Error: internal failure: %v", r)}
		}
	}()

	text, ok := a.middleware.RunBeforeMessage(ctx, sessionID, text)
	if !ok {
		return &AgentResponse{Content: BlockedMessageText}
	}

	if err := a.sessions.AddMessage(sessionID, entity.NewUserMessage(text)); err != nil {
		return &AgentResponse{Content: fmt.Sprintf("Error: %v", err)}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	if st, found := a.states[sessionID]; found {
		st.cancel = cancel
	}
	a.mu.Unlock()

	resp = a.loop(turnCtx, sessionID, opts, cb)
	if !resp.Interrupted {
		resp.Content = a.middleware.RunAfterResponse(ctx, sessionID, resp.Content)
	}

	if err := a.sessions.SaveSession(context.Background(), sessionID); err != nil {
		a.logger.Warn("Failed to save session after turn",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return resp
}

func (a *Agent) loop(ctx context.Context, sessionID string, opts TurnOptions, cb TurnCallbacks) *AgentResponse {
	view := a.views.ViewFor(sessionID)
	elevated := a.sessions.IsElevated(sessionID)

	limit := maxIterations
	if opts.Mode == ModeRestricted {
		limit = maxRestrictedIterations
	}

	out := &AgentResponse{}

	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			out.Interrupted = true
			return out
		}

		// Catalog and date mutate mid-turn, so the prompt is rebuilt
		// every iteration.
		system := a.prompts.Build(sessionID, elevated, view.DeferredCatalog())
		messages := append([]entity.Message{entity.NewSystemMessage(system)}, a.sessions.GetMessages(sessionID)...)
		defs := a.toolDefs(view, opts)

		result, partial, err := a.callModel(ctx, messages, defs, opts.Mode, cb)
		if err != nil {
			if ctx.Err() != nil {
				out.Content = partial
				out.Interrupted = true
				return out
			}
			out.Content = fmt.Sprintf("Error: %v", err)
			return out
		}

		out.Usage.PromptTokens += result.Usage.PromptTokens
		out.Usage.CompletionTokens += result.Usage.CompletionTokens
		out.Usage.TotalTokens += result.Usage.TotalTokens

		if len(result.ToolCalls) == 0 {
			if err := a.sessions.AddMessage(sessionID, entity.NewAssistantMessage(result.Content, nil)); err != nil {
				a.logger.Warn("Failed to append assistant message", zap.Error(err))
			}
			out.Content = result.Content
			return out
		}

		if err := a.sessions.AddMessage(sessionID, entity.NewAssistantMessage(result.Content, result.ToolCalls)); err != nil {
			a.logger.Warn("Failed to append assistant message", zap.Error(err))
		}
		out.ToolCalls = append(out.ToolCalls, result.ToolCalls...)

		results := a.dispatch(ctx, sessionID, view, elevated, result.ToolCalls, cb)
		if ctx.Err() != nil {
			out.Interrupted = true
			return out
		}
		for j, tc := range result.ToolCalls {
			if err := a.sessions.AddMessage(sessionID, entity.NewToolMessage(tc.ID, results[j])); err != nil {
				a.logger.Warn("Failed to append tool message", zap.Error(err))
			}
		}
	}

	if err := a.sessions.AddMessage(sessionID, entity.NewAssistantMessage(maxIterationsText, nil)); err != nil {
		a.logger.Warn("Failed to append assistant message", zap.Error(err))
	}
	out.Content = maxIterationsText
	return out
}

func (a *Agent) toolDefs(view ToolView, opts TurnOptions) []tool.Definition {
	switch opts.Mode {
	case ModeChatOnly:
		return nil
	case ModeRestricted:
		return view.ToolDefsFiltered(opts.AllowedTools)
	default:
		return view.ToolDefs()
	}
}

// callModel invokes the pool in the chosen mode. In streaming mode the
// accumulated partial text is returned alongside any error so an
// interrupt can surface what was already produced.
func (a *Agent) callModel(ctx context.Context, messages []entity.Message, defs []tool.Definition, mode Mode, cb TurnCallbacks) (*ChatResult, string, error) {
	if mode != ModeStreaming {
		result, err := a.llm.Chat(ctx, messages, defs, "")
		return result, "", err
	}

	var partial strings.Builder
	result, err := a.llm.ChatStream(ctx, messages, defs, func(delta string) {
		partial.WriteString(delta)
		if cb.OnStream != nil {
			cb.OnStream(delta)
		}
	})
	return result, partial.String(), err
}

// dispatch runs all tool calls from one assistant turn in parallel and
// returns rendered results aligned with the tool_calls order.
func (a *Agent) dispatch(ctx context.Context, sessionID string, view ToolView, elevated bool, calls []entity.ToolCall, cb TurnCallbacks) []string {
	results := make([]string, len(calls))
	var wg sync.WaitGroup

	for i, tc := range calls {
		args := parseArguments(tc.Arguments)

		if cb.OnStream != nil {
			cb.OnStream(fmt.Sprintf("\n[used tool: %s]\n", tc.Name))
		}
		if cb.OnToolCall != nil {
			cb.OnToolCall(ToolCallEvent{Name: tc.Name, Arguments: args, Result: ""})
		}

		wg.Add(1)
		go func(i int, name string, args map[string]any) {
			defer wg.Done()
			res := view.Execute(ctx, name, args, tool.Context{
				Workdir:  a.workdir(),
				Elevated: elevated,
			})
			results[i] = renderToolResult(res)
		}(i, tc.Name, args)
	}

	wg.Wait()
	return results
}

// parseArguments decodes the raw JSON argument string; anything
// unparseable becomes an empty object.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func renderToolResult(res *tool.Result) string {
	if res == nil {
		return ""
	}
	if res.Error != "" {
		return "Error: " + res.Error + "\n" + res.Output
	}
	return res.Output
}
