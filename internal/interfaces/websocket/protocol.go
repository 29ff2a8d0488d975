// Copyright 2026 Loomgate Authors. All rights reserved.

package websocket

import (
	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
)

// Inbound frame types.
const (
	typeMessage       = "message"
	typeTyping        = "typing"
	typePing          = "ping"
	typeLoadSession   = "load_session"
	typeInterrupt     = "interrupt"
	typeDeleteMessage = "delete_message"
	typeEditMessage   = "edit_message"
	typeRetryMessage  = "retry_message"
)

// Outbound frame types.
const (
	typeConnected       = "connected"
	typeSessionLoaded   = "session_loaded"
	typeMessagesUpdated = "messages_updated"
	typeRetryComplete   = "retry_complete"
	typeStream          = "stream"
	typeToolCall        = "tool_call"
	typeResponse        = "response"
	typeInterrupted     = "interrupted"
	typeError           = "error"
	typeDataUpdate      = "data_update"
	typePong            = "pong"
	typePresence        = "presence"
)

// InboundFrame is one client-to-server JSON text frame.
type InboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Index     int    `json:"index"`
	Active    bool   `json:"active"`
}

// OutboundFrame is one server-to-client JSON text frame. Only the fields
// relevant to Type are populated.
type OutboundFrame struct {
	Type       string                `json:"type"`
	SessionID  string                `json:"session_id,omitempty"`
	ClientID   string                `json:"client_id,omitempty"`
	Content    string                `json:"content,omitempty"`
	Messages   []MessageView         `json:"messages,omitempty"`
	Context    *service.ContextStats `json:"context,omitempty"`
	Presence   string                `json:"presence,omitempty"`
	Processing bool                  `json:"processing,omitempty"`
	Name       string                `json:"name,omitempty"`
	Arguments  map[string]any        `json:"arguments,omitempty"`
	Result     string                `json:"result,omitempty"`
	ToolCalls  []ToolCallView        `json:"tool_calls,omitempty"`
	Usage      *service.Usage        `json:"usage,omitempty"`
	Done       bool                  `json:"done,omitempty"`
	Aborted    bool                  `json:"aborted,omitempty"`
	Message    string                `json:"message,omitempty"`
	Resource   string                `json:"resource,omitempty"`
	Data       any                   `json:"data,omitempty"`
	Active     bool                  `json:"active,omitempty"`
	Busy       bool                  `json:"busy,omitempty"`
}

// ToolCallView is an assistant tool call with its paired result attached.
type ToolCallView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// MessageView is one log record shaped for the UI: tool-role records are
// folded into the owning assistant message's tool_calls.
type MessageView struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCallView `json:"tool_calls,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// viewMessages pairs every tool result with the assistant tool call that
// produced it and drops the standalone tool records.
func viewMessages(messages []entity.Message) []MessageView {
	views := make([]MessageView, 0, len(messages))
	indexByCallID := make(map[string][2]int)

	for _, msg := range messages {
		if msg.Role == entity.RoleTool {
			if pos, ok := indexByCallID[msg.ToolCallID]; ok {
				views[pos[0]].ToolCalls[pos[1]].Result = msg.Content
			}
			continue
		}

		view := MessageView{
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp.Unix(),
		}
		if len(msg.ToolCalls) > 0 {
			view.ToolCalls = make([]ToolCallView, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				view.ToolCalls[i] = ToolCallView{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
				indexByCallID[tc.ID] = [2]int{len(views), i}
			}
		}
		views = append(views, view)
	}
	return views
}
