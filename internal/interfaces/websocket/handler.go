// Copyright 2026 Loomgate Authors. All rights reserved.

package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/pkg/safego"
	"go.uber.org/zap"
)

// webChannel names the channel WS-minted sessions live in.
const webChannel = "webui"

// reconnectPoll is how often a reconnecting client's session is checked
// while a turn is still running.
const reconnectPoll = 2500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway fronts local UIs and trusted reverse proxies.
		return true
	},
}

// Handler upgrades connections and speaks the WS protocol.
type Handler struct {
	hub          *Hub
	sessions     *service.SessionManager
	agent        *service.Agent
	commands     *service.Commands
	contextLimit func() int
	logger       *zap.Logger
}

// NewHandler wires the WS surface.
func NewHandler(hub *Hub, sessions *service.SessionManager, agent *service.Agent, commands *service.Commands, contextLimit func() int, logger *zap.Logger) *Handler {
	return &Handler{
		hub:          hub,
		sessions:     sessions,
		agent:        agent,
		commands:     commands,
		contextLimit: contextLimit,
		logger:       logger.With(zap.String("component", "ws")),
	}
}

// ServeWS upgrades the request and binds the client to its session: the
// main session when designated, a freshly minted one otherwise.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := h.sessions.MainSessionID()
	if requested := r.URL.Query().Get("session_id"); requested != "" && h.sessions.Exists(requested) {
		sessionID = requested
	}
	if sessionID == "" {
		s := h.sessions.GetOrCreate(webChannel, uuid.NewString()[:8])
		sessionID = s.ID
	} else {
		channel, userID := entity.ParseSessionID(sessionID)
		h.sessions.GetOrCreate(channel, userID)
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendQueueDepth),
		hub:    h.hub,
		logger: h.logger,
	}
	client.bindSession(sessionID)
	h.hub.register(client)

	safego.Go(h.logger, "ws-write-"+client.id, client.writePump)
	safego.Go(h.logger, "ws-read-"+client.id, func() { client.readPump(h.handle) })

	processing := h.agent.IsProcessing(sessionID)
	stats := h.sessions.Stats(sessionID, h.contextLimit())
	presence := "idle"
	if processing {
		presence = "busy"
	}
	client.Send(&OutboundFrame{
		Type:       typeConnected,
		SessionID:  sessionID,
		ClientID:   client.id,
		Presence:   presence,
		Context:    &stats,
		Processing: processing,
	})

	if processing {
		h.pollUntilIdle(client, sessionID)
	} else {
		h.sendSessionState(client, typeSessionLoaded, sessionID)
	}
}

// pollUntilIdle watches a busy session and replays its state once the
// in-flight turn finishes. This recovers mid-stream disconnects.
func (h *Handler) pollUntilIdle(client *Client, sessionID string) {
	safego.Go(h.logger, "ws-reconnect-poll", func() {
		ticker := time.NewTicker(reconnectPoll)
		defer ticker.Stop()
		for range ticker.C {
			if client.SessionID() != sessionID {
				return
			}
			if !h.agent.IsProcessing(sessionID) {
				h.sendSessionState(client, typeSessionLoaded, sessionID)
				return
			}
		}
	})
}

func (h *Handler) sendSessionState(client *Client, frameType, sessionID string) {
	stats := h.sessions.Stats(sessionID, h.contextLimit())
	client.Send(&OutboundFrame{
		Type:      frameType,
		SessionID: sessionID,
		Messages:  viewMessages(h.sessions.GetMessages(sessionID)),
		Context:   &stats,
	})
}

func (h *Handler) broadcastSessionState(sessionID string) {
	stats := h.sessions.Stats(sessionID, h.contextLimit())
	h.hub.SendToSession(sessionID, "", &OutboundFrame{
		Type:      typeMessagesUpdated,
		SessionID: sessionID,
		Messages:  viewMessages(h.sessions.GetMessages(sessionID)),
		Context:   &stats,
	})
}

func (h *Handler) handle(client *Client, frame *InboundFrame) {
	sessionID := client.SessionID()

	switch frame.Type {
	case typePing:
		client.Send(&OutboundFrame{Type: typePong})

	case typeMessage:
		h.handleMessage(client, sessionID, frame.Content)

	case typeTyping:
		h.hub.SendToSession(sessionID, client.id, &OutboundFrame{
			Type:      typeTyping,
			SessionID: sessionID,
			ClientID:  client.id,
			Active:    frame.Active,
		})

	case typeLoadSession:
		if !h.sessions.Exists(frame.SessionID) {
			client.Send(&OutboundFrame{Type: typeError, Message: "session not found: " + frame.SessionID})
			return
		}
		client.bindSession(frame.SessionID)
		h.sendSessionState(client, typeSessionLoaded, frame.SessionID)

	case typeInterrupt:
		h.agent.InterruptSession(sessionID)

	case typeDeleteMessage:
		if err := h.sessions.DeleteMessageAt(sessionID, frame.Index); err != nil {
			client.Send(&OutboundFrame{Type: typeError, Message: err.Error()})
			return
		}
		h.broadcastSessionState(sessionID)

	case typeEditMessage:
		if err := h.sessions.EditMessageAt(sessionID, frame.Index, frame.Content); err != nil {
			client.Send(&OutboundFrame{Type: typeError, Message: err.Error()})
			return
		}
		h.broadcastSessionState(sessionID)

	case typeRetryMessage:
		h.handleRetry(client, sessionID, frame.Index)

	default:
		client.Send(&OutboundFrame{Type: typeError, Message: "unknown frame type: " + frame.Type})
	}
}

// handleMessage runs one user turn: slash commands answer synchronously,
// everything else streams through the agent loop.
func (h *Handler) handleMessage(client *Client, sessionID, content string) {
	if reply, ok := h.commands.Handle(context.Background(), sessionID, content); ok {
		stats := h.sessions.Stats(sessionID, h.contextLimit())
		client.Send(&OutboundFrame{
			Type:      typeResponse,
			SessionID: sessionID,
			Content:   reply,
			Context:   &stats,
			Done:      true,
		})
		h.broadcastSessionState(sessionID)
		return
	}

	safego.Go(h.logger, "ws-turn", func() {
		channel, userID := entity.ParseSessionID(sessionID)
		resp := h.agent.ProcessMessage(context.Background(), channel, userID, content,
			service.TurnOptions{Mode: service.ModeStreaming},
			service.TurnCallbacks{
				OnStream: func(delta string) {
					client.Send(&OutboundFrame{Type: typeStream, SessionID: sessionID, Content: delta})
				},
				OnToolCall: func(ev service.ToolCallEvent) {
					client.Send(&OutboundFrame{
						Type:      typeToolCall,
						SessionID: sessionID,
						Name:      ev.Name,
						Arguments: ev.Arguments,
						Result:    ev.Result,
					})
				},
			})

		if resp.Interrupted {
			client.Send(&OutboundFrame{Type: typeInterrupted, SessionID: sessionID, Content: resp.Content, Aborted: true})
			return
		}

		stats := h.sessions.Stats(sessionID, h.contextLimit())
		client.Send(&OutboundFrame{
			Type:      typeResponse,
			SessionID: sessionID,
			Content:   resp.Content,
			ToolCalls: toViews(resp.ToolCalls),
			Usage:     &resp.Usage,
			Context:   &stats,
			Done:      true,
		})
	})
}

// handleRetry re-runs the user message at or before index. The retried
// turn's old assistant and tool records are discarded; records belonging
// to later turns are restored after regeneration.
func (h *Handler) handleRetry(client *Client, sessionID string, index int) {
	messages := h.sessions.GetMessages(sessionID)
	if index >= len(messages) {
		index = len(messages) - 1
	}

	userIdx := -1
	for i := index; i >= 0; i-- {
		if i < len(messages) && messages[i].Role == entity.RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		client.Send(&OutboundFrame{Type: typeError, Message: "no user message to retry"})
		return
	}

	removed, err := h.sessions.TruncateFrom(sessionID, userIdx)
	if err != nil {
		client.Send(&OutboundFrame{Type: typeError, Message: err.Error()})
		return
	}

	// Everything from the next user message onward belongs to later
	// turns and survives the retry.
	var trailing []entity.Message
	for i := 1; i < len(removed); i++ {
		if removed[i].Role == entity.RoleUser {
			trailing = removed[i:]
			break
		}
	}
	userText := removed[0].Content

	safego.Go(h.logger, "ws-retry", func() {
		channel, userID := entity.ParseSessionID(sessionID)
		resp := h.agent.ProcessMessage(context.Background(), channel, userID, userText,
			service.TurnOptions{Mode: service.ModeStreaming},
			service.TurnCallbacks{
				OnStream: func(delta string) {
					client.Send(&OutboundFrame{Type: typeStream, SessionID: sessionID, Content: delta})
				},
			})

		if len(trailing) > 0 {
			if err := h.sessions.AppendMessages(sessionID, trailing); err != nil {
				h.logger.Warn("Failed to restore trailing messages", zap.Error(err))
			}
		}

		if resp.Interrupted {
			client.Send(&OutboundFrame{Type: typeInterrupted, SessionID: sessionID, Content: resp.Content, Aborted: true})
			return
		}
		h.sendSessionState(client, typeRetryComplete, sessionID)
		h.hub.SendToSession(sessionID, client.id, &OutboundFrame{
			Type:      typeMessagesUpdated,
			SessionID: sessionID,
			Messages:  viewMessages(h.sessions.GetMessages(sessionID)),
		})
	})
}

func toViews(calls []entity.ToolCall) []ToolCallView {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCallView, len(calls))
	for i, tc := range calls {
		out[i] = ToolCallView{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}
