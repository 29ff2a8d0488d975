// Copyright 2026 Loomgate Authors. All rights reserved.

package websocket

import (
	"encoding/json"
	"sync"

	"github.com/loomgate/loomgate/internal/domain/service"
	"go.uber.org/zap"
)

// Hub tracks connected clients and fans frames out to them. Sends are
// fire-and-forget with per-client error isolation: a slow client drops
// frames rather than blocking an agent turn.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

var (
	_ service.Broadcaster      = (*Hub)(nil)
	_ service.PresenceNotifier = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With(zap.String("component", "ws-hub")),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("Client connected",
		zap.String("client_id", c.id),
		zap.String("session_id", c.SessionID()),
	)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("Client disconnected", zap.String("client_id", c.id))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a frame to every client.
func (h *Hub) Broadcast(frame *OutboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(data)
	}
}

// SendToSession sends a frame to every client bound to sessionID, except
// the client named by exceptID when non-empty.
func (h *Hub) SendToSession(sessionID, exceptID string, frame *OutboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.SessionID() != sessionID || c.id == exceptID {
			continue
		}
		c.enqueue(data)
	}
}

// BroadcastDataUpdate announces a resource mutation to every client.
func (h *Hub) BroadcastDataUpdate(resource string, data any) {
	h.Broadcast(&OutboundFrame{Type: typeDataUpdate, Resource: resource, Data: data})
}

// BroadcastHeartbeat implements service.Broadcaster.
func (h *Hub) BroadcastHeartbeat(ev service.HeartbeatEvent) {
	h.Broadcast(&OutboundFrame{Type: "heartbeat_activity", SessionID: ev.SessionID, Resource: string(ev.Outcome), Content: ev.Content})
}

// PresenceChanged implements service.PresenceNotifier by fanning the
// busy/idle transition out to the session's clients.
func (h *Hub) PresenceChanged(sessionID string, busy bool) {
	presence := "idle"
	if busy {
		presence = "busy"
	}
	h.SendToSession(sessionID, "", &OutboundFrame{
		Type:      typePresence,
		SessionID: sessionID,
		Presence:  presence,
		Busy:      busy,
	})
}
