// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/infrastructure/llm"
	"github.com/loomgate/loomgate/internal/interfaces/websocket"
)

// StatusHandler serves /api/health and /api/status.
type StatusHandler struct {
	sessions *service.SessionManager
	agent    *service.Agent
	pool     *llm.Pool
	hub      *websocket.Hub
	version  string
	started  time.Time
}

func NewStatusHandler(sessions *service.SessionManager, agent *service.Agent, pool *llm.Pool, hub *websocket.Hub, version string, started time.Time) *StatusHandler {
	return &StatusHandler{
		sessions: sessions,
		agent:    agent,
		pool:     pool,
		hub:      hub,
		version:  version,
		started:  started,
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"model":   h.pool.CurrentModel(),
		"version": h.version,
	})
}

func (h *StatusHandler) Status(c *gin.Context) {
	metas := h.sessions.List()
	busy := make([]string, 0, 4)
	for _, meta := range metas {
		if h.agent.IsProcessing(meta.ID) {
			busy = append(busy, meta.ID)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":       len(metas),
		"busy_sessions":  busy,
		"clients":        h.hub.ClientCount(),
		"main_session":   h.sessions.MainSessionID(),
		"providers":      h.pool.List(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}
