// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/infrastructure/config"
	"go.uber.org/zap"
)

// WebhookHandler turns external events into agent turns. It is gated by
// the webhook token independently of the gateway auth mode.
type WebhookHandler struct {
	sessions *service.SessionManager
	agent    *service.Agent
	config   *config.Manager
	logger   *zap.Logger
}

func NewWebhookHandler(sessions *service.SessionManager, agent *service.Agent, cfg *config.Manager, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{sessions: sessions, agent: agent, config: cfg, logger: logger}
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	cfg := h.config.Current().Webhooks
	if !cfg.Enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhooks disabled"})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if cfg.Token == "" || token != cfg.Token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req struct {
		Message   string `json:"message" binding:"required"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" || !h.sessions.Exists(sessionID) {
		sessionID = h.sessions.MainSessionID()
	}
	if sessionID == "" {
		sessionID = h.sessions.GetOrCreate("webhook", "default").ID
	}

	channel, userID := entity.ParseSessionID(sessionID)
	resp := h.agent.ProcessMessage(c.Request.Context(), channel, userID, req.Message,
		service.TurnOptions{Mode: service.ModeNonStreaming}, service.TurnCallbacks{})
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "content": resp.Content})
}
