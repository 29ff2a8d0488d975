// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
	"go.uber.org/zap"
)

// apiChannel names sessions minted by the REST chat endpoint.
const apiChannel = "api"

// ChatHandler serves /api/chat and /api/command.
type ChatHandler struct {
	sessions *service.SessionManager
	agent    *service.Agent
	commands *service.Commands
	logger   *zap.Logger
}

func NewChatHandler(sessions *service.SessionManager, agent *service.Agent, commands *service.Commands, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{sessions: sessions, agent: agent, commands: commands, logger: logger}
}

type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
}

// resolveSession picks the target session: explicit id, then main, then
// the shared REST session.
func (h *ChatHandler) resolveSession(requested string) string {
	if requested != "" && h.sessions.Exists(requested) {
		return requested
	}
	if main := h.sessions.MainSessionID(); main != "" {
		return main
	}
	return h.sessions.GetOrCreate(apiChannel, "default").ID
}

// Chat runs one non-streaming turn. Slash commands are answered without
// touching the LLM.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := h.resolveSession(req.SessionID)
	if reply, ok := h.commands.Handle(c.Request.Context(), sessionID, req.Message); ok {
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "content": reply})
		return
	}

	channel, userID := entity.ParseSessionID(sessionID)
	resp := h.agent.ProcessMessage(c.Request.Context(), channel, userID, req.Message,
		service.TurnOptions{Mode: service.ModeNonStreaming}, service.TurnCallbacks{})
	c.JSON(http.StatusOK, gin.H{
		"session_id":  sessionID,
		"content":     resp.Content,
		"tool_calls":  resp.ToolCalls,
		"usage":       resp.Usage,
		"interrupted": resp.Interrupted,
	})
}

// Command executes a slash command only; non-commands get a 400.
func (h *ChatHandler) Command(c *gin.Context) {
	var req struct {
		Command   string `json:"command" binding:"required"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := h.resolveSession(req.SessionID)
	reply, ok := h.commands.Handle(c.Request.Context(), sessionID, req.Command)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a command: " + req.Command})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "content": reply})
}
