// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// SessionHandler serves the /api/sessions surface.
type SessionHandler struct {
	sessions *service.SessionManager
	hub      *websocket.Hub
	logger   *zap.Logger
}

func NewSessionHandler(sessions *service.SessionManager, hub *websocket.Hub, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, hub: hub, logger: logger}
}

func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.List()})
}

func (h *SessionHandler) Get(c *gin.Context) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.DeleteSession(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, entity.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	h.hub.BroadcastDataUpdate("sessions", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *SessionHandler) Export(c *gin.Context) {
	data, err := h.sessions.Export(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+c.Param("id")+".json")
	c.Data(http.StatusOK, "application/json", data)
}

func (h *SessionHandler) Import(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.sessions.Import(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.hub.BroadcastDataUpdate("sessions", nil)
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (h *SessionHandler) Duplicate(c *gin.Context) {
	id, err := h.sessions.DuplicateSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.hub.BroadcastDataUpdate("sessions", nil)
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (h *SessionHandler) GetMain(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session_id": h.sessions.MainSessionID()})
}

func (h *SessionHandler) SetMain(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.SetMainSession(req.SessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.hub.BroadcastDataUpdate("sessions", nil)
	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID})
}
