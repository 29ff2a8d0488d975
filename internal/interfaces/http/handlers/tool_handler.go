// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	registry "github.com/loomgate/loomgate/internal/infrastructure/tool"
	"github.com/loomgate/loomgate/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// ToolHandler serves per-session tool promotion over REST.
type ToolHandler struct {
	registry *registry.Registry
	hub      *websocket.Hub
	logger   *zap.Logger
}

func NewToolHandler(reg *registry.Registry, hub *websocket.Hub, logger *zap.Logger) *ToolHandler {
	return &ToolHandler{registry: reg, hub: hub, logger: logger}
}

type toolRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
}

func (h *ToolHandler) Load(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.registry.View(req.SessionID).Promote(req.Name)
	if res.Error != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Error})
		return
	}
	h.hub.BroadcastDataUpdate("tools", nil)
	c.JSON(http.StatusOK, gin.H{"loaded": req.Name, "description": res.Description})
}

func (h *ToolHandler) Unload(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.registry.View(req.SessionID).Demote(req.Name)
	if res.Error != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Error})
		return
	}
	h.hub.BroadcastDataUpdate("tools", nil)
	c.JSON(http.StatusOK, gin.H{"unloaded": req.Name})
}
