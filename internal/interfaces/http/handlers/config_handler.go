// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/infrastructure/config"
	"github.com/loomgate/loomgate/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// ConfigHandler serves the config read-outs and the merge-update PUT.
// Secrets never leave unmasked through either GET.
type ConfigHandler struct {
	manager *config.Manager
	hub     *websocket.Hub
	logger  *zap.Logger
}

func NewConfigHandler(manager *config.Manager, hub *websocket.Hub, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{manager: manager, hub: hub, logger: logger}
}

// Get returns the parsed live config with secrets masked.
func (h *ConfigHandler) Get(c *gin.Context) {
	doc, err := h.manager.Masked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": doc})
}

// GetFull returns the complete on-disk document with secrets masked.
func (h *ConfigHandler) GetFull(c *gin.Context) {
	doc, err := h.manager.Masked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Update deep-merges the request body over the stored document. Values
// of "***" mean unchanged. Validation failures return 400 with the
// validator's message.
func (h *ConfigHandler) Update(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Update(patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.hub.BroadcastDataUpdate("config", nil)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
