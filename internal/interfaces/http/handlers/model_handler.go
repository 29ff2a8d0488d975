// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// ModelHandler serves the provider pool listing and switching.
type ModelHandler struct {
	pool   *llm.Pool
	logger *zap.Logger
}

func NewModelHandler(pool *llm.Pool, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{pool: pool, logger: logger}
}

func (h *ModelHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": h.pool.List(),
		"current":   h.pool.CurrentModel(),
	})
}

// Switch resolves the key as pool index, provider name, then model name.
func (h *ModelHandler) Switch(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name, err := h.pool.SwitchModel(req.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Provider switched", zap.String("provider", name))
	c.JSON(http.StatusOK, gin.H{"provider": name, "model": h.pool.CurrentModel()})
}
