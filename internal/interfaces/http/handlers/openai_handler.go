// Copyright 2026 Loomgate Authors. All rights reserved.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// OpenAIHandler exposes the agent behind the OpenAI chat-completions
// shape so off-the-shelf clients can talk to the gateway.
type OpenAIHandler struct {
	agent  *service.Agent
	pool   *llm.Pool
	logger *zap.Logger
}

func NewOpenAIHandler(agent *service.Agent, pool *llm.Pool, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{agent: agent, pool: pool, logger: logger}
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
	User     string       `json:"user"`
}

// ChatCompletions maps the last user message onto one agent turn. The
// conversation state lives in the gateway session, not in the request.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req oaiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, h.errorBody("invalid request: "+err.Error(), "invalid_request_error"))
		return
	}

	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			userText = req.Messages[i].Content
			break
		}
	}
	if userText == "" {
		c.JSON(http.StatusBadRequest, h.errorBody("no user message", "invalid_request_error"))
		return
	}

	user := req.User
	if user == "" {
		user = "default"
	}

	if req.Stream {
		h.streamTurn(c, user, userText)
		return
	}

	resp := h.agent.ProcessMessage(c.Request.Context(), "openai", user, userText,
		service.TurnOptions{Mode: service.ModeNonStreaming}, service.TurnCallbacks{})

	c.JSON(http.StatusOK, gin.H{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   h.pool.CurrentModel(),
		"choices": []gin.H{{
			"index":         0,
			"message":       gin.H{"role": "assistant", "content": resp.Content},
			"finish_reason": "stop",
		}},
		"usage": gin.H{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
}

func (h *OpenAIHandler) streamTurn(c *gin.Context, user, userText string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := h.pool.CurrentModel()
	flusher, _ := c.Writer.(http.Flusher)

	writeChunk := func(delta gin.H, finish any) {
		body := gin.H{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []gin.H{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
		data, err := json.Marshal(body)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeChunk(gin.H{"role": "assistant"}, nil)
	h.agent.ProcessMessage(c.Request.Context(), "openai", user, userText,
		service.TurnOptions{Mode: service.ModeStreaming},
		service.TurnCallbacks{
			OnStream: func(delta string) {
				writeChunk(gin.H{"content": delta}, nil)
			},
		})
	writeChunk(gin.H{}, "stop")
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// ListModels reports the pool entries in the OpenAI models shape.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	providers := h.pool.List()
	models := make([]gin.H, 0, len(providers))
	for _, p := range providers {
		models = append(models, gin.H{
			"id":       p.Model,
			"object":   "model",
			"owned_by": p.Name,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

func (h *OpenAIHandler) errorBody(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}
