// Copyright 2026 Loomgate Authors. All rights reserved.

package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/internal/infrastructure/config"
	"github.com/loomgate/loomgate/internal/infrastructure/llm"
	"github.com/loomgate/loomgate/internal/infrastructure/monitoring"
	"github.com/loomgate/loomgate/internal/infrastructure/tool"
	"github.com/loomgate/loomgate/internal/interfaces/http/handlers"
	"github.com/loomgate/loomgate/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Deps bundles everything the router serves.
type Deps struct {
	Sessions *service.SessionManager
	Agent    *service.Agent
	Commands *service.Commands
	Pool     *llm.Pool
	Config   *config.Manager
	Hub      *websocket.Hub
	WS       *websocket.Handler
	Metrics  *monitoring.Metrics
	Registry *tool.Registry
	Version  string
}

// Server is the gateway's HTTP front.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router and wraps it in an http.Server.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}

	registerRoutes(router, deps, logger)

	cfg := deps.Config.Current()
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			Handler: router,
		},
		logger: logger.With(zap.String("component", "http")),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop drains connections.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func registerRoutes(router *gin.Engine, deps Deps, logger *zap.Logger) {
	started := time.Now()

	sessionH := handlers.NewSessionHandler(deps.Sessions, deps.Hub, logger)
	chatH := handlers.NewChatHandler(deps.Sessions, deps.Agent, deps.Commands, logger)
	configH := handlers.NewConfigHandler(deps.Config, deps.Hub, logger)
	modelH := handlers.NewModelHandler(deps.Pool, logger)
	toolH := handlers.NewToolHandler(deps.Registry, deps.Hub, logger)
	webhookH := handlers.NewWebhookHandler(deps.Sessions, deps.Agent, deps.Config, logger)
	openaiH := handlers.NewOpenAIHandler(deps.Agent, deps.Pool, logger)
	statusH := handlers.NewStatusHandler(deps.Sessions, deps.Agent, deps.Pool, deps.Hub, deps.Version, started)

	// The WS upgrade and the metrics scrape bypass per-request auth.
	router.GET("/ws", gin.WrapF(deps.WS.ServeWS))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.Use(authMiddleware(deps.Config))
	{
		api.GET("/health", statusH.Health)
		api.GET("/status", statusH.Status)

		api.GET("/sessions", sessionH.List)
		api.GET("/sessions/main", sessionH.GetMain)
		api.POST("/sessions/main", sessionH.SetMain)
		api.POST("/sessions/import", sessionH.Import)
		api.GET("/sessions/:id", sessionH.Get)
		api.DELETE("/sessions/:id", sessionH.Delete)
		api.GET("/sessions/:id/export", sessionH.Export)
		api.POST("/sessions/:id/duplicate", sessionH.Duplicate)

		api.POST("/chat", chatH.Chat)
		api.POST("/command", chatH.Command)

		api.GET("/config", configH.Get)
		api.GET("/config/full", configH.GetFull)
		api.PUT("/config", configH.Update)

		api.GET("/models", modelH.List)
		api.POST("/models/switch", modelH.Switch)

		api.POST("/tools/load", toolH.Load)
		api.POST("/tools/unload", toolH.Unload)

		api.POST("/webhook", webhookH.Handle)
	}

	v1 := router.Group("/v1")
	v1.Use(authMiddleware(deps.Config))
	{
		v1.POST("/chat/completions", openaiH.ChatCompletions)
		v1.GET("/models", openaiH.ListModels)
	}
}

// authMiddleware enforces the configured auth mode on /api/* and /v1/*.
func authMiddleware(manager *config.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := manager.Current().Gateway.Auth
		if auth.Mode != "token" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header || token != auth.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
