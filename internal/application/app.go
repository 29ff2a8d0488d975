// Copyright 2026 Loomgate Authors. All rights reserved.

package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomgate/loomgate/internal/domain/repository"
	"github.com/loomgate/loomgate/internal/domain/service"
	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
	"github.com/loomgate/loomgate/internal/infrastructure/capability"
	"github.com/loomgate/loomgate/internal/infrastructure/config"
	"github.com/loomgate/loomgate/internal/infrastructure/llm"
	"github.com/loomgate/loomgate/internal/infrastructure/monitoring"
	"github.com/loomgate/loomgate/internal/infrastructure/persistence"
	"github.com/loomgate/loomgate/internal/infrastructure/plugin"
	"github.com/loomgate/loomgate/internal/infrastructure/prompt"
	toolpkg "github.com/loomgate/loomgate/internal/infrastructure/tool"
	"github.com/loomgate/loomgate/internal/interfaces/discord"
	httpserver "github.com/loomgate/loomgate/internal/interfaces/http"
	"github.com/loomgate/loomgate/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// App is the dependency container: it builds every layer and owns
// startup and shutdown order.
type App struct {
	Version string

	configMgr *config.Manager
	logger    *zap.Logger

	repo      repository.SessionRepository
	sessions  *service.SessionManager
	pool      *llm.Pool
	registry  *toolpkg.Registry
	agent     *service.Agent
	commands  *service.Commands
	scheduler *service.Scheduler
	indexer   *capability.FileIndexer
	metrics   *monitoring.Metrics

	hub        *websocket.Hub
	httpServer *httpserver.Server
	discordBot *discord.Adapter
}

// poolObserver feeds provider-pool outcomes into the Prometheus counters.
type poolObserver struct {
	m *monitoring.Metrics
}

func (o poolObserver) ModelCall(provider, outcome string) {
	o.m.ModelCalls.WithLabelValues(provider, outcome).Inc()
}

func (o poolObserver) ModelTokens(prompt, completion int) {
	o.m.ModelTokens.WithLabelValues("prompt").Add(float64(prompt))
	o.m.ModelTokens.WithLabelValues("completion").Add(float64(completion))
}

func (o poolObserver) ProviderFailure(provider string) {
	o.m.ProviderFailures.WithLabelValues(provider).Inc()
}

// viewProvider adapts the registry to the domain's ToolViewProvider.
type viewProvider struct {
	registry *toolpkg.Registry
}

func (p viewProvider) ViewFor(sessionID string) service.ToolView {
	return p.registry.View(sessionID)
}

// New wires the whole gateway.
func New(configMgr *config.Manager, version string, logger *zap.Logger) (*App, error) {
	cfg := configMgr.Current()
	app := &App{Version: version, configMgr: configMgr, logger: logger}

	// Persistence.
	db, err := persistence.OpenDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.repo = persistence.NewGormSessionRepository(db)
	app.sessions = service.NewSessionManager(app.repo, logger)

	// Provider pool.
	app.pool = llm.NewPool(poolEntries(cfg), logger)

	// Tool registry and policy.
	app.registry = toolpkg.NewRegistry(logger)
	app.registry.SetPolicy(cfg.Tools.Allow, cfg.Tools.Deny)

	// Capabilities.
	memoryDir := func() string { return configMgr.Current().Memory.Directory }
	skillsDir := func() string { return configMgr.Current().Skills.Directory }
	memory := capability.NewFileMemory(memoryDir, logger)
	skills := capability.NewFileSkills(skillsDir, logger)
	app.indexer = capability.NewFileIndexer(memoryDir, logger)

	// Agent loop.
	builder := prompt.NewBuilder(
		func() string { return configMgr.Current().Agent.SystemPrompt },
		func() string { return configMgr.Current().Agent.Workdir },
		skills, memory,
	)
	app.hub = websocket.NewHub(logger)
	middleware := service.NewMiddlewarePipeline(logger)
	if cfg.Plugins.Enabled {
		loader := plugin.NewLoader(cfg.Plugins.Directory, logger)
		n, err := loader.LoadAll(app.registry, middleware)
		if err != nil {
			return nil, fmt.Errorf("load plugins: %w", err)
		}
		logger.Info("Plugins loaded", zap.Int("count", n))
	}
	app.agent = service.NewAgent(app.sessions, app.pool, viewProvider{app.registry}, builder,
		middleware, app.hub, func() string { return configMgr.Current().Agent.Workdir }, logger)

	// Sub-agent delegation, exposed as a deferred tool.
	subAgents := service.NewSubAgentRunner(app.agent, app.sessions, logger)
	if err := app.registry.RegisterDeferred(domaintool.CatalogEntry{
		Name:    "spawn_agent",
		Summary: "delegate a task to a restricted sub-agent",
		Tool:    subAgents.Tool(),
	}); err != nil {
		return nil, fmt.Errorf("register spawn_agent: %w", err)
	}

	// Memory search over the file index, loadable on demand.
	if err := app.registry.RegisterDeferred(domaintool.CatalogEntry{
		Name:    "memory_search",
		Summary: "search the memory files for relevant passages",
		Tool: &domaintool.FuncTool{
			ToolName: "memory_search",
			Desc:     "Search the memory files and return the passages most relevant to a query.",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search terms"},
					"limit": map[string]any{"type": "integer", "description": "Maximum passages to return (default 5)"},
				},
				"required": []string{"query"},
			},
			Fn: func(ctx context.Context, args map[string]any, _ domaintool.Context) (*domaintool.Result, error) {
				query, _ := args["query"].(string)
				limit := 5
				if n, ok := args["limit"].(float64); ok && n > 0 {
					limit = int(n)
				}
				hits, err := app.indexer.Search(ctx, query, limit)
				if err != nil {
					return &domaintool.Result{Error: err.Error()}, nil
				}
				if len(hits) == 0 {
					return &domaintool.Result{Output: "No matching passages."}, nil
				}
				return &domaintool.Result{Output: strings.Join(hits, "\n\n---\n\n")}, nil
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("register memory_search: %w", err)
	}

	// Scheduler, commands, metrics.
	app.scheduler = service.NewScheduler(app.agent, app.sessions, memory, app.hub, logger)
	contextLimit := func() int { return configMgr.Current().Sessions.ContextLimit }
	app.commands = service.NewCommands(app.sessions, app.agent, app.pool, app.pool,
		app.indexer, app.scheduler, contextLimit, logger)

	app.metrics = monitoring.NewMetrics()
	app.metrics.TrackSessions(func() int { return len(app.sessions.List()) })
	app.metrics.TrackClients(app.hub.ClientCount)
	app.metrics.TrackTurns(app.agent.ProcessingCount)
	app.pool.SetObserver(poolObserver{app.metrics})
	app.registry.SetObserver(func(name, outcome string, elapsed time.Duration) {
		app.metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
		app.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	})
	app.scheduler.SetHeartbeatObserver(func(outcome string) {
		app.metrics.HeartbeatRuns.WithLabelValues(outcome).Inc()
	})

	// Interfaces.
	wsHandler := websocket.NewHandler(app.hub, app.sessions, app.agent, app.commands, contextLimit, logger)
	app.httpServer = httpserver.NewServer(httpserver.Deps{
		Sessions: app.sessions,
		Agent:    app.agent,
		Commands: app.commands,
		Pool:     app.pool,
		Config:   configMgr,
		Hub:      app.hub,
		WS:       wsHandler,
		Metrics:  app.metrics,
		Registry: app.registry,
		Version:  version,
	}, logger)

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		app.discordBot = discord.NewAdapter(cfg.Channels.Discord.Token,
			cfg.Channels.Discord.AllowFrom, app.agent, app.commands, logger)
	}

	// Policy follows config hot reloads.
	configMgr.OnChange(func(c *config.Config) {
		app.registry.SetPolicy(c.Tools.Allow, c.Tools.Deny)
		app.hub.BroadcastDataUpdate("config", nil)
	})

	return app, nil
}

func poolEntries(cfg *config.Config) []llm.ProviderConfig {
	entries := cfg.PoolEntries()
	out := make([]llm.ProviderConfig, len(entries))
	for i, e := range entries {
		out[i] = llm.ProviderConfig{
			Name:        e.Name,
			APIBase:     e.APIBase,
			APIKey:      e.APIKey,
			Model:       e.Model,
			MaxTokens:   e.MaxTokens,
			Temperature: e.Temperature,
			Priority:    e.Priority,
		}
	}
	return out
}

// Registry exposes the tool registry so embedders can add tool bodies.
func (a *App) Registry() *toolpkg.Registry { return a.registry }

// Scheduler exposes the cron scheduler for job registration.
func (a *App) Scheduler() *service.Scheduler { return a.scheduler }

// Start hydrates state and brings every surface up.
func (a *App) Start(ctx context.Context) error {
	if err := a.sessions.LoadAll(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	if _, err := a.indexer.Reindex(ctx); err != nil {
		a.logger.Warn("Initial memory index failed", zap.Error(err))
	}
	if err := a.configMgr.Watch(); err != nil {
		a.logger.Warn("Config watch failed", zap.Error(err))
	}

	a.scheduler.Start()
	a.httpServer.Start()

	if a.discordBot != nil {
		if err := a.discordBot.Start(); err != nil {
			a.logger.Error("Discord adapter failed to start", zap.Error(err))
		}
	}

	a.logger.Info("Gateway started", zap.String("version", a.Version))
	return nil
}

// Stop shuts down in reverse order: stop intake, save state, flush
// config.
func (a *App) Stop() {
	if a.discordBot != nil {
		a.discordBot.Stop()
	}
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Stop(ctx); err != nil {
		a.logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := a.sessions.SaveAll(ctx); err != nil {
		a.logger.Warn("Session save on shutdown failed", zap.Error(err))
	}
	if err := a.configMgr.Flush(); err != nil {
		a.logger.Warn("Config flush failed", zap.Error(err))
	}
	a.configMgr.Close()
	a.logger.Info("Gateway stopped")
}
