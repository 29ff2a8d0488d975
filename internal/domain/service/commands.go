// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ModelPool is the slice of the provider pool the command layer uses.
type ModelPool interface {
	SwitchModel(key string) (string, error)
	CurrentModel() string
}

// ThinkLevels are the accepted /think arguments.
var ThinkLevels = map[string]bool{
	"off": true, "minimal": true, "low": true, "medium": true, "high": true,
}

// UsageModes are the accepted /usage arguments.
var UsageModes = map[string]bool{"off": true, "tokens": true, "full": true}

// SessionSettings are per-session toggles adjusted via slash commands.
type SessionSettings struct {
	Think   string `json:"think"`
	Verbose bool   `json:"verbose"`
	Usage   string `json:"usage"`
}

func defaultSettings() SessionSettings {
	return SessionSettings{Think: "off", Usage: "off"}
}

// Commands executes slash commands ahead of the LLM. Handle returns
// ok=false when the text is not a command, in which case the caller
// forwards it to the agent.
type Commands struct {
	sessions     *SessionManager
	agent        *Agent
	llm          LLMClient
	pool         ModelPool
	indexer      MemoryIndexer
	scheduler    *Scheduler
	contextLimit func() int
	logger       *zap.Logger

	mu       sync.Mutex
	settings map[string]SessionSettings
	indexOn  bool
}

// NewCommands wires the command layer. indexer and scheduler may be nil;
// their commands then report unavailability.
func NewCommands(sessions *SessionManager, agent *Agent, llm LLMClient, pool ModelPool, indexer MemoryIndexer, scheduler *Scheduler, contextLimit func() int, logger *zap.Logger) *Commands {
	return &Commands{
		sessions:     sessions,
		agent:        agent,
		llm:          llm,
		pool:         pool,
		indexer:      indexer,
		scheduler:    scheduler,
		contextLimit: contextLimit,
		logger:       logger.With(zap.String("component", "commands")),
		settings:     make(map[string]SessionSettings),
	}
}

// Settings returns the session's command-adjustable toggles.
func (c *Commands) Settings(sessionID string) SessionSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.settings[sessionID]; ok {
		return s
	}
	return defaultSettings()
}

func (c *Commands) updateSettings(sessionID string, fn func(*SessionSettings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.settings[sessionID]
	if !ok {
		s = defaultSettings()
	}
	fn(&s)
	c.settings[sessionID] = s
}

// Handle runs text as a slash command against sessionID. ok=false means
// the text is not a command.
func (c *Commands) Handle(ctx context.Context, sessionID, text string) (reply string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	parts := strings.SplitN(text[1:], " ", 2)
	name := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch name {
	case "new":
		return c.cmdNew(sessionID), true
	case "reset":
		return c.cmdReset(sessionID), true
	case "factory-reset":
		return c.cmdFactoryReset(ctx), true
	case "status":
		return c.cmdStatus(sessionID), true
	case "compact":
		return c.cmdCompact(ctx, sessionID, arg), true
	case "session":
		return c.cmdSession(sessionID, arg), true
	case "elevated":
		return c.cmdElevated(sessionID, arg), true
	case "model":
		return c.cmdModel(arg), true
	case "context":
		return c.cmdContext(sessionID), true
	case "index":
		return c.cmdIndex(ctx, arg), true
	case "heartbeat":
		return c.cmdHeartbeat(ctx, arg), true
	case "think":
		return c.cmdThink(sessionID, arg), true
	case "verbose":
		return c.cmdToggle(sessionID, "verbose", arg), true
	case "usage":
		return c.cmdUsage(sessionID, arg), true
	case "repair":
		return c.cmdRepair(sessionID), true
	case "help":
		return c.cmdHelp(), true
	default:
		return "", false
	}
}

func (c *Commands) cmdNew(sessionID string) string {
	if err := c.sessions.ResetSession(sessionID); err != nil {
		return "Error: " + err.Error()
	}
	c.mu.Lock()
	delete(c.settings, sessionID)
	c.mu.Unlock()
	return "Started a new conversation."
}

func (c *Commands) cmdReset(sessionID string) string {
	if err := c.sessions.ResetSession(sessionID); err != nil {
		return "Error: " + err.Error()
	}
	return "Session log cleared."
}

func (c *Commands) cmdFactoryReset(ctx context.Context) string {
	n := c.sessions.FactoryReset(ctx)
	c.mu.Lock()
	c.settings = make(map[string]SessionSettings)
	c.mu.Unlock()
	return fmt.Sprintf("Factory reset: %d sessions deleted.", n)
}

func (c *Commands) cmdStatus(sessionID string) string {
	metas := c.sessions.List()
	busy := 0
	for _, meta := range metas {
		if c.agent.IsProcessing(meta.ID) {
			busy++
		}
	}
	main := c.sessions.MainSessionID()
	if main == "" {
		main = "(none)"
	}
	return fmt.Sprintf("Sessions: %d (%d busy)\nMain session: %s\nModel: %s\nThis session: %s (%d messages)",
		len(metas), busy, main, c.pool.CurrentModel(), sessionID, len(c.sessions.GetMessages(sessionID)))
}

func (c *Commands) cmdCompact(ctx context.Context, sessionID, instr string) string {
	before := len(c.sessions.GetMessages(sessionID))
	if err := c.sessions.CompactWithSummary(ctx, sessionID, c.llm, instr); err != nil {
		return "Compaction failed: " + err.Error()
	}
	after := len(c.sessions.GetMessages(sessionID))
	return fmt.Sprintf("Compacted: %d messages -> %d.", before, after)
}

func (c *Commands) cmdSession(sessionID, arg string) string {
	if arg != "main" {
		return "Usage: /session main"
	}
	if err := c.sessions.SetMainSession(sessionID); err != nil {
		return "Error: " + err.Error()
	}
	return "This session is now the main session."
}

func (c *Commands) cmdElevated(sessionID, arg string) string {
	switch arg {
	case "on":
		if err := c.sessions.SetElevated(sessionID, true); err != nil {
			return "Error: " + err.Error()
		}
		return "Elevated mode on."
	case "off":
		if err := c.sessions.SetElevated(sessionID, false); err != nil {
			return "Error: " + err.Error()
		}
		return "Elevated mode off."
	default:
		return "Usage: /elevated on|off"
	}
}

func (c *Commands) cmdModel(arg string) string {
	if arg == "" {
		return "Current model: " + c.pool.CurrentModel()
	}
	name, err := c.pool.SwitchModel(arg)
	if err != nil {
		return "Error: " + err.Error()
	}
	return fmt.Sprintf("Switched to provider %q (model %s).", name, c.pool.CurrentModel())
}

func (c *Commands) cmdContext(sessionID string) string {
	limit := 0
	if c.contextLimit != nil {
		limit = c.contextLimit()
	}
	stats := c.sessions.Stats(sessionID, limit)
	if stats.Limit > 0 {
		return fmt.Sprintf("Context: ~%d tokens of %d (%.1f%%), %d messages.",
			stats.Tokens, stats.Limit, stats.Percent, stats.Messages)
	}
	return fmt.Sprintf("Context: ~%d tokens, %d messages.", stats.Tokens, stats.Messages)
}

func (c *Commands) cmdIndex(ctx context.Context, arg string) string {
	if c.indexer == nil {
		return "Memory index is not available."
	}
	switch arg {
	case "on":
		c.mu.Lock()
		c.indexOn = true
		c.mu.Unlock()
		return "Memory index on."
	case "off":
		c.mu.Lock()
		c.indexOn = false
		c.mu.Unlock()
		return "Memory index off."
	case "status":
		c.mu.Lock()
		on := c.indexOn
		c.mu.Unlock()
		if on {
			return "Memory index: on."
		}
		return "Memory index: off."
	case "rebuild":
		n, err := c.indexer.Reindex(ctx)
		if err != nil {
			return "Reindex failed: " + err.Error()
		}
		return fmt.Sprintf("Reindexed %d chunks.", n)
	default:
		return "Usage: /index on|off|status|rebuild"
	}
}

func (c *Commands) cmdHeartbeat(ctx context.Context, arg string) string {
	if c.scheduler == nil {
		return "Heartbeat is not available."
	}
	switch arg {
	case "on":
		if err := c.scheduler.EnableHeartbeat(true, ""); err != nil {
			return "Error: " + err.Error()
		}
		return "Heartbeat on."
	case "off":
		if err := c.scheduler.EnableHeartbeat(false, ""); err != nil {
			return "Error: " + err.Error()
		}
		return "Heartbeat off."
	case "force", "now":
		outcome := c.scheduler.RunHeartbeat(ctx)
		return "Heartbeat ran: " + string(outcome) + "."
	case "status":
		last := c.scheduler.LastHeartbeat()
		state := "off"
		if c.scheduler.HeartbeatEnabled() {
			state = "on"
		}
		if last.Outcome == "" {
			return fmt.Sprintf("Heartbeat: %s, never ran.", state)
		}
		return fmt.Sprintf("Heartbeat: %s, last outcome %s at %s.",
			state, last.Outcome, last.Timestamp.Format("15:04:05"))
	default:
		return "Usage: /heartbeat on|off|force|status|now"
	}
}

func (c *Commands) cmdThink(sessionID, arg string) string {
	if !ThinkLevels[arg] {
		return "Usage: /think off|minimal|low|medium|high"
	}
	c.updateSettings(sessionID, func(s *SessionSettings) { s.Think = arg })
	return "Thinking level: " + arg + "."
}

func (c *Commands) cmdToggle(sessionID, name, arg string) string {
	switch arg {
	case "on":
		c.updateSettings(sessionID, func(s *SessionSettings) { s.Verbose = true })
		return "Verbose on."
	case "off":
		c.updateSettings(sessionID, func(s *SessionSettings) { s.Verbose = false })
		return "Verbose off."
	default:
		return "Usage: /" + name + " on|off"
	}
}

func (c *Commands) cmdUsage(sessionID, arg string) string {
	if !UsageModes[arg] {
		return "Usage: /usage off|tokens|full"
	}
	c.updateSettings(sessionID, func(s *SessionSettings) { s.Usage = arg })
	return "Usage reporting: " + arg + "."
}

func (c *Commands) cmdRepair(sessionID string) string {
	n := c.sessions.RepairToolPairs(sessionID)
	return fmt.Sprintf("Repair: removed %d orphan tool messages.", n)
}

func (c *Commands) cmdHelp() string {
	return strings.Join([]string{
		"/new - start a new conversation",
		"/reset - clear the session log",
		"/factory-reset - delete every session",
		"/status - gateway status",
		"/compact [instructions] - summarize older history",
		"/session main - designate this session as main",
		"/elevated on|off - toggle elevated mode",
		"/model [name|index] - show or switch the model",
		"/context - token usage for this session",
		"/index on|off|status|rebuild - memory index",
		"/heartbeat on|off|force|status|now - heartbeat job",
		"/think off|minimal|low|medium|high - thinking level",
		"/verbose on|off - verbose replies",
		"/usage off|tokens|full - usage reporting",
		"/repair - drop orphan tool messages",
		"/help - this text",
	}, "\n")
}
