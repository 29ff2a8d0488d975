// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/repository"
	"go.uber.org/zap"
)

const (
	// compactKeepLast is the minimum number of recent non-system messages
	// preserved verbatim by compaction.
	compactKeepLast = 10

	// tokenOverheadPerMessage approximates per-message framing cost in the
	// 4-chars-per-token estimate.
	tokenOverheadPerMessage = 4
)

// BeforeCompactHook runs before compaction with the messages about to be
// replaced by the summary.
type BeforeCompactHook func(sessionID string, compacted []entity.Message)

// SessionMeta is the snapshot handed to transport layers for listings.
type SessionMeta struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	UserID       string    `json:"user_id"`
	MessageCount int       `json:"message_count"`
	Main         bool      `json:"main"`
	Elevated     bool      `json:"elevated"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionManager exclusively owns all sessions and their message logs.
// Everything it hands out is a snapshot; all mutation goes through it.
type SessionManager struct {
	mu            sync.RWMutex
	sessions      map[string]*entity.Session
	repo          repository.SessionRepository
	mainID        string
	beforeCompact BeforeCompactHook
	logger        *zap.Logger
}

// NewSessionManager creates a manager flushing through repo.
func NewSessionManager(repo repository.SessionRepository, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*entity.Session),
		repo:     repo,
		logger:   logger.With(zap.String("component", "session-manager")),
	}
}

// LoadAll hydrates the in-memory map from storage, typically at startup.
func (m *SessionManager) LoadAll(ctx context.Context) error {
	stored, err := m.repo.FindAll(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stored {
		m.sessions[s.ID] = s
		if s.Main {
			m.mainID = s.ID
		}
	}
	m.logger.Info("Sessions loaded", zap.Int("count", len(stored)))
	return nil
}

// GetOrCreate returns the session for channel:userId, creating it empty on
// first use. Sessions are never destroyed implicitly.
func (m *SessionManager) GetOrCreate(channel, userID string) *entity.Session {
	id := entity.SessionID(channel, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Clone()
	}
	s := entity.NewSession(channel, userID)
	m.sessions[id] = s
	m.logger.Info("Session created", zap.String("session_id", id))
	return s.Clone()
}

// Exists reports whether a session id is known.
func (m *SessionManager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Get returns a snapshot of one session.
func (m *SessionManager) Get(id string) (*entity.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, entity.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List returns metadata for every session.
func (m *SessionManager) List() []SessionMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionMeta, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.metaLocked(s))
	}
	return out
}

func (m *SessionManager) metaLocked(s *entity.Session) SessionMeta {
	return SessionMeta{
		ID:           s.ID,
		Channel:      s.Channel,
		UserID:       s.UserID,
		MessageCount: len(s.Messages),
		Main:         s.Main,
		Elevated:     s.Elevated,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// AddMessage appends one record to the session log.
func (m *SessionManager) AddMessage(id string, msg entity.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
	return nil
}

// GetMessages returns a full ordered copy of the log for prompt assembly.
func (m *SessionManager) GetMessages(id string) []entity.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return entity.CloneMessages(s.Messages)
}

// SetElevated flips the session's elevated flag.
func (m *SessionManager) SetElevated(id string, elevated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	s.Elevated = elevated
	s.UpdatedAt = time.Now()
	return nil
}

// IsElevated reports the session's elevated flag.
func (m *SessionManager) IsElevated(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return ok && s.Elevated
}

// SaveSession flushes one session to storage.
func (m *SessionManager) SaveSession(ctx context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	var snapshot *entity.Session
	if ok {
		snapshot = s.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return entity.ErrSessionNotFound
	}
	return m.repo.Save(ctx, snapshot)
}

// SaveAll flushes every session; the first error is returned after the
// sweep completes.
func (m *SessionManager) SaveAll(ctx context.Context) error {
	m.mu.RLock()
	snapshots := make([]*entity.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshots = append(snapshots, s.Clone())
	}
	m.mu.RUnlock()

	var firstErr error
	for _, s := range snapshots {
		if err := m.repo.Save(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteSession removes a session and its stored record.
func (m *SessionManager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	if m.mainID == id {
		m.mainID = ""
	}
	m.mu.Unlock()

	if !ok {
		return entity.ErrSessionNotFound
	}
	return m.repo.Delete(ctx, id)
}

// ResetSession clears the log but keeps the session record.
func (m *SessionManager) ResetSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	s.Messages = []entity.Message{}
	s.UpdatedAt = time.Now()
	return nil
}

// FactoryReset deletes every session from memory and storage.
func (m *SessionManager) FactoryReset(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessions = make(map[string]*entity.Session)
	m.mainID = ""
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.repo.Delete(ctx, id); err != nil {
			m.logger.Warn("Failed to delete stored session",
				zap.String("session_id", id),
				zap.Error(err),
			)
		}
	}
	return len(ids)
}

// DuplicateSession clones a session under a fresh id and returns the new id.
func (m *SessionManager) DuplicateSession(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", entity.ErrSessionNotFound
	}

	dup := s.Clone()
	dup.UserID = s.UserID + "-" + uuid.NewString()[:8]
	dup.ID = entity.SessionID(dup.Channel, dup.UserID)
	dup.Main = false
	now := time.Now()
	dup.CreatedAt = now
	dup.UpdatedAt = now
	m.sessions[dup.ID] = dup
	return dup.ID, nil
}

// EstimateTokens approximates the session's token footprint as
// ceil(len(content)/4) plus a small per-message overhead.
func (m *SessionManager) EstimateTokens(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0
	}

	total := 0
	for _, msg := range s.Messages {
		total += (len(msg.Content) + 3) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Arguments) + len(tc.Name) + 3) / 4
		}
		total += tokenOverheadPerMessage
	}
	if len(s.Messages) == 0 {
		return 0
	}
	return total
}

// ContextStats summarizes token usage against a configured ceiling.
type ContextStats struct {
	Tokens   int     `json:"tokens"`
	Limit    int     `json:"limit"`
	Percent  float64 `json:"percent"`
	Messages int     `json:"messages"`
}

// Stats computes context statistics for a session against limit.
func (m *SessionManager) Stats(id string, limit int) ContextStats {
	tokens := m.EstimateTokens(id)
	stats := ContextStats{Tokens: tokens, Limit: limit}
	m.mu.RLock()
	if s, ok := m.sessions[id]; ok {
		stats.Messages = len(s.Messages)
	}
	m.mu.RUnlock()
	if limit > 0 {
		stats.Percent = float64(tokens) / float64(limit) * 100
	}
	return stats
}

// SetBeforeCompactHook installs the pre-compaction hook.
func (m *SessionManager) SetBeforeCompactHook(fn BeforeCompactHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeCompact = fn
}

// CompactWithSummary asks the LLM for a short summary of the older portion
// of the log and replaces that prefix with a single system message. The
// last compactKeepLast non-system messages survive verbatim and the
// tool-pairing invariant is re-established on the preserved tail.
func (m *SessionManager) CompactWithSummary(ctx context.Context, id string, llm LLMClient, instructions string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	var messages []entity.Message
	if ok {
		messages = entity.CloneMessages(s.Messages)
	}
	m.mu.RUnlock()

	if !ok {
		return entity.ErrSessionNotFound
	}
	if len(messages) <= compactKeepLast {
		return fmt.Errorf("nothing to compact: %d messages", len(messages))
	}

	// Boundary: keep the last compactKeepLast non-system messages.
	kept := 0
	cut := len(messages)
	for cut > 0 && kept < compactKeepLast {
		cut--
		if messages[cut].Role != entity.RoleSystem {
			kept++
		}
	}
	if cut <= 0 {
		return fmt.Errorf("nothing to compact: %d messages", len(messages))
	}

	prefix := messages[:cut]
	tail := entity.CloneMessages(messages[cut:])

	m.mu.RLock()
	hook := m.beforeCompact
	m.mu.RUnlock()
	if hook != nil {
		hook(id, entity.CloneMessages(prefix))
	}

	summary, err := m.summarize(ctx, llm, prefix, instructions)
	if err != nil {
		return fmt.Errorf("compaction summary: %w", err)
	}

	compacted := make([]entity.Message, 0, 1+len(tail))
	compacted = append(compacted, entity.NewSystemMessage(
		fmt.Sprintf("[Conversation summary — %d earlier messages]\n%s", len(prefix), summary)))
	compacted = append(compacted, tail...)
	compacted = repairMessages(compacted)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	s.Messages = compacted
	s.UpdatedAt = time.Now()
	m.logger.Info("Session compacted",
		zap.String("session_id", id),
		zap.Int("before", len(messages)),
		zap.Int("after", len(compacted)),
	)
	return nil
}

func (m *SessionManager) summarize(ctx context.Context, llm LLMClient, prefix []entity.Message, instructions string) (string, error) {
	var b strings.Builder
	for _, msg := range prefix {
		text := msg.Content
		if text == "" && len(msg.ToolCalls) > 0 {
			names := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Name)
			}
			text = "(called tools: " + strings.Join(names, ", ") + ")"
		}
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Fprintf(&b, "[%s]: %s\n", msg.Role, text)
	}

	prompt := "Summarize the following conversation concisely. Preserve open tasks, decisions, and facts the assistant will need later."
	if instructions != "" {
		prompt += " Additional instructions: " + instructions
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := llm.Chat(callCtx, []entity.Message{
		entity.NewSystemMessage(prompt),
		entity.NewUserMessage(b.String()),
	}, nil, "")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Content) == "" {
		return "", fmt.Errorf("empty summary from model")
	}
	return result.Content, nil
}

// RepairToolPairs deletes tool messages with no live parent assistant
// tool call and returns how many were removed.
func (m *SessionManager) RepairToolPairs(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0
	}
	before := len(s.Messages)
	s.Messages = repairMessages(s.Messages)
	removed := before - len(s.Messages)
	if removed > 0 {
		s.UpdatedAt = time.Now()
		m.logger.Info("Repaired tool pairs",
			zap.String("session_id", id),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// repairMessages enforces the pairing invariant: a tool message must
// reference a tool call in the most recent preceding assistant message
// with tool calls, with no user message in between.
func repairMessages(messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages))
	var parent *entity.Message

	for i := range messages {
		msg := messages[i]
		switch msg.Role {
		case entity.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				parent = &messages[i]
			} else {
				parent = nil
			}
			out = append(out, msg)
		case entity.RoleUser:
			parent = nil
			out = append(out, msg)
		case entity.RoleTool:
			if parent != nil && parent.HasToolCall(msg.ToolCallID) {
				out = append(out, msg)
			}
		default:
			out = append(out, msg)
		}
	}
	return out
}

// DeleteMessageAt removes the record at idx.
func (m *SessionManager) DeleteMessageAt(id string, idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	if idx < 0 || idx >= len(s.Messages) {
		return entity.ErrIndexOutOfRange
	}
	s.Messages = append(s.Messages[:idx], s.Messages[idx+1:]...)
	s.UpdatedAt = time.Now()
	return nil
}

// EditMessageAt replaces the content at idx. Editing assistant content
// never alters its tool calls.
func (m *SessionManager) EditMessageAt(id string, idx int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	if idx < 0 || idx >= len(s.Messages) {
		return entity.ErrIndexOutOfRange
	}
	s.Messages[idx].Content = text
	s.UpdatedAt = time.Now()
	return nil
}

// TruncateFrom removes every record at or after idx and returns the
// removed suffix (used by retry to restore trailing messages afterwards).
func (m *SessionManager) TruncateFrom(id string, idx int) ([]entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, entity.ErrSessionNotFound
	}
	if idx < 0 || idx > len(s.Messages) {
		return nil, entity.ErrIndexOutOfRange
	}
	removed := entity.CloneMessages(s.Messages[idx:])
	s.Messages = s.Messages[:idx]
	s.UpdatedAt = time.Now()
	return removed, nil
}

// AppendMessages re-appends a batch of records (retry restoration).
func (m *SessionManager) AppendMessages(id string, msgs []entity.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entity.ErrSessionNotFound
	}
	s.Messages = append(s.Messages, msgs...)
	s.UpdatedAt = time.Now()
	return nil
}

// SetMainSession designates the default session for the gateway and the
// scheduler; empty id clears the designation.
func (m *SessionManager) SetMainSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if _, ok := m.sessions[id]; !ok {
			return entity.ErrSessionNotFound
		}
	}
	for _, s := range m.sessions {
		s.Main = s.ID == id
	}
	m.mainID = id
	return nil
}

// MainSessionID returns the designated main session id, or "".
func (m *SessionManager) MainSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mainID
}

// Export serializes a session (log included) for download.
func (m *SessionManager) Export(id string) ([]byte, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}

// Import restores a session from exported JSON, overwriting any session
// with the same id, and returns the id.
func (m *SessionManager) Import(data []byte) (string, error) {
	var s entity.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("%w: %v", entity.ErrInvalidSession, err)
	}
	if s.Channel == "" || s.UserID == "" {
		return "", entity.ErrInvalidSession
	}
	if s.ID == "" {
		s.ID = entity.SessionID(s.Channel, s.UserID)
	}
	if s.Messages == nil {
		s.Messages = []entity.Message{}
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Main = false

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &s
	return s.ID, nil
}
