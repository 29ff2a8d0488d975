// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/tool"
)

// fakeRepo is an in-memory SessionRepository for manager tests.
type fakeRepo struct {
	saved   map[string]*entity.Session
	deleted []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{saved: make(map[string]*entity.Session)}
}

func (r *fakeRepo) Save(ctx context.Context, s *entity.Session) error {
	r.saved[s.ID] = s.Clone()
	return nil
}

func (r *fakeRepo) FindByID(ctx context.Context, id string) (*entity.Session, error) {
	s, ok := r.saved[id]
	if !ok {
		return nil, entity.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *fakeRepo) FindAll(ctx context.Context) ([]*entity.Session, error) {
	out := make([]*entity.Session, 0, len(r.saved))
	for _, s := range r.saved {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	delete(r.saved, id)
	r.deleted = append(r.deleted, id)
	return nil
}

// fakeLLM returns canned results in order, or an error.
type fakeLLM struct {
	replies []ChatResult
	err     error
	calls   [][]entity.Message
}

func (f *fakeLLM) Chat(ctx context.Context, messages []entity.Message, tools []tool.Definition, toolChoice string) (*ChatResult, error) {
	f.calls = append(f.calls, entity.CloneMessages(messages))
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return &ChatResult{Content: "ok"}, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return &r, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []entity.Message, tools []tool.Definition, onDelta func(string)) (*ChatResult, error) {
	result, err := f.Chat(ctx, messages, tools, "")
	if err != nil {
		return nil, err
	}
	if onDelta != nil && result.Content != "" {
		onDelta(result.Content)
	}
	return result, nil
}

func newTestManager() (*SessionManager, *fakeRepo) {
	repo := newFakeRepo()
	return NewSessionManager(repo, zap.NewNop()), repo
}

func TestSessionManager_GetOrCreateIdempotent(t *testing.T) {
	m, _ := newTestManager()

	a := m.GetOrCreate("webui", "alice")
	b := m.GetOrCreate("webui", "alice")
	if a.ID != b.ID {
		t.Fatalf("same channel:user must map to one session, got %s and %s", a.ID, b.ID)
	}
	if a.ID != "webui:alice" {
		t.Fatalf("session id should be channel:userId, got %s", a.ID)
	}

	// Returned values are snapshots.
	a.Messages = append(a.Messages, entity.NewUserMessage("tampered"))
	if len(m.GetMessages(a.ID)) != 0 {
		t.Fatal("mutating a returned snapshot must not touch the manager's copy")
	}
}

func TestSessionManager_EstimateTokens(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")

	if m.EstimateTokens(s.ID) != 0 {
		t.Fatal("empty session estimates to zero")
	}

	// 8 chars -> 2 tokens, plus 4 overhead.
	m.AddMessage(s.ID, entity.NewUserMessage("12345678"))
	if got := m.EstimateTokens(s.ID); got != 6 {
		t.Fatalf("expected 6 tokens, got %d", got)
	}

	// 1 char rounds up to 1 token.
	m.AddMessage(s.ID, entity.NewUserMessage("x"))
	if got := m.EstimateTokens(s.ID); got != 6+5 {
		t.Fatalf("expected 11 tokens, got %d", got)
	}
}

func TestSessionManager_RepairToolPairs(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")

	m.AddMessage(s.ID, entity.NewUserMessage("hi"))
	m.AddMessage(s.ID, entity.NewAssistantMessage("", []entity.ToolCall{{ID: "c1", Name: "echo", Arguments: "{}"}}))
	m.AddMessage(s.ID, entity.NewToolMessage("c1", "fine"))
	m.AddMessage(s.ID, entity.NewToolMessage("orphan", "no parent call"))
	m.AddMessage(s.ID, entity.NewUserMessage("next"))
	m.AddMessage(s.ID, entity.NewToolMessage("c1", "after user, parent reset"))

	removed := m.RepairToolPairs(s.ID)
	if removed != 2 {
		t.Fatalf("expected 2 orphans removed, got %d", removed)
	}
	msgs := m.GetMessages(s.ID)
	for _, msg := range msgs {
		if msg.Role == entity.RoleTool && msg.ToolCallID != "c1" {
			t.Fatalf("orphan survived repair: %+v", msg)
		}
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages after repair, got %d", len(msgs))
	}
}

func TestSessionManager_CompactKeepsRecentTail(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")

	for i := 0; i < 30; i++ {
		m.AddMessage(s.ID, entity.NewUserMessage(strings.Repeat("m", 10)))
	}

	var hooked int
	m.SetBeforeCompactHook(func(sessionID string, compacted []entity.Message) {
		hooked = len(compacted)
	})

	llm := &fakeLLM{replies: []ChatResult{{Content: "the gist"}}}
	if err := m.CompactWithSummary(context.Background(), s.ID, llm, ""); err != nil {
		t.Fatal(err)
	}

	msgs := m.GetMessages(s.ID)
	if len(msgs) != 11 {
		t.Fatalf("expected summary + 10 kept messages, got %d", len(msgs))
	}
	if msgs[0].Role != entity.RoleSystem || !strings.Contains(msgs[0].Content, "the gist") {
		t.Fatalf("first message should be the summary system message: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "20 earlier messages") {
		t.Fatalf("summary header should count compacted messages: %q", msgs[0].Content)
	}
	if hooked != 20 {
		t.Fatalf("hook should see the 20 compacted messages, got %d", hooked)
	}
}

func TestSessionManager_CompactTooShort(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")
	for i := 0; i < 5; i++ {
		m.AddMessage(s.ID, entity.NewUserMessage("short"))
	}
	err := m.CompactWithSummary(context.Background(), s.ID, &fakeLLM{}, "")
	if err == nil {
		t.Fatal("compacting a short log should fail")
	}
}

func TestSessionManager_CompactSummaryFailureLeavesLogIntact(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")
	for i := 0; i < 20; i++ {
		m.AddMessage(s.ID, entity.NewUserMessage("m"))
	}

	llm := &fakeLLM{err: errors.New("model down")}
	if err := m.CompactWithSummary(context.Background(), s.ID, llm, ""); err == nil {
		t.Fatal("expected summary failure to propagate")
	}
	if len(m.GetMessages(s.ID)) != 20 {
		t.Fatal("failed compaction must not modify the log")
	}
}

func TestSessionManager_ExportImportRoundTrip(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")
	m.AddMessage(s.ID, entity.NewUserMessage("hello"))
	m.AddMessage(s.ID, entity.NewAssistantMessage("hi there", nil))

	data, err := m.Export(s.ID)
	if err != nil {
		t.Fatal(err)
	}

	m2, _ := newTestManager()
	id, err := m2.Import(data)
	if err != nil {
		t.Fatal(err)
	}
	if id != s.ID {
		t.Fatalf("imported id mismatch: %s vs %s", id, s.ID)
	}
	msgs := m2.GetMessages(id)
	if len(msgs) != 2 || msgs[0].Content != "hello" {
		t.Fatalf("log did not survive the round trip: %+v", msgs)
	}
}

func TestSessionManager_ImportRejectsInvalid(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.Import([]byte("not json")); !errors.Is(err, entity.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := m.Import([]byte(`{"channel":"","user_id":""}`)); !errors.Is(err, entity.ErrInvalidSession) {
		t.Fatalf("missing channel/user must be invalid, got %v", err)
	}
}

func TestSessionManager_MainSessionDesignation(t *testing.T) {
	m, _ := newTestManager()
	a := m.GetOrCreate("webui", "a")
	b := m.GetOrCreate("webui", "b")

	if err := m.SetMainSession(a.ID); err != nil {
		t.Fatal(err)
	}
	if m.MainSessionID() != a.ID {
		t.Fatal("main session not recorded")
	}

	// Designating another session moves the flag.
	if err := m.SetMainSession(b.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(a.ID)
	if got.Main {
		t.Fatal("old main should lose the flag")
	}

	if err := m.SetMainSession("nosuch"); !errors.Is(err, entity.ErrSessionNotFound) {
		t.Fatalf("unknown id should fail, got %v", err)
	}

	// Deleting the main session clears the designation.
	if err := m.DeleteSession(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}
	if m.MainSessionID() != "" {
		t.Fatal("deleting the main session should clear the designation")
	}
}

func TestSessionManager_DuplicateSession(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")
	m.AddMessage(s.ID, entity.NewUserMessage("original"))

	dupID, err := m.DuplicateSession(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dupID == s.ID {
		t.Fatal("duplicate must get a fresh id")
	}
	if len(m.GetMessages(dupID)) != 1 {
		t.Fatal("duplicate should carry the log")
	}

	// Logs diverge after duplication.
	m.AddMessage(s.ID, entity.NewUserMessage("only in original"))
	if len(m.GetMessages(dupID)) != 1 {
		t.Fatal("duplicate log must be independent")
	}
}

func TestSessionManager_TruncateAndAppend(t *testing.T) {
	m, _ := newTestManager()
	s := m.GetOrCreate("webui", "u")
	for _, text := range []string{"a", "b", "c", "d"} {
		m.AddMessage(s.ID, entity.NewUserMessage(text))
	}

	removed, err := m.TruncateFrom(s.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0].Content != "c" {
		t.Fatalf("unexpected removed suffix: %+v", removed)
	}
	if len(m.GetMessages(s.ID)) != 2 {
		t.Fatal("truncate should shrink the log")
	}

	if err := m.AppendMessages(s.ID, removed); err != nil {
		t.Fatal(err)
	}
	msgs := m.GetMessages(s.ID)
	if len(msgs) != 4 || msgs[3].Content != "d" {
		t.Fatalf("append should restore the suffix: %+v", msgs)
	}

	if _, err := m.TruncateFrom(s.ID, 99); !errors.Is(err, entity.ErrIndexOutOfRange) {
		t.Fatalf("out-of-range truncate should fail, got %v", err)
	}
}

func TestSessionManager_LoadAllRestoresMain(t *testing.T) {
	repo := newFakeRepo()
	stored := entity.NewSession("webui", "boss")
	stored.Main = true
	repo.saved[stored.ID] = stored

	m := NewSessionManager(repo, zap.NewNop())
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.MainSessionID() != stored.ID {
		t.Fatal("LoadAll should restore the main designation")
	}
}

func TestSessionManager_FactoryReset(t *testing.T) {
	m, repo := newTestManager()
	m.GetOrCreate("webui", "a")
	m.GetOrCreate("webui", "b")
	m.SaveAll(context.Background())

	n := m.FactoryReset(context.Background())
	if n != 2 {
		t.Fatalf("expected 2 sessions wiped, got %d", n)
	}
	if len(m.List()) != 0 {
		t.Fatal("memory should be empty after factory reset")
	}
	if len(repo.deleted) != 2 {
		t.Fatal("stored sessions should be deleted too")
	}
}

func TestParseSessionID(t *testing.T) {
	channel, user := entity.ParseSessionID("discord:12345")
	if channel != "discord" || user != "12345" {
		t.Fatalf("got %q, %q", channel, user)
	}
	channel, user = entity.ParseSessionID("bare")
	if channel != "bare" || user != "" {
		t.Fatalf("id without separator: got %q, %q", channel, user)
	}
}
