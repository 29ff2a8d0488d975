// Copyright 2026 Loomgate Authors. All rights reserved.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/loomgate/loomgate/internal/domain/entity"
)

func okBody(content string) string {
	return fmt.Sprintf(`{"model":"m","choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`, content)
}

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func userMessages(text string) []entity.Message {
	return []entity.Message{{Role: entity.RoleUser, Content: text}}
}

func TestPool_FailoverToSecondProvider(t *testing.T) {
	bad := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})
	good := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okBody("hello"))
	})

	pool := NewPool([]ProviderConfig{
		{Name: "primary", APIBase: bad.URL, Model: "m1", Priority: 0},
		{Name: "backup", APIBase: good.URL, Model: "m2", Priority: 1},
	}, zap.NewNop())

	result, err := pool.Chat(context.Background(), userMessages("hi"), nil, "")
	if err != nil {
		t.Fatalf("expected failover success, got %v", err)
	}
	if result.Provider != "backup" {
		t.Fatalf("expected backup provider, got %q", result.Provider)
	}
	if result.Content != "hello" {
		t.Fatalf("unexpected content %q", result.Content)
	}

	// Success pins the index: the next call starts at backup.
	statuses := pool.List()
	if !statuses[1].Active {
		t.Fatal("backup should be the active provider after failover")
	}
	if statuses[0].FailCount != 1 {
		t.Fatalf("primary should have 1 recorded failure, got %d", statuses[0].FailCount)
	}
	if statuses[1].FailCount != 0 {
		t.Fatal("success should reset the winner's fail count")
	}
}

// recordingObserver collects pool instrumentation callbacks.
type recordingObserver struct {
	calls      []string
	failures   []string
	prompt     int
	completion int
}

func (o *recordingObserver) ModelCall(provider, outcome string) {
	o.calls = append(o.calls, provider+":"+outcome)
}

func (o *recordingObserver) ModelTokens(prompt, completion int) {
	o.prompt += prompt
	o.completion += completion
}

func (o *recordingObserver) ProviderFailure(provider string) {
	o.failures = append(o.failures, provider)
}

func TestPool_ObserverSeesFailoverOutcomes(t *testing.T) {
	bad := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	good := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okBody("hello"))
	})

	pool := NewPool([]ProviderConfig{
		{Name: "primary", APIBase: bad.URL, Model: "m1", Priority: 0},
		{Name: "backup", APIBase: good.URL, Model: "m2", Priority: 1},
	}, zap.NewNop())
	obs := &recordingObserver{}
	pool.SetObserver(obs)

	if _, err := pool.Chat(context.Background(), userMessages("hi"), nil, ""); err != nil {
		t.Fatal(err)
	}

	want := []string{"primary:error", "backup:ok"}
	if len(obs.calls) != 2 || obs.calls[0] != want[0] || obs.calls[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, obs.calls)
	}
	if len(obs.failures) != 1 || obs.failures[0] != "primary" {
		t.Fatalf("expected one primary failure, got %v", obs.failures)
	}
	// okBody reports usage of 3 prompt / 2 completion tokens.
	if obs.prompt != 3 || obs.completion != 2 {
		t.Fatalf("token usage not reported: prompt=%d completion=%d", obs.prompt, obs.completion)
	}
}

func TestPool_AllProvidersFailed(t *testing.T) {
	bad := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	pool := NewPool([]ProviderConfig{
		{Name: "only", APIBase: bad.URL, Model: "m", Priority: 0},
	}, zap.NewNop())

	_, err := pool.Chat(context.Background(), userMessages("hi"), nil, "")
	var all *AllProvidersFailed
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailed, got %v", err)
	}
	if len(all.Errors) != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", len(all.Errors))
	}
}

func TestPool_BackoffSkipsFailedProvider(t *testing.T) {
	var hits atomic.Int64
	bad := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})

	pool := NewPool([]ProviderConfig{
		{Name: "flaky", APIBase: bad.URL, Model: "m", Priority: 0},
	}, zap.NewNop())

	if _, err := pool.Chat(context.Background(), userMessages("a"), nil, ""); err == nil {
		t.Fatal("expected first sweep to fail")
	}
	before := hits.Load()

	// Second sweep comes while flaky is inside its 30s window; the entry
	// must be skipped without another HTTP call.
	if _, err := pool.Chat(context.Background(), userMessages("b"), nil, ""); err == nil {
		t.Fatal("expected second sweep to fail")
	}
	if hits.Load() != before {
		t.Fatal("provider in backoff should not receive requests")
	}
}

func TestPool_EmptyPool(t *testing.T) {
	pool := NewPool(nil, zap.NewNop())
	_, err := pool.Chat(context.Background(), userMessages("hi"), nil, "")
	var all *AllProvidersFailed
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailed for empty pool, got %v", err)
	}
}

func TestPool_PrioritySortStable(t *testing.T) {
	pool := NewPool([]ProviderConfig{
		{Name: "c", Priority: 2},
		{Name: "a", Priority: 0},
		{Name: "b", Priority: 1},
	}, zap.NewNop())

	statuses := pool.List()
	got := []string{statuses[0].Name, statuses[1].Name, statuses[2].Name}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order wrong: got %v", got)
		}
	}
	if !statuses[0].Active {
		t.Fatal("lowest priority number should start active")
	}
}

func TestPool_SwitchModel(t *testing.T) {
	pool := NewPool([]ProviderConfig{
		{Name: "OpenAI", Model: "gpt-4o", Priority: 0},
		{Name: "Local", Model: "qwen3", Priority: 1},
	}, zap.NewNop())

	// Index.
	name, err := pool.SwitchModel("1")
	if err != nil || name != "Local" {
		t.Fatalf("switch by index: got %q, %v", name, err)
	}

	// Provider name, case-insensitive.
	name, err = pool.SwitchModel("openai")
	if err != nil || name != "OpenAI" {
		t.Fatalf("switch by provider name: got %q, %v", name, err)
	}

	// Model name, case-insensitive.
	name, err = pool.SwitchModel("QWEN3")
	if err != nil || name != "Local" {
		t.Fatalf("switch by model name: got %q, %v", name, err)
	}
	if pool.CurrentModel() != "qwen3" {
		t.Fatalf("current model should be qwen3, got %q", pool.CurrentModel())
	}

	if _, err := pool.SwitchModel("5"); err == nil {
		t.Fatal("out-of-range index should error")
	}
	if _, err := pool.SwitchModel("nosuch"); err == nil {
		t.Fatal("unknown key should error")
	}
}

func TestPool_CancellationNotCountedAsFailure(t *testing.T) {
	slow := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	pool := NewPool([]ProviderConfig{
		{Name: "slow", APIBase: slow.URL, Model: "m", Priority: 0},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Chat(ctx, userMessages("hi"), nil, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if pool.List()[0].FailCount != 0 {
		t.Fatal("cancellation must not increment the fail count")
	}
}

func TestPool_ChatStreamDeltas(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	pool := NewPool([]ProviderConfig{
		{Name: "s", APIBase: srv.URL, Model: "m", Priority: 0},
	}, zap.NewNop())

	var deltas []string
	result, err := pool.ChatStream(context.Background(), userMessages("hi"), nil, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if result.Content != "Hello" {
		t.Fatalf("expected accumulated content Hello, got %q", result.Content)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas should replay the content, got %v", deltas)
	}
}
