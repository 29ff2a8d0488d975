// Copyright 2026 Loomgate Authors. All rights reserved.

package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/service"
	domaintool "github.com/loomgate/loomgate/internal/domain/tool"
	"go.uber.org/zap"
)

const (
	// requestDeadline is the overall per-call deadline against one provider.
	requestDeadline = 120 * time.Second

	// backoffStep grows the skip window per recorded failure.
	backoffStep = 30 * time.Second
	// backoffCap bounds the skip window.
	backoffCap = 300 * time.Second
)

// ProviderConfig seeds one pool entry.
type ProviderConfig struct {
	Name        string  `json:"name" mapstructure:"name"`
	APIBase     string  `json:"apiBase" mapstructure:"apiBase"`
	APIKey      string  `json:"apiKey" mapstructure:"apiKey"`
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"maxTokens" mapstructure:"maxTokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	Priority    int     `json:"priority" mapstructure:"priority"`
}

// provider is one pool entry with its process-global failover state.
type provider struct {
	ProviderConfig
	failCount int
	lastFail  time.Time
}

// backoffWindow is min(failCount × 30s, 300s).
func (p *provider) backoffWindow() time.Duration {
	w := time.Duration(p.failCount) * backoffStep
	if w > backoffCap {
		w = backoffCap
	}
	return w
}

// inBackoff reports whether the entry should be skipped right now.
func (p *provider) inBackoff(now time.Time) bool {
	if p.failCount == 0 {
		return false
	}
	return now.Sub(p.lastFail) < p.backoffWindow()
}

// Observer receives call outcomes for instrumentation. Implementations
// must be safe for concurrent use.
type Observer interface {
	ModelCall(provider, outcome string)
	ModelTokens(prompt, completion int)
	ProviderFailure(provider string)
}

// Pool is the ordered multi-provider LLM client. Providers are iterated
// starting at the current index, wrapping modulo N; entries inside their
// backoff window are skipped. Failover state is process-global, shared by
// every session.
type Pool struct {
	mu        sync.Mutex
	providers []*provider
	current   int
	client    *http.Client
	observer  Observer
	logger    *zap.Logger
}

// Compile-time interface check.
var _ service.LLMClient = (*Pool)(nil)

// NewPool builds a pool from config entries, sorted ascending by priority.
func NewPool(entries []ProviderConfig, logger *zap.Logger) *Pool {
	sorted := make([]ProviderConfig, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	providers := make([]*provider, 0, len(sorted))
	for _, e := range sorted {
		e.APIBase = strings.TrimRight(e.APIBase, "/")
		providers = append(providers, &provider{ProviderConfig: e})
	}

	// Transport-level timeouts only; the overall deadline comes from the
	// per-call context so long streams are not killed mid-read.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 100 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}

	return &Pool{
		providers: providers,
		client:    &http.Client{Transport: transport},
		logger:    logger.With(zap.String("component", "llm-pool")),
	}
}

// SetObserver attaches call instrumentation. Nil disables reporting.
func (pl *Pool) SetObserver(o Observer) {
	pl.mu.Lock()
	pl.observer = o
	pl.mu.Unlock()
}

// Chat implements service.LLMClient with failover across the pool.
func (pl *Pool) Chat(ctx context.Context, messages []entity.Message, tools []domaintool.Definition, toolChoice string) (*service.ChatResult, error) {
	return pl.sweep(ctx, func(callCtx context.Context, p *provider) (*service.ChatResult, error) {
		return pl.complete(callCtx, p, messages, tools, toolChoice)
	})
}

// ChatStream implements service.LLMClient; content deltas go to onDelta.
func (pl *Pool) ChatStream(ctx context.Context, messages []entity.Message, tools []domaintool.Definition, onDelta func(string)) (*service.ChatResult, error) {
	return pl.sweep(ctx, func(callCtx context.Context, p *provider) (*service.ChatResult, error) {
		return pl.stream(callCtx, p, messages, tools, onDelta)
	})
}

// sweep runs the failover loop: start at the current index, wrap modulo N,
// skip entries in backoff, reset the winner's fail count and pin the index.
// Cancellation aborts the sweep instead of counting as a provider failure.
func (pl *Pool) sweep(ctx context.Context, call func(context.Context, *provider) (*service.ChatResult, error)) (*service.ChatResult, error) {
	pl.mu.Lock()
	n := len(pl.providers)
	start := pl.current
	obs := pl.observer
	pl.mu.Unlock()

	if n == 0 {
		return nil, &AllProvidersFailed{}
	}

	var failures []ProviderError
	now := time.Now()

	for k := 0; k < n; k++ {
		i := (start + k) % n

		pl.mu.Lock()
		p := pl.providers[i]
		skip := p.inBackoff(now)
		pl.mu.Unlock()

		if skip {
			failures = append(failures, ProviderError{
				Provider: p.Name,
				Err:      fmt.Errorf("in backoff (%d failures)", p.failCount),
			})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, requestDeadline)
		result, err := call(callCtx, p)
		cancel()

		if err == nil {
			pl.mu.Lock()
			p.failCount = 0
			pl.current = i
			pl.mu.Unlock()
			result.Provider = p.Name
			if obs != nil {
				obs.ModelCall(p.Name, "ok")
				obs.ModelTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens)
			}
			return result, nil
		}

		if ctx.Err() != nil {
			// Caller cancelled; do not punish the provider.
			return nil, ctx.Err()
		}

		pl.mu.Lock()
		p.failCount++
		p.lastFail = time.Now()
		pl.mu.Unlock()
		if obs != nil {
			obs.ModelCall(p.Name, "error")
			obs.ProviderFailure(p.Name)
		}

		pl.logger.Warn("Provider failed, trying next",
			zap.String("provider", p.Name),
			zap.Int("fail_count", p.failCount),
			zap.Error(err),
		)
		failures = append(failures, ProviderError{Provider: p.Name, Err: err})
	}

	return nil, &AllProvidersFailed{Errors: failures}
}

// SwitchModel resolves key against (integer index, provider name
// case-insensitive, model name case-insensitive), in that order, and pins
// the current index to the first hit. Returns the selected provider name.
func (pl *Pool) SwitchModel(key string) (string, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if idx, err := strconv.Atoi(key); err == nil {
		if idx < 0 || idx >= len(pl.providers) {
			return "", fmt.Errorf("provider index %d out of range", idx)
		}
		pl.current = idx
		return pl.providers[idx].Name, nil
	}

	lower := strings.ToLower(key)
	for i, p := range pl.providers {
		if strings.ToLower(p.Name) == lower {
			pl.current = i
			return p.Name, nil
		}
	}
	for i, p := range pl.providers {
		if strings.ToLower(p.Model) == lower {
			pl.current = i
			return p.Name, nil
		}
	}

	return "", fmt.Errorf("no provider or model matches %q", key)
}

// ProviderStatus describes one pool entry for the /api/models listing.
type ProviderStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Priority  int    `json:"priority"`
	FailCount int    `json:"fail_count"`
	Active    bool   `json:"active"`
}

// List returns a snapshot of every entry in pool order.
func (pl *Pool) List() []ProviderStatus {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]ProviderStatus, 0, len(pl.providers))
	for i, p := range pl.providers {
		out = append(out, ProviderStatus{
			Name:      p.Name,
			Model:     p.Model,
			Priority:  p.Priority,
			FailCount: p.failCount,
			Active:    i == pl.current,
		})
	}
	return out
}

// CurrentModel returns the model name of the current provider.
func (pl *Pool) CurrentModel() string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if len(pl.providers) == 0 {
		return ""
	}
	return pl.providers[pl.current].Model
}
