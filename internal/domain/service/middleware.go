// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"

	"go.uber.org/zap"
)

// BlockedMessageText replaces a user message that a middleware swallowed.
const BlockedMessageText = "(message blocked by plugin middleware)"

// MessageMiddleware transforms traffic around a turn. BeforeMessage may
// rewrite the inbound user text or return ("", false) to block it
// entirely; AfterResponse may rewrite the final reply text.
type MessageMiddleware interface {
	// Name identifies the middleware in logs.
	Name() string

	// BeforeMessage receives the inbound text and returns the text to
	// use. ok=false blocks the message.
	BeforeMessage(ctx context.Context, sessionID, text string) (out string, ok bool)

	// AfterResponse receives the final reply and returns the text to
	// deliver.
	AfterResponse(ctx context.Context, sessionID, text string) string
}

// MiddlewarePipeline chains MessageMiddleware. BeforeMessage runs in
// registration order; AfterResponse unwinds in reverse, like HTTP
// middleware.
type MiddlewarePipeline struct {
	middlewares []MessageMiddleware
	logger      *zap.Logger
}

// NewMiddlewarePipeline creates an empty pipeline.
func NewMiddlewarePipeline(logger *zap.Logger) *MiddlewarePipeline {
	return &MiddlewarePipeline{
		middlewares: make([]MessageMiddleware, 0, 4),
		logger:      logger,
	}
}

// Use appends one or more middlewares.
func (p *MiddlewarePipeline) Use(mws ...MessageMiddleware) {
	p.middlewares = append(p.middlewares, mws...)
}

// Len returns the number of registered middlewares.
func (p *MiddlewarePipeline) Len() int {
	return len(p.middlewares)
}

// RunBeforeMessage applies every BeforeMessage in order. The first
// middleware to block wins and the blocked sentinel is returned.
func (p *MiddlewarePipeline) RunBeforeMessage(ctx context.Context, sessionID, text string) (string, bool) {
	current := text
	for _, mw := range p.middlewares {
		out, ok := mw.BeforeMessage(ctx, sessionID, current)
		if !ok {
			p.logger.Info("Message blocked by middleware",
				zap.String("middleware", mw.Name()),
				zap.String("session_id", sessionID),
			)
			return BlockedMessageText, false
		}
		current = out
	}
	return current, true
}

// RunAfterResponse applies every AfterResponse in reverse order.
func (p *MiddlewarePipeline) RunAfterResponse(ctx context.Context, sessionID, text string) string {
	current := text
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		current = p.middlewares[i].AfterResponse(ctx, sessionID, current)
	}
	return current
}
