// Copyright 2026 Loomgate Authors. All rights reserved.

package llm

import (
	"fmt"
	"strings"
)

// APIError is a non-2xx reply from a chat-completions endpoint. The body is
// echoed verbatim so callers can see what the provider actually said.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ProviderError records one provider's failure during a failover sweep.
type ProviderError struct {
	Provider string
	Err      error
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// AllProvidersFailed is returned when the failover sweep exhausts every
// provider (failed or in backoff) without a successful call.
type AllProvidersFailed struct {
	Errors []ProviderError
}

func (e *AllProvidersFailed) Error() string {
	if len(e.Errors) == 0 {
		return "all providers failed: none available"
	}
	parts := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		parts[i] = pe.Error()
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}
