// Package llm is the provider-agnostic gateway to chat-completion models:
// a small Provider interface, concrete providers for OpenAI-compatible HTTP
// APIs and Anthropic, and a fallback chain that walks providers in order,
// skipping any marked quota-exhausted for the rest of the day.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// CompletionRequest is one chat-completion call.
type CompletionRequest struct {
	Messages    []models.Message
	MaxTokens   int
	Temperature float64
	// JSONMode asks the provider for a strict-JSON response where the API
	// supports it. Providers without the knob ignore it.
	JSONMode bool
}

// CompletionResponse is the provider's answer plus token usage.
type CompletionResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is a single model backend the gateway can call.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ErrorKind partitions provider failures for the fallback chain.
type ErrorKind string

const (
	// KindQuotaExceeded means the provider's quota is exhausted; it is
	// skipped for the rest of the day, never retried.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindRateLimited means the provider throttled the call; retried after
	// Retry-After when present.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTransient covers server-side and network failures worth one retry.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers request-level failures retrying cannot fix.
	KindPermanent ErrorKind = "permanent"
)

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter is the provider-suggested wait, zero when absent.
	RetryAfter time.Duration
	cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm provider %s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *ProviderError) Unwrap() error {
	return e.cause
}

// Classify extracts the error kind, defaulting unknown errors to transient
// so the chain gives them one more chance before moving on.
func Classify(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// retryAfter returns the provider-suggested wait, zero when none was given.
func retryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
