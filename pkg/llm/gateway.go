package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoProviders is returned when the chain is exhausted: every provider is
// quota-marked, failed, or absent.
var ErrNoProviders = errors.New("no llm providers available")

// Usage is one completed call's token accounting record.
type Usage struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Result is a successful gateway invocation.
type Result struct {
	*CompletionResponse
	// ProviderUsed is the provider that produced the response.
	ProviderUsed string
	// Chain lists every provider attempted, in call order.
	Chain []string
}

// GatewayConfig tunes the fallback chain.
type GatewayConfig struct {
	// MaxRateLimitWait caps how long the gateway honors a Retry-After
	// before giving up on the provider for this call.
	MaxRateLimitWait time.Duration
	// TransientRetryDelay is the pause before the single in-provider retry
	// of a transient failure.
	TransientRetryDelay time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.MaxRateLimitWait <= 0 {
		c.MaxRateLimitWait = 30 * time.Second
	}
	if c.TransientRetryDelay <= 0 {
		c.TransientRetryDelay = time.Second
	}
	return c
}

// Gateway walks an ordered provider chain until one answers. Providers that
// report quota exhaustion are skipped for the rest of the UTC day.
type Gateway struct {
	providers []Provider
	cfg       GatewayConfig
	onUsage   func(Usage)

	mu sync.Mutex
	// quotaMarks maps provider name to the UTC date it was marked
	// quota-exhausted. Stale marks expire on day rollover.
	quotaMarks map[string]string

	now func() time.Time
}

// GatewayOption configures optional Gateway behavior.
type GatewayOption func(*Gateway)

// WithUsageObserver registers a callback invoked with token accounting for
// every successful completion.
func WithUsageObserver(fn func(Usage)) GatewayOption {
	return func(g *Gateway) { g.onUsage = fn }
}

// NewGateway creates a gateway over providers in fallback order.
func NewGateway(providers []Provider, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers:  providers,
		cfg:        cfg.withDefaults(),
		quotaMarks: make(map[string]string),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Providers returns the configured provider names in chain order.
func (g *Gateway) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// Invoke runs the request against the chain. When preferred names a
// provider, the chain is rotated so it goes first; enableFallback=false
// restricts the call to that provider alone.
func (g *Gateway) Invoke(ctx context.Context, req CompletionRequest, preferred string, enableFallback bool) (*Result, error) {
	chain := g.chainFor(preferred, enableFallback)
	if len(chain) == 0 {
		return nil, ErrNoProviders
	}

	var attempted []string
	var lastErr error
	for _, p := range chain {
		if g.quotaExhausted(p.Name()) {
			slog.Debug("Skipping quota-exhausted provider", "provider", p.Name())
			continue
		}
		attempted = append(attempted, p.Name())

		resp, err := g.tryProvider(ctx, p, req)
		if err == nil {
			g.recordUsage(p.Name(), resp)
			return &Result{CompletionResponse: resp, ProviderUsed: p.Name(), Chain: attempted}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if Classify(err) == KindQuotaExceeded {
			g.markQuotaExhausted(p.Name())
		}
		slog.Warn("LLM provider failed, moving to next",
			"provider", p.Name(),
			"kind", Classify(err),
			"error", err)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProviders, lastErr)
	}
	return nil, ErrNoProviders
}

// tryProvider makes the bounded per-provider attempts: rate limits wait out
// Retry-After once, transient failures get exactly one retry, everything
// else moves the chain along immediately.
func (g *Gateway) tryProvider(ctx context.Context, p Provider, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}

	switch Classify(err) {
	case KindRateLimited:
		wait := retryAfter(err)
		if wait <= 0 {
			wait = g.cfg.TransientRetryDelay
		}
		if wait > g.cfg.MaxRateLimitWait {
			return nil, err
		}
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return nil, sleepErr
		}
	case KindTransient:
		if sleepErr := sleepCtx(ctx, g.cfg.TransientRetryDelay); sleepErr != nil {
			return nil, sleepErr
		}
	default:
		return nil, err
	}

	return p.Complete(ctx, req)
}

func (g *Gateway) chainFor(preferred string, enableFallback bool) []Provider {
	if preferred == "" {
		if enableFallback {
			return g.providers
		}
		if len(g.providers) > 0 {
			return g.providers[:1]
		}
		return nil
	}
	idx := -1
	for i, p := range g.providers {
		if p.Name() == preferred {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Unknown preferred provider: fall back to the configured order.
		if enableFallback {
			return g.providers
		}
		return nil
	}
	if !enableFallback {
		return g.providers[idx : idx+1]
	}
	chain := make([]Provider, 0, len(g.providers))
	chain = append(chain, g.providers[idx])
	chain = append(chain, g.providers[:idx]...)
	chain = append(chain, g.providers[idx+1:]...)
	return chain
}

func (g *Gateway) quotaExhausted(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quotaMarks[name] == g.today()
}

func (g *Gateway) markQuotaExhausted(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotaMarks[name] = g.today()
	slog.Warn("Provider marked quota-exhausted for today", "provider", name)
}

func (g *Gateway) today() string {
	return g.now().UTC().Format("2006-01-02")
}

func (g *Gateway) recordUsage(provider string, resp *CompletionResponse) {
	if g.onUsage == nil {
		return
	}
	g.onUsage(Usage{
		Provider:         provider,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
