package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts a sequence of responses; after the script runs out it
// keeps returning the last entry.
type fakeProvider struct {
	name   string
	script []func() (*CompletionResponse, error)
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	return f.script[idx]()
}

func ok(content string) func() (*CompletionResponse, error) {
	return func() (*CompletionResponse, error) {
		return &CompletionResponse{Content: content, Model: "m", PromptTokens: 10, CompletionTokens: 5}, nil
	}
}

func fail(kind ErrorKind, retryAfter time.Duration) func() (*CompletionResponse, error) {
	return func() (*CompletionResponse, error) {
		return nil, &ProviderError{Provider: "fake", Kind: kind, RetryAfter: retryAfter, Message: string(kind)}
	}
}

func fastGateway(providers ...Provider) *Gateway {
	return NewGateway(providers, GatewayConfig{
		MaxRateLimitWait:    100 * time.Millisecond,
		TransientRetryDelay: time.Millisecond,
	})
}

func TestInvokeFirstProviderSucceeds(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []func() (*CompletionResponse, error){ok("hello")}}
	secondary := &fakeProvider{name: "secondary", script: []func() (*CompletionResponse, error){ok("unused")}}
	g := fastGateway(primary, secondary)

	res, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, "primary", res.ProviderUsed)
	assert.Equal(t, []string{"primary"}, res.Chain)
	assert.Zero(t, secondary.calls)
}

func TestInvokeFallbackChain(t *testing.T) {
	// Primary quota-exhausted, secondary rate-limited then succeeds.
	primary := &fakeProvider{name: "primary", script: []func() (*CompletionResponse, error){
		fail(KindQuotaExceeded, 0),
	}}
	secondary := &fakeProvider{name: "secondary", script: []func() (*CompletionResponse, error){
		fail(KindRateLimited, 5 * time.Millisecond),
		ok("eventually"),
	}}
	g := fastGateway(primary, secondary)

	res, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "eventually", res.Content)
	assert.Equal(t, "secondary", res.ProviderUsed)
	assert.Equal(t, []string{"primary", "secondary"}, res.Chain)
	assert.Equal(t, 1, primary.calls, "quota exhaustion must not be retried")
	assert.Equal(t, 2, secondary.calls)
}

func TestInvokeTransientRetriedOnceThenNext(t *testing.T) {
	flaky := &fakeProvider{name: "flaky", script: []func() (*CompletionResponse, error){
		fail(KindTransient, 0),
		fail(KindTransient, 0),
	}}
	backup := &fakeProvider{name: "backup", script: []func() (*CompletionResponse, error){ok("saved")}}
	g := fastGateway(flaky, backup)

	res, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "backup", res.ProviderUsed)
	assert.Equal(t, 2, flaky.calls, "exactly one in-provider retry for transient errors")
}

func TestInvokePermanentMovesOnWithoutRetry(t *testing.T) {
	broken := &fakeProvider{name: "broken", script: []func() (*CompletionResponse, error){
		fail(KindPermanent, 0),
	}}
	backup := &fakeProvider{name: "backup", script: []func() (*CompletionResponse, error){ok("saved")}}
	g := fastGateway(broken, backup)

	res, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "backup", res.ProviderUsed)
	assert.Equal(t, 1, broken.calls)
}

func TestQuotaMarkSkipsForRestOfDay(t *testing.T) {
	exhausted := &fakeProvider{name: "exhausted", script: []func() (*CompletionResponse, error){
		fail(KindQuotaExceeded, 0),
		ok("should not be reached today"),
	}}
	backup := &fakeProvider{name: "backup", script: []func() (*CompletionResponse, error){ok("b")}}
	g := fastGateway(exhausted, backup)

	_, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)

	// Second invocation the same day must not touch the exhausted provider.
	res, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "backup", res.ProviderUsed)
	assert.Equal(t, []string{"backup"}, res.Chain)
	assert.Equal(t, 1, exhausted.calls)
}

func TestQuotaMarkExpiresNextDay(t *testing.T) {
	exhausted := &fakeProvider{name: "exhausted", script: []func() (*CompletionResponse, error){
		fail(KindQuotaExceeded, 0),
		ok("fresh quota"),
	}}
	g := fastGateway(exhausted)

	_, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.Error(t, err)

	g.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	res, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "fresh quota", res.Content)
}

func TestInvokePreferredProviderRotatesChain(t *testing.T) {
	a := &fakeProvider{name: "a", script: []func() (*CompletionResponse, error){ok("a")}}
	b := &fakeProvider{name: "b", script: []func() (*CompletionResponse, error){ok("b")}}
	g := fastGateway(a, b)

	res, err := g.Invoke(context.Background(), CompletionRequest{}, "b", true)
	require.NoError(t, err)
	assert.Equal(t, "b", res.ProviderUsed)
	assert.Zero(t, a.calls)
}

func TestInvokeNoFallbackRestrictsToPreferred(t *testing.T) {
	a := &fakeProvider{name: "a", script: []func() (*CompletionResponse, error){ok("a")}}
	b := &fakeProvider{name: "b", script: []func() (*CompletionResponse, error){
		fail(KindPermanent, 0),
	}}
	g := fastGateway(a, b)

	_, err := g.Invoke(context.Background(), CompletionRequest{}, "b", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Zero(t, a.calls)
}

func TestInvokeAllExhausted(t *testing.T) {
	a := &fakeProvider{name: "a", script: []func() (*CompletionResponse, error){fail(KindQuotaExceeded, 0)}}
	g := fastGateway(a)

	_, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestUsageObserver(t *testing.T) {
	var seen []Usage
	p := &fakeProvider{name: "p", script: []func() (*CompletionResponse, error){ok("x")}}
	g := NewGateway([]Provider{p}, GatewayConfig{}, WithUsageObserver(func(u Usage) {
		seen = append(seen, u)
	}))

	_, err := g.Invoke(context.Background(), CompletionRequest{}, "", true)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "p", seen[0].Provider)
	assert.Equal(t, 10, seen[0].PromptTokens)
	assert.Equal(t, 5, seen[0].CompletionTokens)
}

func TestInvokeContextCancelled(t *testing.T) {
	slow := &fakeProvider{name: "slow", script: []func() (*CompletionResponse, error){
		fail(KindRateLimited, 50 * time.Millisecond),
	}}
	g := fastGateway(slow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Invoke(ctx, CompletionRequest{}, "", true)
	assert.ErrorIs(t, err, context.Canceled)
}
