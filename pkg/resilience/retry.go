package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/queryweaver/queryweaver/pkg/dberr"
)

// Strategy selects how the retry delay grows per attempt
type Strategy string

const (
	// StrategyFixed waits base_delay between attempts
	StrategyFixed Strategy = "fixed"
	// StrategyLinear waits base_delay * attempt
	StrategyLinear Strategy = "linear"
	// StrategyExponential waits base_delay * 2^(attempt-1)
	StrategyExponential Strategy = "exponential"
)

// IsValid checks if the strategy is valid
func (s Strategy) IsValid() bool {
	return s == StrategyFixed || s == StrategyLinear || s == StrategyExponential
}

// RetryPolicy bounds and shapes retries of one operation.
type RetryPolicy struct {
	MaxAttempts  int             `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay    time.Duration   `yaml:"base_delay" json:"base_delay"`
	Cap          time.Duration   `yaml:"cap" json:"cap"`
	JitterFactor float64         `yaml:"jitter_factor" json:"jitter_factor"`
	Strategy     Strategy        `yaml:"strategy" json:"strategy"`
	// RetryOn lists the error categories worth retrying. Empty means the
	// transient categories.
	RetryOn []dberr.Category `yaml:"retry_on" json:"retry_on,omitempty"`
}

// DefaultRetryPolicy is the platform-wide default: 3 attempts, exponential,
// 500ms base, 10s cap, 20% jitter, transient categories only.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		Cap:          10 * time.Second,
		JitterFactor: 0.2,
		Strategy:     StrategyExponential,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if !p.Strategy.IsValid() {
		p.Strategy = def.Strategy
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// retryable reports whether the policy retries the given error. Errors are
// normalized first so transport-level failures classify consistently.
func (p RetryPolicy) retryable(err error) bool {
	ne := dberr.FromTransport(err)
	if len(p.RetryOn) == 0 {
		return ne.Category.IsTransient()
	}
	for _, c := range p.RetryOn {
		if ne.Category == c {
			return true
		}
	}
	return false
}

// Delay computes the wait before attempt n+1 after n completed attempts
// (n is 1-indexed): min(base * strategy(n), cap) scaled by a uniform random
// factor in [1-jitter, 1+jitter].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	switch p.Strategy {
	case StrategyLinear:
		base = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		base = p.BaseDelay << (attempt - 1)
		if base <= 0 { // shift overflow
			base = p.Cap
		}
	}
	if base > p.Cap {
		base = p.Cap
	}
	if p.JitterFactor > 0 {
		factor := 1 + p.JitterFactor*(2*rand.Float64()-1)
		base = time.Duration(float64(base) * factor)
	}
	if base < 0 {
		base = 0
	}
	return base
}

// policyBackOff adapts a RetryPolicy to the backoff.BackOff interface so
// fixed and linear strategies share the same delay formula as exponential.
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*policyBackOff)(nil)

// Retry runs op under the policy: re-invoke while the error is retryable and
// attempts remain, sleeping the policy delay in between. Non-retryable
// errors and context cancellation return immediately.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts || !policy.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&policyBackOff{policy: policy}, uint64(policy.MaxAttempts-1)),
		ctx)

	return backoff.RetryNotify(operation, bo, func(err error, wait time.Duration) {
		slog.Debug("Retrying after failure",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"wait", wait,
			"error", err)
	})
}
