package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/dberr"
)

func fastPolicy(strategy Strategy) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		Cap:          10 * time.Millisecond,
		JitterFactor: 0,
		Strategy:     strategy,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(StrategyFixed), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return dberr.New(dberr.CategoryConnection, "", "refused", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentCategory(t *testing.T) {
	attempts := 0
	syntaxErr := dberr.New(dberr.CategorySyntax, "ORA-00933", "bad sql", nil)
	err := Retry(context.Background(), fastPolicy(StrategyFixed), func(context.Context) error {
		attempts++
		return syntaxErr
	})
	require.ErrorIs(t, err, syntaxErr)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	transient := dberr.New(dberr.CategoryTimeout, "", "deadline", nil)
	err := Retry(context.Background(), fastPolicy(StrategyExponential), func(context.Context) error {
		attempts++
		return transient
	})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, 3, attempts)
}

func TestRetryOnCategoriesOverridesDefault(t *testing.T) {
	policy := fastPolicy(StrategyFixed)
	policy.RetryOn = []dberr.Category{dberr.CategoryResourceExhausted}

	// timeout is normally transient but is not in the explicit list
	attempts := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		attempts++
		return dberr.New(dberr.CategoryTimeout, "", "deadline", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = Retry(context.Background(), policy, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return dberr.New(dberr.CategoryResourceExhausted, "", "sessions", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryNormalizesPlainErrors(t *testing.T) {
	// a plain error normalizes to UNKNOWN, which is permanent
	attempts := 0
	err := Retry(context.Background(), fastPolicy(StrategyFixed), func(context.Context) error {
		attempts++
		return errors.New("mystery")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	// a raw deadline normalizes to TIMEOUT, which is transient
	attempts = 0
	err = Retry(context.Background(), fastPolicy(StrategyFixed), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy(StrategyFixed)
	policy.BaseDelay = 500 * time.Millisecond
	policy.Cap = time.Second

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, policy, func(context.Context) error {
		attempts++
		return dberr.New(dberr.CategoryConnection, "", "refused", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDelayFormula(t *testing.T) {
	base := RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		Cap:          time.Second,
		JitterFactor: 0,
	}

	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"fixed first", StrategyFixed, 1, 100 * time.Millisecond},
		{"fixed later", StrategyFixed, 4, 100 * time.Millisecond},
		{"linear grows", StrategyLinear, 3, 300 * time.Millisecond},
		{"linear capped", StrategyLinear, 50, time.Second},
		{"exponential first", StrategyExponential, 1, 100 * time.Millisecond},
		{"exponential doubles", StrategyExponential, 3, 400 * time.Millisecond},
		{"exponential capped", StrategyExponential, 10, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Strategy = tt.strategy
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:    100 * time.Millisecond,
		Cap:          time.Second,
		JitterFactor: 0.2,
		Strategy:     StrategyFixed,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestDelayExponentialShiftOverflow(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:    time.Second,
		Cap:          30 * time.Second,
		JitterFactor: 0,
		Strategy:     StrategyExponential,
	}
	// attempt high enough to overflow a 64-bit shift lands on the cap
	assert.Equal(t, 30*time.Second, p.Delay(70))
}
