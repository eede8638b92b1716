// Package store wraps the Redis-backed key-value store every stateful
// component shares (result cache, schema cache, approvals, quotas, rate
// limits, checkpoints) with the resilience substrate: a named circuit
// breaker, transient-error retries, and an optional in-memory fallback cache
// that keeps reads and writes flowing through short outages.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/queryweaver/queryweaver/pkg/resilience"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// incrWithTTL atomically increments a counter and stamps the TTL when the
// key is created by this call.
var incrWithTTL = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// OpCounts tracks outcomes for one operation kind.
type OpCounts struct {
	Success  int64 `json:"success"`
	Failure  int64 `json:"failure"`
	Fallback int64 `json:"fallback"`
}

type opCounter struct {
	success  atomic.Int64
	failure  atomic.Int64
	fallback atomic.Int64
}

func (c *opCounter) snapshot() OpCounts {
	return OpCounts{
		Success:  c.success.Load(),
		Failure:  c.failure.Load(),
		Fallback: c.fallback.Load(),
	}
}

// Status is the point-in-time view of a Resilient store, consumed by the
// degraded-mode registry and the system status endpoint.
type Status struct {
	Name           string              `json:"name"`
	Available      bool                `json:"available"`
	BreakerState   string              `json:"breaker_state"`
	FallbackActive bool                `json:"fallback_active"`
	FallbackSize   int                 `json:"fallback_size,omitempty"`
	Counters       map[string]OpCounts `json:"counters"`
}

// Resilient is the breaker-and-retry wrapped Redis client. All methods are
// safe for concurrent use.
type Resilient struct {
	name     string
	client   redis.UniversalClient
	breaker  *resilience.Breaker
	retry    resilience.RetryPolicy
	fallback *FallbackCache

	get    opCounter
	set    opCounter
	del    opCounter
	exists opCounter
	setnx  opCounter
	incr   opCounter
	script opCounter
}

// Option configures a Resilient store.
type Option func(*Resilient)

// WithFallback attaches an in-memory fallback cache.
func WithFallback(cache *FallbackCache) Option {
	return func(s *Resilient) { s.fallback = cache }
}

// WithRetryPolicy overrides the default transient-retry policy.
func WithRetryPolicy(policy resilience.RetryPolicy) Option {
	return func(s *Resilient) { s.retry = policy }
}

// NewResilient wraps client with the named breaker from the registry.
func NewResilient(name string, client redis.UniversalClient, breakers *resilience.Registry, opts ...Option) *Resilient {
	s := &Resilient{
		name:    name,
		client:  client,
		breaker: breakers.Get(name),
		retry: resilience.RetryPolicy{
			MaxAttempts:  2,
			BaseDelay:    100 * time.Millisecond,
			Cap:          time.Second,
			JitterFactor: 0.2,
			Strategy:     resilience.StrategyExponential,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// do runs op through retry and breaker; each attempt counts toward the
// breaker so repeated failures trip it even inside one logical call.
func (s *Resilient) do(ctx context.Context, op func(ctx context.Context) error) error {
	return resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.breaker.Do(ctx, op)
	})
}

// Get fetches key. On store failure the fallback cache is consulted before
// giving up; a healthy miss returns ErrNotFound without touching the
// fallback.
func (s *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		val  []byte
		miss bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		b, err := s.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			val, miss = b, false
			return nil
		case errors.Is(err, redis.Nil):
			val, miss = nil, true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		if s.fallback != nil {
			if cached, ok := s.fallback.Get(key); ok {
				s.get.fallback.Add(1)
				return cached, nil
			}
		}
		s.get.failure.Add(1)
		return nil, fmt.Errorf("store %s: get %q: %w", s.name, key, err)
	}
	if miss {
		return nil, ErrNotFound
	}
	s.get.success.Add(1)
	return val, nil
}

// Set stores value under key with ttl. A store failure is absorbed by
// writing through to the fallback cache so readers keep seeing the value
// until Redis recovers.
func (s *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		if s.fallback != nil {
			s.fallback.Set(key, value, ttl)
			s.set.fallback.Add(1)
			slog.Warn("Store set absorbed by fallback cache",
				"store", s.name, "key", key, "error", err)
			return nil
		}
		s.set.failure.Add(1)
		return fmt.Errorf("store %s: set %q: %w", s.name, key, err)
	}
	s.set.success.Add(1)
	if s.fallback != nil {
		s.fallback.Set(key, value, ttl)
	}
	return nil
}

// Delete removes key. A store failure still evicts the fallback entry so
// stale data cannot be served after a delete.
func (s *Resilient) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
	if s.fallback != nil {
		s.fallback.Delete(key)
	}
	if err != nil {
		if s.fallback != nil {
			s.del.fallback.Add(1)
			slog.Warn("Store delete absorbed, fallback entry evicted",
				"store", s.name, "key", key, "error", err)
			return nil
		}
		s.del.failure.Add(1)
		return fmt.Errorf("store %s: delete %q: %w", s.name, key, err)
	}
	s.del.success.Add(1)
	return nil
}

// Exists reports whether key is present, falling back to the cache on
// store failure.
func (s *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	if err != nil {
		if s.fallback != nil {
			s.exists.fallback.Add(1)
			return s.fallback.Exists(key), nil
		}
		s.exists.failure.Add(1)
		return false, fmt.Errorf("store %s: exists %q: %w", s.name, key, err)
	}
	s.exists.success.Add(1)
	return found, nil
}

// SetNX atomically sets key only if absent, returning whether this call won.
// There is no fallback path: set-if-absent is used for idempotency keys and
// must never report success it cannot guarantee.
func (s *Resilient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var won bool
	err := s.do(ctx, func(ctx context.Context) error {
		ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		won = ok
		return nil
	})
	if err != nil {
		s.setnx.failure.Add(1)
		return false, fmt.Errorf("store %s: setnx %q: %w", s.name, key, err)
	}
	s.setnx.success.Add(1)
	return won, nil
}

// IncrWithTTL atomically increments key, stamping ttl when the counter is
// created. Returns the post-increment value. No fallback: quota counters
// must not drift.
func (s *Resilient) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := incrWithTTL.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		count = res
		return nil
	})
	if err != nil {
		s.incr.failure.Add(1)
		return 0, fmt.Errorf("store %s: incr %q: %w", s.name, key, err)
	}
	s.incr.success.Add(1)
	return count, nil
}

// RunScript executes a Lua script through the breaker. Used by components
// that need multi-step atomicity (rate limiting, quota checks).
func (s *Resilient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var out any
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := script.Run(ctx, s.client, keys, args...).Result()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		s.script.failure.Add(1)
		return nil, fmt.Errorf("store %s: script: %w", s.name, err)
	}
	s.script.success.Add(1)
	return out, nil
}

// Ping probes the store once, bypassing retries but counting toward the
// breaker. Used by health checks.
func (s *Resilient) Ping(ctx context.Context) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Available reports whether the breaker is CLOSED.
func (s *Resilient) Available() bool {
	return s.breaker.State() == gobreaker.StateClosed
}

// Name returns the dependency name the store was registered under.
func (s *Resilient) Name() string { return s.name }

// Status returns the current breaker, fallback, and counter snapshot.
func (s *Resilient) Status() Status {
	st := Status{
		Name:         s.name,
		Available:    s.Available(),
		BreakerState: s.breaker.State().String(),
		Counters: map[string]OpCounts{
			"get":    s.get.snapshot(),
			"set":    s.set.snapshot(),
			"delete": s.del.snapshot(),
			"exists": s.exists.snapshot(),
			"setnx":  s.setnx.snapshot(),
			"incr":   s.incr.snapshot(),
			"script": s.script.snapshot(),
		},
	}
	if s.fallback != nil {
		st.FallbackSize = s.fallback.Len()
		st.FallbackActive = !st.Available
	}
	return st
}
