// Package ratelimit is a sliding-window rate limiter keyed per
// (user, endpoint), backed by a Redis sorted set of request timestamps.
// When the store is unavailable the limiter fails open: requests are
// allowed and the degradation is logged.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/queryweaver/queryweaver/pkg/store"
)

// ErrRateLimited is returned when the window is full.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError carries the wait the caller should observe before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Unwrap makes the error match ErrRateLimited
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Limit is one window configuration.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// slide trims entries older than the window, rejects with the retry-after
// when the window is full, otherwise inserts the request and refreshes the
// key TTL. Returns {allowed, remaining_or_retry_after_ms}.
var slide = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, ttl)
return {1, max - count - 1}
`)

// Result reports the outcome of one check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Config tunes the limiter: per-tier defaults and per-endpoint overrides.
// Endpoint overrides take precedence over tier defaults.
type Config struct {
	// Tiers maps a caller tier (usually the role name) to its default limit.
	Tiers map[string]Limit `yaml:"tiers"`
	// Endpoints maps an endpoint name to an override applied to all tiers.
	Endpoints map[string]Limit `yaml:"endpoints"`
	// Default applies when neither tier nor endpoint matches.
	Default Limit `yaml:"default"`
	// TTLBuffer pads the key TTL past the window so trimming stays cheap.
	TTLBuffer time.Duration `yaml:"ttl_buffer"`
}

func (c Config) withDefaults() Config {
	if c.Default.MaxRequests <= 0 {
		c.Default = Limit{MaxRequests: 60, Window: time.Minute}
	}
	if c.TTLBuffer <= 0 {
		c.TTLBuffer = 10 * time.Second
	}
	return c
}

// Limiter is a sliding-window counter per (user, endpoint).
type Limiter struct {
	store *store.Resilient
	cfg   Config

	now func() time.Time
}

// New creates a limiter over the resilient store.
func New(st *store.Resilient, cfg Config) *Limiter {
	return &Limiter{store: st, cfg: cfg.withDefaults(), now: time.Now}
}

// limitFor picks the effective limit: endpoint override, then tier default,
// then the global default.
func (l *Limiter) limitFor(endpoint, tier string) Limit {
	if lim, ok := l.cfg.Endpoints[endpoint]; ok && lim.MaxRequests > 0 {
		return lim
	}
	if lim, ok := l.cfg.Tiers[tier]; ok && lim.MaxRequests > 0 {
		return lim
	}
	return l.cfg.Default
}

// Check records one request against the (user, endpoint) window. A full
// window rejects with a RateLimitError carrying retry-after; store failures
// allow the request.
func (l *Limiter) Check(ctx context.Context, userID, endpoint, tier string) (Result, error) {
	lim := l.limitFor(endpoint, tier)
	key := fmt.Sprintf("ratelimit:%s:%s", userID, endpoint)
	now := l.now().UnixMilli()
	ttl := lim.Window + l.cfg.TTLBuffer

	// Unique member so two requests in the same millisecond both count.
	member := fmt.Sprintf("%d-%s", now, uuid.NewString()[:8])

	res, err := l.store.RunScript(ctx, slide, []string{key},
		now, lim.Window.Milliseconds(), lim.MaxRequests, ttl.Milliseconds(), member)
	if err != nil {
		slog.Warn("Rate limiter failed open: store unavailable",
			"user_id", userID, "endpoint", endpoint, "error", err)
		return Result{Allowed: true, Remaining: lim.MaxRequests}, nil
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Result{Allowed: true}, fmt.Errorf("rate limit script returned unexpected shape: %T", res)
	}
	allowed, _ := vals[0].(int64)
	second, _ := vals[1].(int64)

	if allowed == 0 {
		retry := time.Duration(second) * time.Millisecond
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, RetryAfter: retry}, &RateLimitError{RetryAfter: retry}
	}
	return Result{Allowed: true, Remaining: int(second)}, nil
}
