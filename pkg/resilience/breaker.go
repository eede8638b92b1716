// Package resilience provides the shared failure-handling primitives: named
// circuit breakers and retry policies with configurable backoff. Every
// external dependency (Redis, MCP, LLM providers, DB backends) is called
// through these primitives.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a breaker refuses a call without invoking
// the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig tunes one named circuit breaker.
type BreakerConfig struct {
	// FailureThreshold trips CLOSED→OPEN after this many consecutive failures
	FailureThreshold uint32 `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays OPEN before probing
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// SuccessThreshold closes a HALF_OPEN breaker after this many consecutive successes
	SuccessThreshold uint32 `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig matches the platform-wide defaults applied when a
// dependency has no explicit tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// StateChangeFunc observes breaker transitions, e.g. to update the
// degraded-mode registry or metrics.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Breaker is one named circuit breaker. Allow/record semantics follow the
// two-step form: Allow reserves a slot and returns the done callback that
// records the outcome.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Allow asks the breaker whether a call may proceed. On success it returns
// the callback that must be invoked exactly once with the call's outcome.
// When the breaker is OPEN (or HALF_OPEN and saturated) it returns
// ErrCircuitOpen and the operation must not run.
func (b *Breaker) Allow() (done func(success bool), err error) {
	done, err = b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return done, nil
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Counts returns the breaker's rolling counters.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

// Do runs op through the breaker: fail fast with ErrCircuitOpen when not
// allowed, otherwise record the outcome and propagate op's error.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	done(err == nil)
	return err
}

// BreakerStatus is a point-in-time view of one breaker, for status endpoints.
type BreakerStatus struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Registry shares named breakers process-wide. Breaker creation is lazy;
// two callers asking for the same name get the same instance.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults BreakerConfig
	onChange []StateChangeFunc
}

// NewRegistry creates a breaker registry with the given default tuning.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
	}
}

// OnStateChange registers a transition observer for all breakers, present
// and future. Must be called during wire-up, before breakers see traffic.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Get returns the named breaker, creating it with registry defaults.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWith(name, r.defaults)
}

// GetWith returns the named breaker, creating it with the given config.
// Config is only applied on first creation; later callers share the
// existing instance.
func (r *Registry) GetWith(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg = cfg.withDefaults()
	b := &Breaker{name: name}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			r.mu.Lock()
			observers := append([]StateChangeFunc(nil), r.onChange...)
			r.mu.Unlock()
			for _, fn := range observers {
				fn(name, from, to)
			}
		},
	})
	r.breakers[name] = b
	return b
}

// Do is the with-breaker helper: run op through the named breaker.
func (r *Registry) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Do(ctx, op)
}

// Snapshot returns the status of every breaker created so far.
func (r *Registry) Snapshot() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerStatus, 0, len(r.breakers))
	for name, b := range r.breakers {
		counts := b.Counts()
		out = append(out, BreakerStatus{
			Name:                 name,
			State:                b.State().String(),
			Requests:             counts.Requests,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		})
	}
	return out
}
