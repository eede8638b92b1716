// Package metrics defines the Prometheus collectors the runtime reports
// into: breaker transitions, degradation level, pipeline stage timings,
// pool occupancy, LLM token usage, and query outcomes.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/queryweaver/queryweaver/pkg/degrade"
	"github.com/queryweaver/queryweaver/pkg/llm"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/pool"
)

// Metrics bundles every collector. Wire one instance through the Runtime;
// the collectors register on construction.
type Metrics struct {
	BreakerTransitions *prometheus.CounterVec
	DegradeLevel       prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
	QueriesTotal       *prometheus.CounterVec
	LLMTokens          *prometheus.CounterVec
	PoolIdle           prometheus.Gauge
	PoolBusy           prometheus.Gauge
	PoolRecycles       prometheus.Counter
	RateLimited        *prometheus.CounterVec
	ApprovalsTotal     *prometheus.CounterVec

	// lastRecycled turns the pool's cumulative recycle count into counter
	// increments. ObservePool is called from a single stats goroutine.
	lastRecycled int
}

// New registers all collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweaver_breaker_transitions_total",
			Help: "Circuit breaker state transitions by breaker name and target state.",
		}, []string{"breaker", "to"}),
		DegradeLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queryweaver_degradation_level",
			Help: "System degradation level: 0 normal, 1 partial, 2 severe, 3 critical.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queryweaver_stage_duration_seconds",
			Help:    "Pipeline stage wall time by stage name.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweaver_queries_total",
			Help: "Queries by terminal state and database type.",
		}, []string{"state", "database_type"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweaver_llm_tokens_total",
			Help: "LLM tokens consumed by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queryweaver_pool_idle_processes",
			Help: "Idle processes in the Oracle client pool.",
		}),
		PoolBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queryweaver_pool_busy_processes",
			Help: "Busy processes in the Oracle client pool.",
		}),
		PoolRecycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "queryweaver_pool_recycles_total",
			Help: "Pool processes recycled for wear or failure.",
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweaver_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by endpoint.",
		}, []string{"endpoint"}),
		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweaver_approvals_total",
			Help: "Approval decisions by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveBreaker is a resilience.StateChangeFunc recording transitions.
func (m *Metrics) ObserveBreaker(name string, _, to gobreaker.State) {
	m.BreakerTransitions.WithLabelValues(name, strings.ToLower(to.String())).Inc()
}

// ObserveDegradeLevel maps the derived level onto the gauge.
func (m *Metrics) ObserveDegradeLevel(level degrade.Level) {
	var v float64
	switch level {
	case degrade.LevelNormal:
		v = 0
	case degrade.LevelPartial:
		v = 1
	case degrade.LevelSevere:
		v = 2
	case degrade.LevelCritical:
		v = 3
	}
	m.DegradeLevel.Set(v)
}

// ObserveStage records one node execution.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveUsage is an llm.Usage observer feeding the token counters.
func (m *Metrics) ObserveUsage(u llm.Usage) {
	m.LLMTokens.WithLabelValues(u.Provider, u.Model, "prompt").Add(float64(u.PromptTokens))
	m.LLMTokens.WithLabelValues(u.Provider, u.Model, "completion").Add(float64(u.CompletionTokens))
}

// ObservePool copies a pool stats snapshot onto the gauges.
func (m *Metrics) ObservePool(stats pool.Stats) {
	m.PoolIdle.Set(float64(stats.Idle))
	m.PoolBusy.Set(float64(stats.Busy))
	if d := stats.Recycled - m.lastRecycled; d > 0 {
		m.PoolRecycles.Add(float64(d))
	}
	m.lastRecycled = stats.Recycled
}

// ObserveQueryOutcome counts a query reaching a terminal state.
func (m *Metrics) ObserveQueryOutcome(state models.LifecycleState, dbType models.DatabaseType) {
	m.QueriesTotal.WithLabelValues(string(state), string(dbType)).Inc()
}

// ObserveApproval counts one approval decision by outcome.
func (m *Metrics) ObserveApproval(outcome string) {
	m.ApprovalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited counts a request the limiter turned away.
func (m *Metrics) ObserveRateLimited(endpoint string) {
	m.RateLimited.WithLabelValues(endpoint).Inc()
}
