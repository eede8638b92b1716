// Package degrade tracks the health of external dependencies and derives the
// process-wide degradation level from them. Components report status changes
// here (typically driven by circuit breaker transitions); the system status
// endpoint and feature gates read from it.
package degrade

import (
	"log/slog"
	"sync"
	"time"
)

// ComponentStatus is the health of one external dependency
type ComponentStatus string

const (
	// StatusOperational means the component is working normally
	StatusOperational ComponentStatus = "OPERATIONAL"
	// StatusDegraded means the component works with reduced capacity or via fallback
	StatusDegraded ComponentStatus = "DEGRADED"
	// StatusUnavailable means the component cannot serve at all
	StatusUnavailable ComponentStatus = "UNAVAILABLE"
)

// Level is the derived system-wide degradation level
type Level string

const (
	// LevelNormal means all components operational
	LevelNormal Level = "NORMAL"
	// LevelPartial means at least one component degraded, none unavailable
	LevelPartial Level = "PARTIAL"
	// LevelSevere means two or more degraded, or one unavailable
	LevelSevere Level = "SEVERE"
	// LevelCritical means two or more components unavailable
	LevelCritical Level = "CRITICAL"
)

// ComponentState is the tracked record for one dependency
type ComponentState struct {
	Name              string          `json:"name"`
	Status            ComponentStatus `json:"status"`
	Impact            string          `json:"impact"`
	FallbackActive    bool            `json:"fallback_active"`
	DegradationReason string          `json:"degradation_reason,omitempty"`
	LastChange        time.Time       `json:"last_change"`
}

// SystemStatus is the snapshot returned to operators
type SystemStatus struct {
	Level      Level            `json:"level"`
	Components []ComponentState `json:"components"`
	Timestamp  time.Time        `json:"timestamp"`
}

// DefaultFeatureMap maps user-visible features to the components each one
// requires. A feature is available while none of its components is
// UNAVAILABLE.
func DefaultFeatureMap() map[string][]string {
	return map[string][]string{
		"query_submission": {"llm"},
		"oracle_queries":   {"oracle_pool"},
		"doris_queries":    {"doris_mcp"},
		"postgres_queries": {"postgres"},
		"approvals":        {"redis"},
		"result_caching":   {"redis"},
		"rate_limiting":    {"redis"},
	}
}

// Registry is the process-wide component state table. All methods are safe
// for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*ComponentState
	features   map[string][]string
	level      Level
	now        func() time.Time
}

// NewRegistry creates a registry with the given feature map (nil uses the
// default map).
func NewRegistry(features map[string][]string) *Registry {
	if features == nil {
		features = DefaultFeatureMap()
	}
	return &Registry{
		components: make(map[string]*ComponentState),
		features:   features,
		level:      LevelNormal,
		now:        time.Now,
	}
}

// Register adds a component in OPERATIONAL state. Registering an existing
// name is a no-op so wire-up order does not matter.
func (r *Registry) Register(name, impact string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[name]; ok {
		return
	}
	r.components[name] = &ComponentState{
		Name:       name,
		Status:     StatusOperational,
		Impact:     impact,
		LastChange: r.now(),
	}
	r.recomputeLocked()
}

// Update records a status change for the named component, registering it on
// the fly if unknown. The system level is recomputed on every call.
func (r *Registry) Update(name string, status ComponentStatus, reason string, fallbackActive bool) {
	r.mu.Lock()
	c, ok := r.components[name]
	if !ok {
		c = &ComponentState{Name: name}
		r.components[name] = c
	}
	changed := c.Status != status || c.FallbackActive != fallbackActive
	c.Status = status
	c.DegradationReason = reason
	c.FallbackActive = fallbackActive
	if changed {
		c.LastChange = r.now()
	}
	before := r.level
	r.recomputeLocked()
	after := r.level
	r.mu.Unlock()

	if changed {
		slog.Info("Component status updated",
			"component", name,
			"status", status,
			"reason", reason,
			"fallback_active", fallbackActive)
	}
	if before != after {
		slog.Warn("System degradation level changed",
			"from", before,
			"to", after)
	}
}

// recomputeLocked derives the system level; callers hold r.mu.
func (r *Registry) recomputeLocked() {
	var degraded, unavailable int
	for _, c := range r.components {
		switch c.Status {
		case StatusDegraded:
			degraded++
		case StatusUnavailable:
			unavailable++
		}
	}
	switch {
	case unavailable >= 2:
		r.level = LevelCritical
	case unavailable == 1 || degraded >= 2:
		r.level = LevelSevere
	case degraded == 1:
		r.level = LevelPartial
	default:
		r.level = LevelNormal
	}
}

// Level returns the current system degradation level.
func (r *Registry) Level() Level {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.level
}

// SystemStatus returns a snapshot of the level and all component states.
func (r *Registry) SystemStatus() SystemStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := SystemStatus{
		Level:      r.level,
		Components: make([]ComponentState, 0, len(r.components)),
		Timestamp:  r.now(),
	}
	for _, c := range r.components {
		out.Components = append(out.Components, *c)
	}
	return out
}

// FeatureAvailable reports whether every component the feature requires is
// still serving (not UNAVAILABLE). Unknown features are reported available.
func (r *Registry) FeatureAvailable(feature string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	required, ok := r.features[feature]
	if !ok {
		return true
	}
	for _, name := range required {
		if c, ok := r.components[name]; ok && c.Status == StatusUnavailable {
			return false
		}
	}
	return true
}
