// Package api exposes the HTTP surface: query submission, the SSE state
// stream, approval decisions, cancellation, health and system status, and
// Prometheus metrics. Handlers are thin; all query semantics live in the
// pipeline driver.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/degrade"
	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/pool"
	"github.com/queryweaver/queryweaver/pkg/querystate"
	"github.com/queryweaver/queryweaver/pkg/ratelimit"
	"github.com/queryweaver/queryweaver/pkg/resilience"
	"github.com/queryweaver/queryweaver/pkg/store"
	"github.com/queryweaver/queryweaver/pkg/version"
)

// QueryDriver is the pipeline surface the handlers call.
type QueryDriver interface {
	Submit(ctx context.Context, req models.SubmitRequest, client approval.ClientInfo) (*models.SubmitResponse, error)
	ApplyDecision(ctx context.Context, req models.ApprovalRequest, client approval.ClientInfo) (*models.ApprovalResponse, error)
	Cancel(queryID string) error
	Active() (running, parked int)
}

// Deps carries everything the server wires into its handlers. Limiter,
// MCPHealth, Pools, and Gatherer may be nil; the matching routes degrade to
// pass-through or report unknown.
type Deps struct {
	Driver    QueryDriver
	Publisher *querystate.Publisher
	Store     *store.Resilient
	Degrade   *degrade.Registry
	Breakers  *resilience.Registry
	Limiter   *ratelimit.Limiter
	// RateLimited is called when the limiter rejects a request; optional,
	// usually metrics.ObserveRateLimited.
	RateLimited func(endpoint string)
	MCPHealth   *mcp.HealthMonitor
	Pools       map[string]*pool.Pool
	Gatherer    prometheus.Gatherer
}

// Server owns the gin engine and its handler dependencies.
type Server struct {
	deps   Deps
	engine *gin.Engine
}

// NewServer builds the engine and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestID(), securityHeaders(), requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler for mounting in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/readyz", s.handleReady)
	if s.deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	v1.POST("/queries", s.rateLimited("submit"), s.handleSubmit)
	v1.GET("/queries/:id", s.handleQueryState)
	v1.GET("/queries/:id/stream", s.handleStream)
	v1.POST("/queries/:id/cancel", s.handleCancel)
	v1.POST("/approvals", s.rateLimited("approve"), s.handleApproval)
	v1.GET("/system/status", s.handleSystemStatus)
}

// handleHealth is the liveness probe: process is up and serving.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
	})
}

// handleReady is the readiness probe: dependencies answer within a short
// deadline. Redis loss alone does not fail readiness since the store runs
// on its fallback cache.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["redis"] = fmt.Sprintf("degraded: %v", err)
		} else {
			checks["redis"] = "ok"
		}
	}
	if s.deps.MCPHealth != nil {
		if s.deps.MCPHealth.IsHealthy() {
			checks["mcp"] = "ok"
		} else {
			checks["mcp"] = "degraded"
		}
	}
	if s.deps.Degrade != nil {
		level := s.deps.Degrade.Level()
		checks["degrade_level"] = string(level)
		if level == degrade.LevelCritical {
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

// handleSystemStatus is the operator view: degradation level and component
// states, breaker counters, pool stats, and in-flight query counts.
func (s *Server) handleSystemStatus(c *gin.Context) {
	running, parked := s.deps.Driver.Active()
	body := gin.H{
		"version": version.Full(),
		"queries": gin.H{
			"running": running,
			"parked":  parked,
		},
	}
	if s.deps.Degrade != nil {
		body["degradation"] = s.deps.Degrade.SystemStatus()
	}
	if s.deps.Breakers != nil {
		body["breakers"] = s.deps.Breakers.Snapshot()
	}
	if len(s.deps.Pools) > 0 {
		pools := gin.H{}
		for name, p := range s.deps.Pools {
			pools[name] = p.Stats()
		}
		body["pools"] = pools
	}
	if s.deps.MCPHealth != nil {
		body["mcp_servers"] = s.deps.MCPHealth.GetStatuses()
	}
	c.JSON(http.StatusOK, body)
}
