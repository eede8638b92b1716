package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/queryweaver/queryweaver/pkg/degrade"
)

// HealthStatus captures the probe result for a single MCP server.
type HealthStatus struct {
	ServerID  string    `json:"server_id"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
}

// HealthMonitor probes each configured server with ListTools on an interval
// and mirrors the result into the degradation registry. A failing probe gets
// one session recreation before the server is marked unavailable.
type HealthMonitor struct {
	client   *Client
	degraded *degrade.Registry // nil disables degradation reporting

	checkInterval time.Duration
	probeTimeout  time.Duration

	statusesMu sync.RWMutex
	statuses   map[string]*HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHealthMonitor creates a monitor over the client's registry. degraded
// may be nil.
func NewHealthMonitor(client *Client, degraded *degrade.Registry) *HealthMonitor {
	return &HealthMonitor{
		client:        client,
		degraded:      degraded,
		checkInterval: HealthInterval,
		probeTimeout:  HealthProbeTimeout,
		statuses:      make(map[string]*HealthStatus),
		logger:        slog.Default(),
	}
}

// Start launches the background probe loop. Starting a running monitor is a
// no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	if m.degraded != nil {
		for _, serverID := range m.client.registry.ServerIDs() {
			m.degraded.Register(componentName(serverID), "queries routed through "+serverID)
		}
	}

	go m.loop(ctx)
}

// Stop shuts the monitor down and clears stale status so a later Start
// begins clean.
func (m *HealthMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done

	m.statusesMu.Lock()
	m.statuses = make(map[string]*HealthStatus)
	m.statusesMu.Unlock()

	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.checkAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	for _, serverID := range m.client.registry.ServerIDs() {
		m.checkServer(ctx, serverID)
	}
}

func (m *HealthMonitor) checkServer(ctx context.Context, serverID string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	tools, err := m.client.ListTools(probeCtx, serverID)
	cancel()
	if err == nil {
		m.setStatus(serverID, true, "", len(tools))
		return
	}

	m.logger.Debug("MCP health probe failed, recreating session",
		"server", serverID, "error", err)

	reconCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	reinitErr := m.client.recreateSession(reconCtx, serverID)
	cancel()
	if reinitErr != nil {
		m.setStatus(serverID, false, fmt.Sprintf("probe failed: %s", err), 0)
		return
	}

	retryCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	tools, err = m.client.ListTools(retryCtx, serverID)
	cancel()
	if err != nil {
		m.setStatus(serverID, false, fmt.Sprintf("probe failed after session recreation: %s", err), 0)
		return
	}
	m.setStatus(serverID, true, "", len(tools))
}

func (m *HealthMonitor) setStatus(serverID string, healthy bool, errMsg string, toolCount int) {
	m.statusesMu.Lock()
	previous, existed := m.statuses[serverID]
	m.statuses[serverID] = &HealthStatus{
		ServerID:  serverID,
		Healthy:   healthy,
		LastCheck: time.Now(),
		Error:     errMsg,
		ToolCount: toolCount,
	}
	m.statusesMu.Unlock()

	if !healthy && (!existed || previous.Healthy) {
		m.logger.Warn("MCP server unhealthy", "server", serverID, "error", errMsg)
	}

	if m.degraded == nil {
		return
	}
	if healthy {
		m.degraded.Update(componentName(serverID), degrade.StatusOperational, "", false)
	} else {
		m.degraded.Update(componentName(serverID), degrade.StatusUnavailable, errMsg, false)
	}
}

// GetStatuses returns a copy of the current per-server probe results.
func (m *HealthMonitor) GetStatuses() map[string]HealthStatus {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	result := make(map[string]HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		result[k] = *v
	}
	return result
}

// IsHealthy reports whether every monitored server passed its last probe.
// False before the first probe completes.
func (m *HealthMonitor) IsHealthy() bool {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	if len(m.statuses) == 0 {
		return false
	}
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// componentName maps a server id to its degradation registry component.
// The Doris proxy registers under the name the feature map binds to.
func componentName(serverID string) string {
	if serverID == "doris" {
		return "doris_mcp"
	}
	return "mcp_" + serverID
}
