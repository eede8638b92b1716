// Package mcp provides MCP (Model Context Protocol) client infrastructure:
// session management for the Doris query proxy and the stdio client
// processes the Oracle pool spawns.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/queryweaver/queryweaver/pkg/version"
)

// Registry holds the configured MCP servers by id.
type Registry struct {
	servers map[string]ServerConfig
}

// NewRegistry creates a registry from configured servers. A nil map yields
// an empty registry.
func NewRegistry(servers map[string]ServerConfig) *Registry {
	if servers == nil {
		servers = make(map[string]ServerConfig)
	}
	return &Registry{servers: servers}
}

// Get returns the config for a server id.
func (r *Registry) Get(serverID string) (ServerConfig, error) {
	cfg, ok := r.servers[serverID]
	if !ok {
		return ServerConfig{}, fmt.Errorf("MCP server %q is not configured", serverID)
	}
	return cfg, nil
}

// ServerIDs returns the configured server ids in stable order.
func (r *Registry) ServerIDs() []string {
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Client manages MCP SDK sessions for the configured servers.
// Thread-safe: sessions may be used from concurrent query pipelines.
type Client struct {
	registry *Registry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession
	failedServers map[string]string // serverID → last init error

	// Per-server mutex so concurrent failures trigger one recreation, not a
	// thundering herd.
	reinitMu sync.Map // serverID → *sync.Mutex

	logger *slog.Logger
}

// NewClient creates a Client over the registry. Call Initialize to connect.
func NewClient(registry *Registry) *Client {
	return &Client{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		logger:        slog.Default(),
	}
}

// Initialize connects to the given servers. Servers that fail to connect are
// recorded in FailedServers rather than aborting the rest; the caller decides
// whether partial connectivity is acceptable (startup marks failed servers
// unavailable in the degradation registry and continues).
func (c *Client) Initialize(ctx context.Context, serverIDs []string) {
	for _, serverID := range serverIDs {
		if err := c.InitializeServer(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failedServers[serverID] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("MCP server failed to initialize",
				"server", serverID, "error", err)
		}
	}
}

// InitializeServer connects to a single server. Returns nil if already
// connected. Serialized per server so concurrent callers cannot double-dial.
func (c *Client) InitializeServer(ctx context.Context, serverID string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return c.initializeServerLocked(ctx, serverID)
}

// initializeServerLocked performs the actual connection. Caller must hold
// the per-server reinit mutex.
func (c *Client) initializeServerLocked(ctx context.Context, serverID string) error {
	c.mu.RLock()
	if _, exists := c.sessions[serverID]; exists {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return err
	}

	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it holds resources (stdio child processes)
		// that the SDK did not reap on this failure path.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failedServers, serverID)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverID)
	return nil
}

// ListTools returns the tool list from a server. Doubles as the health
// probe, so every call hits the server.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	return result.Tools, nil
}

// CallTool executes a tool on the given server. On a transport-level failure
// it recreates the session and retries once after a jittered backoff; tool
// results with IsError set are returned as-is for the caller to interpret.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	c.logger.Info("MCP call failed, retrying",
		"server", serverID, "tool", toolName, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, serverID); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", serverID, err)
		}
	}

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// recreateSession tears down and redials one server. If two goroutines race
// in here the second tears down a freshly recreated session and dials again;
// the cost is one extra dial, which keeps the locking simple.
func (c *Client) recreateSession(ctx context.Context, serverID string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, exists := c.sessions[serverID]; exists {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.initializeServerLocked(reinitCtx, serverID)
}

// Close shuts down all sessions and their transports.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.failedServers = make(map[string]string)
	return firstErr
}

// HasSession checks if a server has an active session.
func (c *Client) HasSession(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.sessions[serverID]
	return exists
}

// FailedServers returns the servers that failed to initialize and their
// last errors.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		result[k] = v
	}
	return result
}

// ExtractText concatenates the text content items of a tool result.
// Non-text content is skipped.
func ExtractText(result *mcpsdk.CallToolResult) string {
	var text string
	for _, item := range result.Content {
		tc, ok := item.(*mcpsdk.TextContent)
		if !ok {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += tc.Text
	}
	return text
}
