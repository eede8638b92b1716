package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/queryweaver/queryweaver/pkg/version"
)

// Client process tool names. The bridge binary exposes these over stdio.
const (
	processToolExecute = "execute_sql"
	processToolPing    = "ping"
)

// ProcessConfig describes the bridge binary a client process runs.
type ProcessConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// ConnectTimeout bounds spawn + handshake. Zero means InitTimeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// ClientProcess is one spawned bridge process speaking MCP over stdio. The
// pool owns the lifecycle: a process serves queries until recycled, and is
// never shared between concurrent queries.
type ClientProcess struct {
	id      string
	session *mcpsdk.ClientSession
}

// StartClientProcess spawns the bridge and performs the MCP handshake.
// The returned process holds the child until Close.
func StartClientProcess(ctx context.Context, id string, cfg ProcessConfig) (*ClientProcess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("client process requires command")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = InitTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := &mcpsdk.CommandTransport{Command: buildCommand(TransportConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
	})}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("start client process %s: %w", id, err)
	}
	return &ClientProcess{id: id, session: session}, nil
}

// ID returns the pool-assigned process id.
func (p *ClientProcess) ID() string {
	return p.id
}

// ExecuteSQL runs one statement through the bridge and returns the raw text
// payload. A tool-reported failure keeps the bridge's full error text (the
// backend adapter extracts the vendor code from it).
func (p *ClientProcess) ExecuteSQL(ctx context.Context, sql string) (string, error) {
	result, err := p.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      processToolExecute,
		Arguments: map[string]any{"sql": sql},
	})
	if err != nil {
		return "", fmt.Errorf("execute on client %s: %w", p.id, err)
	}
	text := ExtractText(result)
	if result.IsError {
		return "", fmt.Errorf("client %s: %s", p.id, text)
	}
	return text, nil
}

// Ping checks the bridge is alive and its backend session usable.
func (p *ClientProcess) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()

	result, err := p.session.CallTool(probeCtx, &mcpsdk.CallToolParams{
		Name:      processToolPing,
		Arguments: map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("ping client %s: %w", p.id, err)
	}
	if result.IsError {
		return fmt.Errorf("ping client %s: %s", p.id, ExtractText(result))
	}
	return nil
}

// Close shuts down the session and reaps the child process.
func (p *ClientProcess) Close() error {
	return p.session.Close()
}
