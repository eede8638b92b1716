package pool

import (
	"context"

	"github.com/queryweaver/queryweaver/pkg/mcp"
)

// The spawned bridge process is the production pool client.
var _ Client = (*mcp.ClientProcess)(nil)

// ProcessFactory builds the production factory: every pool slot spawns the
// configured bridge binary and waits for its MCP handshake.
func ProcessFactory(cfg mcp.ProcessConfig) Factory {
	return func(ctx context.Context, id string) (Client, error) {
		return mcp.StartClientProcess(ctx, id, cfg)
	}
}
