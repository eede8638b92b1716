package backend

import (
	"context"

	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
)

// DorisExecutor is the slice of the Doris proxy the adapter needs.
type DorisExecutor interface {
	ExecQuery(ctx context.Context, sql string) (*mcp.TableResult, error)
}

// DorisAdapter executes through the Doris MCP proxy. The proxy already
// normalizes the {data, metadata.columns} envelope into all-string cells;
// the adapter lifts it into the uniform result shape.
type DorisAdapter struct {
	proxy DorisExecutor
}

// NewDorisAdapter creates an adapter over the Doris proxy.
func NewDorisAdapter(proxy DorisExecutor) *DorisAdapter {
	return &DorisAdapter{proxy: proxy}
}

// Execute runs the statement through the proxy's exec_query tool.
func (a *DorisAdapter) Execute(ctx context.Context, sql, _ string) (*models.ExecutionResult, error) {
	table, err := a.proxy.ExecQuery(ctx, sql)
	if err != nil {
		return nil, err
	}

	rows := make([][]any, len(table.Rows))
	for i, r := range table.Rows {
		row := make([]any, len(r))
		for j, cell := range r {
			row[j] = cell
		}
		rows[i] = row
	}

	return &models.ExecutionResult{
		Columns:         table.Columns,
		Rows:            rows,
		RowCount:        table.RowCount,
		ExecutionTimeMs: table.ExecutionTimeMS,
	}, nil
}

var _ Adapter = (*DorisAdapter)(nil)
