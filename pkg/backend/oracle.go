// Package backend routes validated SQL to the correct execution backend
// (Oracle via the client-process pool, Doris via the MCP proxy, PostgreSQL
// via pgx) and returns a uniform result envelope. Backend failures come
// back normalized through the shared error taxonomy.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/pool"
)

// Adapter executes one statement against a single backend.
type Adapter interface {
	Execute(ctx context.Context, sql, connection string) (*models.ExecutionResult, error)
}

// OracleAdapter executes through a pooled bridge client process. Each
// process holds a long-lived Oracle session; the lease scope guarantees the
// process returns to the pool exactly once.
type OracleAdapter struct {
	pool           *pool.Pool
	acquireTimeout time.Duration
}

// NewOracleAdapter creates an adapter over the client-process pool.
func NewOracleAdapter(p *pool.Pool, acquireTimeout time.Duration) *OracleAdapter {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	return &OracleAdapter{pool: p, acquireTimeout: acquireTimeout}
}

// bridgeResult is the JSON envelope the bridge binary prints for a
// successful execute_sql call.
type bridgeResult struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
}

// Execute acquires a pooled client and runs the statement. Errors count
// toward the process's recycle threshold via the lease.
func (a *OracleAdapter) Execute(ctx context.Context, sql, _ string) (*models.ExecutionResult, error) {
	lease, err := a.pool.Acquire(ctx, a.acquireTimeout)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	text, err := lease.Client().ExecuteSQL(ctx, sql)
	if err != nil {
		ne := dberr.FromOracle(err.Error(), err)
		lease.Release(ne)
		return nil, ne
	}
	lease.Release(nil)

	var parsed bridgeResult
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, dberr.New(dberr.CategoryUnknown, "",
			fmt.Sprintf("malformed bridge response: %v", err), err)
	}

	result := &models.ExecutionResult{
		Columns:         parsed.Columns,
		Rows:            parsed.Rows,
		RowCount:        parsed.RowCount,
		ExecutionTimeMs: parsed.ExecutionTimeMS,
	}
	if result.RowCount == 0 {
		result.RowCount = len(result.Rows)
	}
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = time.Since(started).Milliseconds()
	}
	return result, nil
}

// Run executes a dictionary statement and returns the parsed table. This is
// the schema-resolver path; it borrows a pooled process the same way
// Execute does.
func (a *OracleAdapter) Run(ctx context.Context, sql string) (*mcp.TableResult, error) {
	result, err := a.Execute(ctx, sql, "")
	if err != nil {
		return nil, err
	}
	rows := make([][]string, len(result.Rows))
	for i, row := range result.Rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			if cell == nil {
				continue
			}
			cells[j] = fmt.Sprint(cell)
		}
		rows[i] = cells
	}
	return &mcp.TableResult{
		Columns:         result.Columns,
		Rows:            rows,
		RowCount:        result.RowCount,
		ExecutionTimeMS: result.ExecutionTimeMs,
	}, nil
}

var _ Adapter = (*OracleAdapter)(nil)
