package schemainfo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
)

type runnerStep struct {
	result *mcp.TableResult
	err    error
}

type fakeRunner struct {
	steps []runnerStep
	sqls  []string
}

func (f *fakeRunner) Run(ctx context.Context, sql string) (*mcp.TableResult, error) {
	f.sqls = append(f.sqls, sql)
	if len(f.steps) == 0 {
		return &mcp.TableResult{}, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.result, nil
}

func TestOracleSourceTableColumns(t *testing.T) {
	runner := &fakeRunner{steps: []runnerStep{
		// Foreign key discovery finds a join target.
		{result: &mcp.TableResult{Rows: [][]string{{"CUSTOMERS"}}}},
		{result: &mcp.TableResult{Rows: [][]string{
			{"CUSTOMERS", "ID", "NUMBER", "N"},
			{"ORDERS", "ID", "NUMBER", "N"},
			{"ORDERS", "TOTAL", "NUMBER", "Y"},
			{"PAYMENTS", "ID", "NUMBER", "N"},
		}}},
	}}
	src := NewOracleSource(runner, "prod-dwh")
	assert.Equal(t, "oracle:prod-dwh", src.Identity())

	out, err := src.TableColumns(context.Background(), []string{"orders", "payments", "bad;name"})
	require.NoError(t, err)

	require.Len(t, runner.sqls, 2)
	assert.Contains(t, runner.sqls[0], "all_constraints")
	assert.Contains(t, runner.sqls[0], "IN ('ORDERS', 'PAYMENTS')")
	assert.NotContains(t, runner.sqls[0], "bad")
	assert.Contains(t, runner.sqls[1], "all_tab_columns")
	assert.Contains(t, runner.sqls[1], "IN ('ORDERS', 'PAYMENTS', 'CUSTOMERS')")

	require.Len(t, out, 3)
	assert.Equal(t, []models.ColumnInfo{
		{Name: "ID", Type: "NUMBER"},
		{Name: "TOTAL", Type: "NUMBER", Nullable: true},
	}, out["ORDERS"])
	assert.Len(t, out["CUSTOMERS"], 1)
}

func TestOracleSourceJoinDiscoveryBestEffort(t *testing.T) {
	runner := &fakeRunner{steps: []runnerStep{
		{err: errors.New("ORA-00942: table or view does not exist")},
		{result: &mcp.TableResult{Rows: [][]string{{"ORDERS", "ID", "NUMBER", "N"}}}},
	}}
	src := NewOracleSource(runner, "prod-dwh")

	out, err := src.TableColumns(context.Background(), []string{"orders"})
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Contains(t, runner.sqls[1], "IN ('ORDERS')")
}

func TestOracleSourceSkipsUnsafeNames(t *testing.T) {
	runner := &fakeRunner{}
	src := NewOracleSource(runner, "prod-dwh")

	out, err := src.TableColumns(context.Background(), []string{"1orders", "x'y", ""})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, runner.sqls, "no dictionary query for unusable names")
}

func TestOracleSourceAllTables(t *testing.T) {
	runner := &fakeRunner{steps: []runnerStep{
		{result: &mcp.TableResult{Rows: [][]string{{"CUSTOMERS"}, {"ORDERS"}}}},
	}}
	src := NewOracleSource(runner, "prod-dwh")

	names, err := src.AllTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"CUSTOMERS", "ORDERS"}, names)
	assert.Contains(t, runner.sqls[0], "all_tables")
	assert.Contains(t, runner.sqls[0], "NOT IN ('SYS', 'SYSTEM')")
}

func TestOracleSourceRunError(t *testing.T) {
	runner := &fakeRunner{steps: []runnerStep{
		{result: &mcp.TableResult{}},
		{err: errors.New("ORA-03113: end-of-file on communication channel")},
	}}
	src := NewOracleSource(runner, "prod-dwh")

	_, err := src.TableColumns(context.Background(), []string{"orders"})
	assert.ErrorContains(t, err, "ORA-03113")

	runner.steps = []runnerStep{{err: errors.New("ORA-03113: end-of-file on communication channel")}}
	_, err = src.AllTables(context.Background())
	assert.ErrorContains(t, err, "ORA-03113")
}
