package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/models"
)

func newTestProxy(t *testing.T, tools map[string]mcpsdk.ToolHandler) *DorisProxy {
	t.Helper()
	client := newConnectedClient(t, NewRegistry(nil), "doris", tools)
	return NewDorisProxy(client, "doris", "analytics")
}

func TestDorisProxyListTables(t *testing.T) {
	proxy := newTestProxy(t, map[string]mcpsdk.ToolHandler{
		"get_db_table_list": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			require.NoError(t, json.Unmarshal(req.Params.Arguments, &args))
			assert.Equal(t, "analytics", args["db"])
			return textResult(`{"tables": ["orders", "users"]}`, false), nil
		},
	})

	tables, err := proxy.ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, tables)
}

func TestParseTableList(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"wrapped", `{"tables": ["a", "b"]}`, []string{"a", "b"}},
		{"bare array", `["a", "b"]`, []string{"a", "b"}},
		{"newline text", "orders\nusers\n", []string{"orders", "users"}},
		{"blank lines skipped", "orders\n\n  \nusers", []string{"orders", "users"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTableList(tt.text))
		})
	}
}

func TestDorisProxyTableSchema(t *testing.T) {
	proxy := newTestProxy(t, map[string]mcpsdk.ToolHandler{
		"get_table_schema": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			require.NoError(t, json.Unmarshal(req.Params.Arguments, &args))
			assert.Equal(t, "orders", args["table"])
			return textResult(`{"columns": [
				{"name": "id", "type": "bigint", "nullable": false},
				{"column_name": "email", "data_type": "varchar(128)", "is_nullable": "YES"}
			]}`, false), nil
		},
	})

	cols, err := proxy.TableSchema(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, []models.ColumnInfo{
		{Name: "id", Type: "bigint", Nullable: false},
		{Name: "email", Type: "varchar(128)", Nullable: true},
	}, cols)
}

func TestDorisProxyExecQuery(t *testing.T) {
	proxy := newTestProxy(t, map[string]mcpsdk.ToolHandler{
		"exec_query": echoTool(`{
			"data": [[1, "alice", null], [20000000000, "bob", true]],
			"metadata": {
				"columns": [{"name": "id"}, "name", {"column_name": "active"}],
				"execution_time_ms": 42
			}
		}`),
	})

	result, err := proxy.ExecQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "active"}, result.Columns)
	assert.Equal(t, [][]string{
		{"1", "alice", ""},
		{"20000000000", "bob", "true"},
	}, result.Rows)
	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, int64(42), result.ExecutionTimeMS)
}

func TestParseTableResultObjectRows(t *testing.T) {
	result, err := parseTableResult(`{
		"data": [{"total": 3.50, "region": "EMEA"}, {"total": 7, "region": "APAC"}],
		"metadata": {}
	}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "total"}, result.Columns)
	assert.Equal(t, [][]string{
		{"EMEA", "3.50"},
		{"APAC", "7"},
	}, result.Rows)
	assert.Equal(t, 2, result.RowCount)
}

func TestParseTableResultEmpty(t *testing.T) {
	result, err := parseTableResult(`{"data": [], "metadata": {"columns": ["n"]}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, result.Columns)
	assert.Empty(t, result.Rows)
	assert.Equal(t, 0, result.RowCount)
}

func TestParseTableResultRejectsGarbage(t *testing.T) {
	_, err := parseTableResult("OK")
	require.Error(t, err)
}

func TestDorisProxyNormalizesToolErrors(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		wantCategory dberr.Category
		wantCode     string
	}{
		{
			name:         "mysql client text",
			payload:      "ERROR 1064 (42000): syntax error near 'FRMO'",
			wantCategory: dberr.CategorySyntax,
			wantCode:     "1064",
		},
		{
			name:         "json envelope",
			payload:      `{"code": 1146, "message": "Table analytics.missing does not exist"}`,
			wantCategory: dberr.CategoryInvalidTable,
			wantCode:     "1146",
		},
		{
			name:         "codeless text",
			payload:      "proxy exploded",
			wantCategory: dberr.CategoryUnknown,
			wantCode:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := newTestProxy(t, map[string]mcpsdk.ToolHandler{
				"exec_query": echoToolError(tt.payload),
			})

			_, err := proxy.ExecQuery(context.Background(), "SELECT 1")
			require.Error(t, err)

			var ne *dberr.NormalizedError
			require.True(t, errors.As(err, &ne))
			assert.Equal(t, tt.wantCategory, ne.Category)
			assert.Equal(t, tt.wantCode, ne.ErrorCode)
		})
	}
}

func TestRenderCell(t *testing.T) {
	assert.Equal(t, "", renderCell(nil))
	assert.Equal(t, "text", renderCell("text"))
	assert.Equal(t, "12345678901234567890", renderCell(json.Number("12345678901234567890")))
	assert.Equal(t, "false", renderCell(false))
	assert.Equal(t, `{"k":"v"}`, renderCell(map[string]any{"k": "v"}))
}
