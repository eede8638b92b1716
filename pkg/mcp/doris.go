package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/models"
)

// Doris proxy tool names.
const (
	dorisToolTableSchema = "get_table_schema"
	dorisToolTableList   = "get_db_table_list"
	dorisToolExecQuery   = "exec_query"
)

// reDorisErrCode extracts the MySQL-protocol vendor code from a textual
// Doris error ("ERROR 1064 (42000): ...").
var reDorisErrCode = regexp.MustCompile(`\bERROR\s+(\d{4})\b`)

// TableResult is a normalized tabular tool response. Columns is always a
// list of strings and every cell is rendered as a string; type information
// does not survive the proxy.
type TableResult struct {
	Columns         []string   `json:"columns"`
	Rows            [][]string `json:"rows"`
	RowCount        int        `json:"row_count"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
}

// DorisProxy is a typed facade over the Doris MCP server: schema discovery
// for the resolver and query execution for the backend adapter. Tool errors
// are normalized through the shared taxonomy.
type DorisProxy struct {
	client   *Client
	serverID string
	database string
}

// NewDorisProxy creates a proxy bound to one configured server and default
// database.
func NewDorisProxy(client *Client, serverID, database string) *DorisProxy {
	return &DorisProxy{client: client, serverID: serverID, database: database}
}

// ServerID returns the MCP server id this proxy talks to.
func (p *DorisProxy) ServerID() string {
	return p.serverID
}

// ListTables returns the table names of the proxy's database.
func (p *DorisProxy) ListTables(ctx context.Context) ([]string, error) {
	text, err := p.call(ctx, dorisToolTableList, map[string]any{"db": p.database})
	if err != nil {
		return nil, err
	}
	return parseTableList(text), nil
}

// TableSchema returns the column list for one table.
func (p *DorisProxy) TableSchema(ctx context.Context, table string) ([]models.ColumnInfo, error) {
	text, err := p.call(ctx, dorisToolTableSchema, map[string]any{"db": p.database, "table": table})
	if err != nil {
		return nil, err
	}
	cols, err := parseColumns(text)
	if err != nil {
		return nil, fmt.Errorf("parse schema for table %s: %w", table, err)
	}
	return cols, nil
}

// ExecQuery runs SQL through the proxy and normalizes the response envelope.
func (p *DorisProxy) ExecQuery(ctx context.Context, sql string) (*TableResult, error) {
	text, err := p.call(ctx, dorisToolExecQuery, map[string]any{"sql": sql, "db": p.database})
	if err != nil {
		return nil, err
	}
	result, err := parseTableResult(text)
	if err != nil {
		return nil, fmt.Errorf("parse query response: %w", err)
	}
	return result, nil
}

// call runs one tool and returns its text payload. Transport failures and
// tool-reported errors both come back as normalized errors.
func (p *DorisProxy) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	result, err := p.client.CallTool(ctx, p.serverID, tool, args)
	if err != nil {
		return "", dberr.FromTransport(err)
	}
	text := ExtractText(result)
	if result.IsError {
		return "", dorisToolError(text)
	}
	return text, nil
}

// dorisToolError maps a tool-reported failure to a normalized error. The
// proxy reports errors either as a JSON {code, message} object or as MySQL
// client text with an embedded vendor code.
func dorisToolError(text string) *dberr.NormalizedError {
	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err == nil && envelope.Code != 0 {
		msg := envelope.Message
		if msg == "" {
			msg = text
		}
		return dberr.FromDoris(envelope.Code, msg, nil)
	}
	if m := reDorisErrCode.FindStringSubmatch(text); m != nil {
		code, _ := strconv.Atoi(m[1])
		return dberr.FromDoris(code, text, nil)
	}
	return dberr.FromDoris(0, text, nil)
}

// parseTableList accepts {"tables": [...]}, a bare JSON array, or plain
// newline-separated text.
func parseTableList(text string) []string {
	var wrapped struct {
		Tables []string `json:"tables"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Tables != nil {
		return wrapped.Tables
	}
	var bare []string
	if err := json.Unmarshal([]byte(text), &bare); err == nil {
		return bare
	}
	var tables []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tables = append(tables, line)
		}
	}
	return tables
}

// dorisColumn tolerates both the proxy's field names and information-schema
// style names.
type dorisColumn struct {
	Name       string `json:"name"`
	ColumnName string `json:"column_name"`
	Type       string `json:"type"`
	DataType   string `json:"data_type"`
	Nullable   any    `json:"nullable"`
	IsNullable string `json:"is_nullable"`
}

func (c dorisColumn) toColumnInfo() models.ColumnInfo {
	info := models.ColumnInfo{Name: c.Name, Type: c.Type}
	if info.Name == "" {
		info.Name = c.ColumnName
	}
	if info.Type == "" {
		info.Type = c.DataType
	}
	switch v := c.Nullable.(type) {
	case bool:
		info.Nullable = v
	case string:
		info.Nullable = strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
	default:
		info.Nullable = strings.EqualFold(c.IsNullable, "yes")
	}
	return info
}

// parseColumns accepts {"columns": [...]} or a bare array of column objects.
func parseColumns(text string) ([]models.ColumnInfo, error) {
	var wrapped struct {
		Columns []dorisColumn `json:"columns"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Columns != nil {
		return toColumnInfos(wrapped.Columns), nil
	}
	var bare []dorisColumn
	if err := json.Unmarshal([]byte(text), &bare); err != nil {
		return nil, fmt.Errorf("unrecognized schema payload: %w", err)
	}
	return toColumnInfos(bare), nil
}

func toColumnInfos(cols []dorisColumn) []models.ColumnInfo {
	infos := make([]models.ColumnInfo, len(cols))
	for i, c := range cols {
		infos[i] = c.toColumnInfo()
	}
	return infos
}

// parseTableResult normalizes the proxy's {data, metadata.columns} envelope.
// Rows arrive either as arrays (positional) or as objects keyed by column
// name; when no column metadata is present, the first object row supplies
// the column set.
func parseTableResult(text string) (*TableResult, error) {
	var envelope struct {
		Data     []json.RawMessage `json:"data"`
		Metadata struct {
			Columns         []json.RawMessage `json:"columns"`
			ExecutionTimeMS int64             `json:"execution_time_ms"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, fmt.Errorf("unrecognized query payload: %w", err)
	}

	result := &TableResult{ExecutionTimeMS: envelope.Metadata.ExecutionTimeMS}
	for _, raw := range envelope.Metadata.Columns {
		result.Columns = append(result.Columns, columnName(raw))
	}

	for _, raw := range envelope.Data {
		row, cols, err := parseRow(raw, result.Columns)
		if err != nil {
			return nil, err
		}
		if result.Columns == nil {
			result.Columns = cols
		}
		result.Rows = append(result.Rows, row)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// columnName accepts a bare string or an object carrying a name field.
func columnName(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name       string `json:"name"`
		ColumnName string `json:"column_name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Name != "" {
			return obj.Name
		}
		return obj.ColumnName
	}
	return string(raw)
}

// parseRow renders one data row as strings. For object rows it also returns
// the column order derived from the row when none was known yet.
func parseRow(raw json.RawMessage, columns []string) (row []string, derived []string, err error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var asArray []any
	if err := dec.Decode(&asArray); err == nil {
		row = make([]string, len(asArray))
		for i, v := range asArray {
			row[i] = renderCell(v)
		}
		return row, nil, nil
	}

	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var asObject map[string]any
	if err := dec.Decode(&asObject); err != nil {
		return nil, nil, fmt.Errorf("unrecognized row shape: %s", string(raw))
	}

	if columns == nil {
		derived = make([]string, 0, len(asObject))
		for name := range asObject {
			derived = append(derived, name)
		}
		// Object keys have no inherent order; keep them stable across rows.
		sort.Strings(derived)
		columns = derived
	}
	row = make([]string, len(columns))
	for i, name := range columns {
		row[i] = renderCell(asObject[name])
	}
	return row, derived, nil
}

// renderCell stringifies one cell. Numbers keep their wire text via
// json.Number; null becomes the empty string.
func renderCell(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.Number:
		return c.String()
	case bool:
		return strconv.FormatBool(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	}
}
