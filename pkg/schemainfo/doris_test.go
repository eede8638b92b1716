package schemainfo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
)

// The MCP proxy is the production catalog.
var _ Catalog = (*mcp.DorisProxy)(nil)

type fakeCatalog struct {
	schemas map[string][]models.ColumnInfo
	listing []string
	listErr error
	failOn  string
	calls   []string
}

func (f *fakeCatalog) TableSchema(ctx context.Context, table string) ([]models.ColumnInfo, error) {
	f.calls = append(f.calls, table)
	if table == f.failOn {
		return nil, dberr.New(dberr.CategoryConnection, "", "proxy connection lost", nil)
	}
	cols, ok := f.schemas[table]
	if !ok {
		return nil, dberr.New(dberr.CategoryInvalidTable, "1146", "Table 'analytics."+table+"' doesn't exist", nil)
	}
	return cols, nil
}

func (f *fakeCatalog) ListTables(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listing, nil
}

func TestDorisSourceTableColumns(t *testing.T) {
	catalog := &fakeCatalog{schemas: map[string][]models.ColumnInfo{
		"orders": {{Name: "id", Type: "BIGINT"}, {Name: "total", Type: "DECIMAL(10,2)", Nullable: true}},
	}}
	src := NewDorisSource(catalog, "analytics")
	assert.Equal(t, "doris:analytics", src.Identity())

	out, err := src.TableColumns(context.Background(), []string{"ORDERS", "ghost"})
	require.NoError(t, err)

	// Names fold to lower case before they reach the proxy, and unknown
	// tables are skipped rather than failing the fetch.
	assert.Equal(t, []string{"orders", "ghost"}, catalog.calls)
	require.Len(t, out, 1)
	assert.Len(t, out["orders"], 2)
}

func TestDorisSourceProxyErrorAborts(t *testing.T) {
	catalog := &fakeCatalog{failOn: "orders"}
	src := NewDorisSource(catalog, "analytics")

	_, err := src.TableColumns(context.Background(), []string{"orders"})
	require.Error(t, err)

	var norm *dberr.NormalizedError
	require.ErrorAs(t, err, &norm)
	assert.Equal(t, dberr.CategoryConnection, norm.Category)
}

func TestDorisSourceAllTables(t *testing.T) {
	catalog := &fakeCatalog{listing: []string{"orders", "payments"}}
	src := NewDorisSource(catalog, "analytics")

	names, err := src.AllTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments"}, names)

	catalog.listErr = errors.New("proxy down")
	_, err = src.AllTables(context.Background())
	assert.ErrorContains(t, err, "proxy down")
}
