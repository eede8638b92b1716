package schemainfo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/models"
)

// Catalog is the slice of the Doris MCP proxy the source needs.
// mcp.DorisProxy satisfies it.
type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) ([]models.ColumnInfo, error)
}

// DorisSource resolves schema metadata through the MCP proxy's catalog
// tools. The proxy exposes one database per server config, so the source
// never qualifies names.
type DorisSource struct {
	catalog  Catalog
	identity string
}

// NewDorisSource creates a source over the given catalog. target names the
// proxied database for cache keys, e.g. "analytics".
func NewDorisSource(catalog Catalog, target string) *DorisSource {
	return &DorisSource{catalog: catalog, identity: "doris:" + target}
}

func (s *DorisSource) Identity() string { return s.identity }

// TableColumns fetches each table's schema through the proxy. Doris stores
// table names lower case, so lookups and result keys are lower. A table the
// proxy reports as unknown is absent from the result; any other proxy error
// aborts the whole fetch.
func (s *DorisSource) TableColumns(ctx context.Context, tables []string) (map[string][]models.ColumnInfo, error) {
	out := make(map[string][]models.ColumnInfo)
	for _, table := range tables {
		name := strings.ToLower(table)
		cols, err := s.catalog.TableSchema(ctx, name)
		if err != nil {
			var norm *dberr.NormalizedError
			if errors.As(err, &norm) && norm.Category == dberr.CategoryInvalidTable {
				continue
			}
			return nil, fmt.Errorf("fetch schema for %s: %w", name, err)
		}
		out[name] = cols
	}
	return out, nil
}

// AllTables lists the proxied database's tables.
func (s *DorisSource) AllTables(ctx context.Context) ([]string, error) {
	return s.catalog.ListTables(ctx)
}
