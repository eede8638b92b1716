package schemainfo

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
)

// Runner executes one read-only statement against Oracle and returns the
// parsed result. The Oracle backend adapter satisfies this by borrowing a
// pooled client process for the duration of the call.
type Runner interface {
	Run(ctx context.Context, sql string) (*mcp.TableResult, error)
}

// maxReferencedTables bounds how many foreign-key targets join discovery
// adds beyond the tables the question named.
const maxReferencedTables = 5

// reOracleIdent is the identifier shape Oracle accepts unquoted. Names the
// dictionary queries inline as literals must match it; anything else is
// dropped rather than interpolated.
var reOracleIdent = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_$#]*$`)

// OracleSource resolves schema metadata from the ALL_TAB_COLUMNS and
// ALL_CONSTRAINTS dictionary views, so it sees every table the connection's
// account can select from, not just the account's own.
type OracleSource struct {
	runner   Runner
	identity string
	logger   *slog.Logger
}

// NewOracleSource creates a source over the given runner. target names the
// database instance for cache keys, e.g. "prod-dwh".
func NewOracleSource(runner Runner, target string) *OracleSource {
	return &OracleSource{
		runner:   runner,
		identity: "oracle:" + target,
		logger:   slog.Default().With("component", "oracle_schema"),
	}
}

func (s *OracleSource) Identity() string { return s.identity }

// TableColumns looks the tables up in ALL_TAB_COLUMNS, first widening the
// set with foreign-key targets from ALL_CONSTRAINTS so the snapshot carries
// the tables a join would need even when the question never named them.
// Oracle folds unquoted identifiers to upper case, so lookups and result
// keys are upper.
func (s *OracleSource) TableColumns(ctx context.Context, tables []string) (map[string][]models.ColumnInfo, error) {
	names := make([]string, 0, len(tables))
	seen := make(map[string]bool)
	for _, table := range tables {
		if !reOracleIdent.MatchString(table) {
			continue
		}
		name := strings.ToUpper(table)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	out := make(map[string][]models.ColumnInfo)
	if len(names) == 0 {
		return out, nil
	}

	added := 0
	for _, ref := range s.referencedTables(ctx, names) {
		if added == maxReferencedTables {
			break
		}
		if !seen[ref] && reOracleIdent.MatchString(ref) {
			seen[ref] = true
			names = append(names, ref)
			added++
		}
	}

	query := fmt.Sprintf(
		"SELECT table_name, column_name, data_type, nullable FROM all_tab_columns WHERE table_name IN (%s) ORDER BY table_name, column_id",
		quoteList(names))
	result, err := s.runner.Run(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query all_tab_columns: %w", err)
	}

	for _, row := range result.Rows {
		if len(row) < 4 {
			continue
		}
		table := row[0]
		out[table] = append(out[table], models.ColumnInfo{
			Name:     row[1],
			Type:     row[2],
			Nullable: row[3] == "Y",
		})
	}
	return out, nil
}

// referencedTables finds the tables the given ones point at through foreign
// keys. Join discovery is best effort; a dictionary failure here only means
// a narrower snapshot.
func (s *OracleSource) referencedTables(ctx context.Context, names []string) []string {
	query := fmt.Sprintf(
		"SELECT DISTINCT rc.table_name FROM all_constraints c JOIN all_constraints rc ON rc.constraint_name = c.r_constraint_name AND rc.owner = c.r_owner WHERE c.constraint_type = 'R' AND c.table_name IN (%s)",
		quoteList(names))
	result, err := s.runner.Run(ctx, query)
	if err != nil {
		s.logger.Debug("Foreign key discovery failed", "error", err)
		return nil
	}
	refs := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) > 0 && row[0] != "" {
			refs = append(refs, row[0])
		}
	}
	return refs
}

// AllTables lists the selectable tables from ALL_TABLES, excluding the
// SYS/SYSTEM dictionary so the fallback snapshot is application schema only.
func (s *OracleSource) AllTables(ctx context.Context) ([]string, error) {
	const query = "SELECT table_name FROM all_tables WHERE owner NOT IN ('SYS', 'SYSTEM') ORDER BY table_name"
	result, err := s.runner.Run(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query all_tables: %w", err)
	}
	names := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) > 0 && row[0] != "" {
			names = append(names, row[0])
		}
	}
	return names, nil
}

func quoteList(names []string) string {
	quoted := make([]string, 0, len(names))
	for _, name := range names {
		quoted = append(quoted, "'"+name+"'")
	}
	return strings.Join(quoted, ", ")
}
