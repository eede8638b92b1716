package schemainfo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// Querier is the slice of a pgx pool the source needs. *pgxpool.Pool
// satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource resolves schema metadata from information_schema, scoped to
// the connection's search_path.
type PostgresSource struct {
	db       Querier
	identity string
}

// NewPostgresSource creates a source over the given querier. target names
// the database for cache keys, e.g. "reporting".
func NewPostgresSource(db Querier, target string) *PostgresSource {
	return &PostgresSource{db: db, identity: "postgres:" + target}
}

func (s *PostgresSource) Identity() string { return s.identity }

// TableColumns looks the tables up in information_schema.columns. Postgres
// folds unquoted identifiers to lower case, so lookups and result keys are
// lower.
func (s *PostgresSource) TableColumns(ctx context.Context, tables []string) (map[string][]models.ColumnInfo, error) {
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, strings.ToLower(table))
	}
	out := make(map[string][]models.ColumnInfo)
	if len(names) == 0 {
		return out, nil
	}

	const query = `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ANY(current_schemas(false)) AND table_name = ANY($1)
		ORDER BY table_name, ordinal_position`
	rows, err := s.db.Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("query information_schema.columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		out[table] = append(out[table], models.ColumnInfo{
			Name:     column,
			Type:     dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read column rows: %w", err)
	}
	return out, nil
}

// AllTables lists the base tables on the search_path.
func (s *PostgresSource) AllTables(ctx context.Context) ([]string, error) {
	const query = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ANY(current_schemas(false)) AND table_type = 'BASE TABLE'
		ORDER BY table_name`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query information_schema.tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table rows: %w", err)
	}
	return names, nil
}
