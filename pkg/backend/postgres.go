package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/models"
)

// PGQuerier is the slice of pgxpool the adapter needs, extracted so tests
// can stand in a fake.
type PGQuerier interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresAdapter executes through a pgx pool inside a read-only
// transaction with a statement timeout.
type PostgresAdapter struct {
	db          PGQuerier
	stmtTimeout time.Duration
}

// NewPostgresAdapter creates an adapter over a pgx pool.
func NewPostgresAdapter(db *pgxpool.Pool, stmtTimeout time.Duration) *PostgresAdapter {
	return newPostgresAdapter(db, stmtTimeout)
}

func newPostgresAdapter(db PGQuerier, stmtTimeout time.Duration) *PostgresAdapter {
	if stmtTimeout <= 0 {
		stmtTimeout = 30 * time.Second
	}
	return &PostgresAdapter{db: db, stmtTimeout: stmtTimeout}
}

// Execute runs the statement in a READ ONLY transaction. The transaction is
// always rolled back; reads have nothing to commit.
func (a *PostgresAdapter) Execute(ctx context.Context, sql, _ string) (*models.ExecutionResult, error) {
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, dberr.FromPostgres(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", a.stmtTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return nil, dberr.FromPostgres(err)
	}

	started := time.Now()
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, dberr.FromPostgres(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var data [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, dberr.FromPostgres(err)
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.FromPostgres(err)
	}

	return &models.ExecutionResult{
		Columns:         columns,
		Rows:            data,
		RowCount:        len(data),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

var _ Adapter = (*PostgresAdapter)(nil)
