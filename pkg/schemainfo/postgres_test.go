package schemainfo

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/test/util"
)

var _ Querier = (*pgxpool.Pool)(nil)

func TestPostgresSource(t *testing.T) {
	pool := util.SetupTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE orders (
			id bigint NOT NULL,
			customer_id bigint NOT NULL,
			total numeric,
			placed_at timestamptz NOT NULL
		)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `CREATE TABLE payments (id bigint NOT NULL, amount numeric)`)
	require.NoError(t, err)

	src := NewPostgresSource(pool, "reporting")
	assert.Equal(t, "postgres:reporting", src.Identity())

	t.Run("table columns", func(t *testing.T) {
		out, err := src.TableColumns(ctx, []string{"ORDERS", "ghost"})
		require.NoError(t, err)

		require.Len(t, out, 1)
		assert.Equal(t, []models.ColumnInfo{
			{Name: "id", Type: "bigint"},
			{Name: "customer_id", Type: "bigint"},
			{Name: "total", Type: "numeric", Nullable: true},
			{Name: "placed_at", Type: "timestamp with time zone"},
		}, out["orders"])
	})

	t.Run("all tables", func(t *testing.T) {
		names, err := src.AllTables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"orders", "payments"}, names)
	})

	t.Run("empty request", func(t *testing.T) {
		out, err := src.TableColumns(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
