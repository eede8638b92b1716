package backend

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/queryweaver/queryweaver/pkg/dberr"
)

// startPostgres brings up a disposable PostgreSQL container. Skipped in
// short mode and wherever Docker is unavailable.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode: skipping container test")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("queryweaver"),
		tcpostgres.WithUsername("qw"),
		tcpostgres.WithPassword("qw"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Exec(ctx, `
		CREATE TABLE sales (region text NOT NULL, total numeric NOT NULL);
		INSERT INTO sales VALUES ('north', 100), ('north', 50), ('south', 70);
	`)
	require.NoError(t, err)
	return db
}

func TestPostgresAdapterExecutesSelect(t *testing.T) {
	db := startPostgres(t)
	adapter := NewPostgresAdapter(db, 10*time.Second)

	result, err := adapter.Execute(context.Background(),
		"SELECT region, SUM(total) AS total FROM sales GROUP BY region ORDER BY region", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "total"}, result.Columns)
	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, "north", result.Rows[0][0])
}

func TestPostgresAdapterRejectsWrites(t *testing.T) {
	db := startPostgres(t)
	adapter := NewPostgresAdapter(db, 10*time.Second)

	// The READ ONLY transaction refuses the write before it touches data.
	_, err := adapter.Execute(context.Background(), "DELETE FROM sales", "")
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(context.Background(), "SELECT count(*) FROM sales").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestPostgresAdapterNormalizesErrors(t *testing.T) {
	db := startPostgres(t)
	adapter := NewPostgresAdapter(db, 10*time.Second)

	_, err := adapter.Execute(context.Background(), "SELECT * FROM no_such_table", "")
	require.Error(t, err)

	var ne *dberr.NormalizedError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, dberr.CategoryInvalidTable, ne.Category)
	assert.NotEmpty(t, ne.UserMessage)
}
