// Package util provides test utilities and helper functions for database
// testing. A single PostgreSQL testcontainer is shared by every test in the
// process; each test gets its own schema for isolation.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool returns a pgx pool whose search_path points at a schema
// created just for this test. The backing container is started once per
// process and the schema is dropped when the test finishes. Skipped in short
// mode and wherever Docker is unavailable.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	admin, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, addSearchPathToConnString(connStr, schemaName))
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, err := admin.Exec(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schemaName, err)
		}
		admin.Close()
	})

	return pool
}

// getOrCreateSharedDatabase returns a connection string to the shared
// database, starting the testcontainer the first time it is called.
func getOrCreateSharedDatabase(t *testing.T) string {
	if testing.Short() {
		t.Skip("short mode: skipping container test")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("queryweaver"),
			tcpostgres.WithUsername("qw"),
			tcpostgres.WithPassword("qw"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = testcontainers.TerminateContainer(container)
			containerErr = fmt.Errorf("container connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	if containerErr != nil {
		t.Skipf("could not start postgres container: %v", containerErr)
	}
	return sharedConnStr
}

// generateSchemaName creates a unique, PostgreSQL-safe schema name for the
// test: test_<sanitized_test_name>_<random_hex>.
func generateSchemaName(t *testing.T) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

// addSearchPathToConnString appends a search_path parameter so every pooled
// connection uses the test's schema.
func addSearchPathToConnString(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}
