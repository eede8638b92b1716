package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/resilience"
	"github.com/queryweaver/queryweaver/pkg/store"
)

func newTestEnforcer(t *testing.T) (*Enforcer, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})
	st := store.NewResilient("redis", client, breakers)
	return NewEnforcer(st, nil), m
}

func TestLookupUnknownRoleFallsToGuest(t *testing.T) {
	roles := BuiltinRoles()
	assert.Equal(t, RoleGuest, Lookup(roles, "").Name)
	assert.Equal(t, RoleGuest, Lookup(roles, "superuser").Name)
	assert.Equal(t, RoleAdmin, Lookup(roles, "ADMIN").Name)
}

func TestQueryQuotaBoundary(t *testing.T) {
	e, _ := newTestEnforcer(t)
	ctx := context.Background()
	role := Role{Name: "tiny", DailyQueryQuota: 2}

	used, err := e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)

	used, err = e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	require.NoError(t, err)
	assert.EqualValues(t, 2, used)

	// At the limit: reject, and the counter must not move.
	used, err = e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	assert.ErrorIs(t, err, ErrQueryQuotaExceeded)
	assert.EqualValues(t, 2, used)

	used, err = e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	assert.ErrorIs(t, err, ErrQueryQuotaExceeded)
	assert.EqualValues(t, 2, used)
}

func TestQueryQuotaUnlimited(t *testing.T) {
	e, _ := newTestEnforcer(t)
	role := Role{Name: "admin", DailyQueryQuota: 0}
	for i := 0; i < 10; i++ {
		_, err := e.CheckAndIncrementQueryQuota(context.Background(), "u1", role)
		require.NoError(t, err)
	}
}

func TestQueryQuotaPerUserAndPerDay(t *testing.T) {
	e, _ := newTestEnforcer(t)
	ctx := context.Background()
	role := Role{Name: "tiny", DailyQueryQuota: 1}

	_, err := e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	require.NoError(t, err)
	_, err = e.CheckAndIncrementQueryQuota(ctx, "u2", role)
	require.NoError(t, err, "quota is per user")

	_, err = e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	require.ErrorIs(t, err, ErrQueryQuotaExceeded)

	// Next day gets a fresh counter.
	e.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	_, err = e.CheckAndIncrementQueryQuota(ctx, "u1", role)
	require.NoError(t, err)
}

func TestQuotaFailsOpenWhenStoreDown(t *testing.T) {
	e, m := newTestEnforcer(t)
	m.Close()

	_, err := e.CheckAndIncrementQueryQuota(context.Background(), "u1", Role{DailyQueryQuota: 1})
	assert.NoError(t, err)
	assert.NoError(t, e.CheckCostQuota(context.Background(), "u1", Role{DailyCostQuota: 1}, 100))
}

func TestCostQuota(t *testing.T) {
	e, _ := newTestEnforcer(t)
	ctx := context.Background()
	role := Role{Name: "viewer", DailyCostQuota: 10}

	require.NoError(t, e.CheckCostQuota(ctx, "u1", role, 6))
	e.TrackQueryCost(ctx, "u1", 6)

	require.NoError(t, e.CheckCostQuota(ctx, "u1", role, 4))
	assert.ErrorIs(t, e.CheckCostQuota(ctx, "u1", role, 4.5), ErrCostQuotaExceeded)

	e.TrackQueryCost(ctx, "u1", 4)
	assert.ErrorIs(t, e.CheckCostQuota(ctx, "u1", role, 0.5), ErrCostQuotaExceeded)
}

func TestCostQuotaUnlimited(t *testing.T) {
	e, _ := newTestEnforcer(t)
	assert.NoError(t, e.CheckCostQuota(context.Background(), "u1", Role{DailyCostQuota: 0}, 1e9))
}

func TestApplyRowLimit(t *testing.T) {
	e, _ := newTestEnforcer(t)

	capped := e.ApplyRowLimit("SELECT * FROM orders", Role{MaxRows: 100}, models.DatabaseTypeDoris)
	assert.True(t, strings.Contains(strings.ToUpper(capped), "LIMIT 100"), capped)

	// Unlimited role leaves the SQL alone.
	sql := "SELECT * FROM orders"
	assert.Equal(t, sql, e.ApplyRowLimit(sql, Role{MaxRows: 0}, models.DatabaseTypeDoris))

	// An existing smaller cap is never loosened.
	small := e.ApplyRowLimit("SELECT * FROM orders LIMIT 5", Role{MaxRows: 100}, models.DatabaseTypeDoris)
	assert.True(t, strings.Contains(small, "LIMIT 5"), small)
	assert.False(t, strings.Contains(small, "LIMIT 100"), small)
}

func TestCheckQueryShape(t *testing.T) {
	e, _ := newTestEnforcer(t)
	role := Role{MaxTables: 2, MaxJoins: 1}

	assert.NoError(t, e.CheckQueryShape(role, 2, 1))
	assert.ErrorIs(t, e.CheckQueryShape(role, 3, 1), ErrTooManyTables)
	assert.ErrorIs(t, e.CheckQueryShape(role, 2, 2), ErrTooManyJoins)
	assert.NoError(t, e.CheckQueryShape(Role{}, 50, 50), "zero bounds are unlimited")
}

func TestAllowsOperation(t *testing.T) {
	assert.True(t, Role{}.AllowsOperation("select"))
	assert.True(t, Role{}.AllowsOperation("EXPLAIN"))
	assert.False(t, Role{}.AllowsOperation("insert"))
	assert.True(t, Role{AllowedOperations: []string{"select", "export"}}.AllowsOperation("export"))
}
