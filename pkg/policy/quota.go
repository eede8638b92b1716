package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
	"github.com/queryweaver/queryweaver/pkg/store"
)

var (
	// ErrQueryQuotaExceeded means the role's daily query count is spent.
	ErrQueryQuotaExceeded = errors.New("daily query quota exceeded")
	// ErrCostQuotaExceeded means the estimated cost would push the day's
	// accumulator past the role's budget.
	ErrCostQuotaExceeded = errors.New("daily cost quota exceeded")
	// ErrTooManyTables means the query plan touches more tables than allowed.
	ErrTooManyTables = errors.New("query touches too many tables")
	// ErrTooManyJoins means the query plan joins more than allowed.
	ErrTooManyJoins = errors.New("query uses too many joins")
)

const quotaTTL = 24 * time.Hour

// checkAndIncr rejects without incrementing when the counter is already at
// the limit; otherwise increments and stamps the TTL on first use.
var checkAndIncr = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// addCost accumulates a float cost, stamping the TTL when the key is created.
var addCost = redis.NewScript(`
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return total
`)

// Enforcer applies role quotas against the resilient store. When the store
// is unavailable the checks fail open: blocking every query on a cache
// outage is worse than briefly exceeding a quota.
type Enforcer struct {
	store *store.Resilient
	roles map[string]Role

	now func() time.Time
}

// NewEnforcer creates an enforcer over the given role table. A nil table
// uses the builtin roles.
func NewEnforcer(st *store.Resilient, roles map[string]Role) *Enforcer {
	if roles == nil {
		roles = BuiltinRoles()
	}
	return &Enforcer{store: st, roles: roles, now: time.Now}
}

// Role resolves a role name through the enforcer's table.
func (e *Enforcer) Role(name string) Role {
	return Lookup(e.roles, name)
}

// CheckAndIncrementQueryQuota atomically counts one query against the
// user's daily quota. At the limit the call rejects and the counter is not
// incremented. Returns the used count after the call.
func (e *Enforcer) CheckAndIncrementQueryQuota(ctx context.Context, userID string, role Role) (int64, error) {
	key := e.dailyKey("quota:daily", userID)
	res, err := e.store.RunScript(ctx, checkAndIncr, []string{key}, role.DailyQueryQuota, quotaTTL.Milliseconds())
	if err != nil {
		slog.Warn("Quota check failed open: store unavailable", "user_id", userID, "error", err)
		return 0, nil
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("quota script returned unexpected shape: %T", res)
	}
	allowed, _ := vals[0].(int64)
	used, _ := vals[1].(int64)
	if allowed == 0 {
		return used, fmt.Errorf("%w: used %d of %d", ErrQueryQuotaExceeded, used, role.DailyQueryQuota)
	}
	return used, nil
}

// CheckCostQuota rejects when adding estimatedCost to the day's accumulator
// would exceed the role's budget. Read-only: the accumulator moves via
// TrackQueryCost after execution.
func (e *Enforcer) CheckCostQuota(ctx context.Context, userID string, role Role, estimatedCost float64) error {
	if role.DailyCostQuota <= 0 {
		return nil
	}
	key := e.dailyKey("quota:cost", userID)
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			raw = []byte("0")
		} else {
			slog.Warn("Cost quota check failed open: store unavailable", "user_id", userID, "error", err)
			return nil
		}
	}
	var accumulated float64
	_, _ = fmt.Sscanf(string(raw), "%g", &accumulated)
	if accumulated+estimatedCost > role.DailyCostQuota {
		return fmt.Errorf("%w: %.2f + %.2f over %.2f",
			ErrCostQuotaExceeded, accumulated, estimatedCost, role.DailyCostQuota)
	}
	return nil
}

// TrackQueryCost adds an executed query's cost to the user's daily
// accumulator.
func (e *Enforcer) TrackQueryCost(ctx context.Context, userID string, cost float64) {
	if cost <= 0 {
		return
	}
	key := e.dailyKey("quota:cost", userID)
	if _, err := e.store.RunScript(ctx, addCost, []string{key}, cost, quotaTTL.Milliseconds()); err != nil {
		slog.Warn("Cost tracking failed", "user_id", userID, "error", err)
	}
}

// ApplyRowLimit caps the SQL's row count at the role's MaxRows using the
// dialect-appropriate wrapper. An existing smaller cap is kept.
func (e *Enforcer) ApplyRowLimit(sql string, role Role, dialect models.DatabaseType) string {
	if role.MaxRows <= 0 {
		return sql
	}
	return sqlguard.WrapWithRowCap(sql, dialect, role.MaxRows)
}

// CheckQueryShape enforces the role's table and join bounds on a planned
// query.
func (e *Enforcer) CheckQueryShape(role Role, tables, joins int) error {
	if role.MaxTables > 0 && tables > role.MaxTables {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTables, tables, role.MaxTables)
	}
	if role.MaxJoins > 0 && joins > role.MaxJoins {
		return fmt.Errorf("%w: %d > %d", ErrTooManyJoins, joins, role.MaxJoins)
	}
	return nil
}

func (e *Enforcer) dailyKey(prefix, userID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, userID, e.now().UTC().Format("2006-01-02"))
}
