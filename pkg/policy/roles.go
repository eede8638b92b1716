// Package policy enforces per-role limits: row caps, daily query and cost
// quotas, and query-shape bounds. Quota counters live in the resilient store
// under day-scoped keys.
package policy

import (
	"strings"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// Role names, ordered by privilege.
const (
	RoleGuest     = "guest"
	RoleViewer    = "viewer"
	RoleAnalyst   = "analyst"
	RoleDeveloper = "developer"
	RoleAdmin     = "admin"
)

// Role bundles the limits applied to one caller class. Zero means unlimited
// for every numeric field.
type Role struct {
	Name              string             `yaml:"name"`
	MaxRows           int                `yaml:"max_rows"`
	DailyQueryQuota   int64              `yaml:"daily_query_quota"`
	DailyCostQuota    float64            `yaml:"daily_cost_quota"`
	AllowedOperations []string           `yaml:"allowed_operations"`
	CanExport         bool               `yaml:"can_export"`
	MaxTables         int                `yaml:"max_tables"`
	MaxJoins          int                `yaml:"max_joins"`
	// AllowedRisks lists risk levels this role may run without approval.
	AllowedRisks []models.RiskLevel `yaml:"allowed_risks"`
}

// AllowsOperation reports whether the role may run the given operation kind.
// An empty list means read-only SELECT-like operations only.
func (r Role) AllowsOperation(op string) bool {
	ops := r.AllowedOperations
	if len(ops) == 0 {
		ops = []string{"select", "show", "explain", "describe"}
	}
	for _, allowed := range ops {
		if strings.EqualFold(allowed, op) {
			return true
		}
	}
	return false
}

// BuiltinRoles returns the default five-role ladder.
func BuiltinRoles() map[string]Role {
	return map[string]Role{
		RoleGuest: {
			Name:            RoleGuest,
			MaxRows:         100,
			DailyQueryQuota: 20,
			DailyCostQuota:  1,
			MaxTables:       2,
			MaxJoins:        1,
		},
		RoleViewer: {
			Name:            RoleViewer,
			MaxRows:         1000,
			DailyQueryQuota: 100,
			DailyCostQuota:  10,
			MaxTables:       4,
			MaxJoins:        3,
		},
		RoleAnalyst: {
			Name:            RoleAnalyst,
			MaxRows:         10000,
			DailyQueryQuota: 500,
			DailyCostQuota:  50,
			CanExport:       true,
			MaxTables:       8,
			MaxJoins:        6,
			AllowedRisks:    []models.RiskLevel{models.RiskSafe, models.RiskLow, models.RiskMedium},
		},
		RoleDeveloper: {
			Name:            RoleDeveloper,
			MaxRows:         50000,
			DailyQueryQuota: 2000,
			DailyCostQuota:  200,
			CanExport:       true,
			MaxTables:       0,
			MaxJoins:        0,
			AllowedRisks:    []models.RiskLevel{models.RiskSafe, models.RiskLow, models.RiskMedium, models.RiskHigh},
		},
		RoleAdmin: {
			Name:         RoleAdmin,
			CanExport:    true,
			AllowedRisks: []models.RiskLevel{models.RiskSafe, models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical},
		},
	}
}

// Lookup resolves a role name, falling back to guest for unknown or empty
// names so an unrecognized caller never gains privileges.
func Lookup(roles map[string]Role, name string) Role {
	if r, ok := roles[strings.ToLower(name)]; ok {
		return r
	}
	return roles[RoleGuest]
}
