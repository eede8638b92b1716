// Package sqlguard validates generated SQL before it can reach a backend:
// read-only enforcement on the parsed statement tree, risk scoring against
// configurable sensitive-object sets, bidirectional Oracle/Doris dialect
// conversion, and sandbox row-cap wrapping.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// Config tunes the validator. Zero values fall back to defaults.
type Config struct {
	// SensitiveTables escalate any query touching them to high risk
	SensitiveTables []string `yaml:"sensitive_tables"`
	// SensitiveColumns escalate any query referencing them to high risk
	SensitiveColumns []string `yaml:"sensitive_columns"`
	// DangerousFunctions escalate any query calling them to critical risk
	DangerousFunctions []string `yaml:"dangerous_functions"`
	// ApprovalThreshold is the lowest risk level that requires approval
	ApprovalThreshold models.RiskLevel `yaml:"approval_threshold"`
	// WarnJoins is the join count at which a query is flagged medium risk
	WarnJoins int `yaml:"warn_joins"`
}

// DefaultConfig returns the built-in validator tuning.
func DefaultConfig() Config {
	return Config{
		SensitiveTables: []string{
			"SALARIES", "PAYROLL", "EMPLOYEES_PII", "USER_CREDENTIALS",
			"AUTH_TOKENS", "CUSTOMER_BANK_ACCOUNTS",
		},
		SensitiveColumns: []string{
			"SALARY", "SSN", "PASSWORD", "PASSWORD_HASH", "CARD_NUMBER",
			"ACCOUNT_NUMBER", "TAX_ID",
		},
		DangerousFunctions: []string{
			"sleep", "benchmark", "load_file", "updatexml", "extractvalue",
			"get_lock", "release_lock", "master_pos_wait", "sys_eval", "exec",
		},
		ApprovalThreshold: models.RiskHigh,
		WarnJoins:         3,
	}
}

// Request is one validation call.
type Request struct {
	SQL     string
	Dialect models.DatabaseType
	// AllowedRisks lists risk levels the caller's role may run without
	// approval. Applied after scoring; never changes the computed level.
	AllowedRisks []models.RiskLevel
}

// Validator enforces read-only SQL with risk scoring. Safe for concurrent
// use; each call parses with its own parser instance.
type Validator struct {
	cfg             Config
	sensitiveTables map[string]struct{}
	sensitiveCols   map[string]struct{}
	dangerousFuncs  map[string]struct{}
}

// New creates a Validator from cfg, filling defaults for zero fields.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.SensitiveTables == nil {
		cfg.SensitiveTables = def.SensitiveTables
	}
	if cfg.SensitiveColumns == nil {
		cfg.SensitiveColumns = def.SensitiveColumns
	}
	if cfg.DangerousFunctions == nil {
		cfg.DangerousFunctions = def.DangerousFunctions
	}
	if !cfg.ApprovalThreshold.IsValid() {
		cfg.ApprovalThreshold = def.ApprovalThreshold
	}
	if cfg.WarnJoins <= 0 {
		cfg.WarnJoins = def.WarnJoins
	}
	v := &Validator{
		cfg:             cfg,
		sensitiveTables: make(map[string]struct{}, len(cfg.SensitiveTables)),
		sensitiveCols:   make(map[string]struct{}, len(cfg.SensitiveColumns)),
		dangerousFuncs:  make(map[string]struct{}, len(cfg.DangerousFunctions)),
	}
	for _, t := range cfg.SensitiveTables {
		v.sensitiveTables[strings.ToUpper(t)] = struct{}{}
	}
	for _, c := range cfg.SensitiveColumns {
		v.sensitiveCols[strings.ToUpper(c)] = struct{}{}
	}
	for _, f := range cfg.DangerousFunctions {
		v.dangerousFuncs[strings.ToLower(f)] = struct{}{}
	}
	return v
}

// oracleMarkers detect Oracle-dialect constructs in SQL aimed at another
// backend, which triggers conversion before validation.
var oracleMarkers = regexp.MustCompile(`(?i)\bNVL\s*\(|\bSYSDATE\b|\bROWNUM\b|\bFETCH\s+(?:FIRST|NEXT)\b|\bDECODE\s*\(|\bFROM\s+DUAL\b|\bTO_CHAR\s*\(|\bTO_DATE\s*\(`)

// LooksOracle reports whether the SQL uses Oracle-dialect constructs.
func LooksOracle(sql string) bool {
	masked, _ := maskLiterals(sql)
	return oracleMarkers.MatchString(masked)
}

// Validate parses the SQL, enforces the read-only whitelist, and scores
// risk. The returned result is always non-nil; Valid=false carries the
// violations in Errors.
func (v *Validator) Validate(req Request) *models.ValidationResult {
	result := &models.ValidationResult{RiskLevel: models.RiskSafe}
	sql := trimStatement(req.SQL)
	if sql == "" {
		result.RiskLevel = models.RiskCritical
		result.Errors = append(result.Errors, "empty SQL statement")
		return result
	}

	// pick the form the MySQL-family parser can read; execution keeps the
	// dialect-correct form
	parseForm := sql
	switch req.Dialect {
	case models.DatabaseTypeOracle:
		parseForm, _ = Convert(sql, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
	case models.DatabaseTypeDoris:
		if LooksOracle(sql) {
			converted, notes := Convert(sql, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
			result.ConvertedSQL = converted
			result.Warnings = append(result.Warnings, notes...)
			parseForm = converted
		}
	case models.DatabaseTypePostgres:
		parseForm = postgresParseForm(sql)
	}

	stmts, _, err := parser.New().ParseSQL(parseForm)
	if err != nil {
		result.RiskLevel = models.RiskCritical
		result.Errors = append(result.Errors, fmt.Sprintf("SQL could not be parsed: %v", err))
		return result
	}
	if len(stmts) == 0 {
		result.RiskLevel = models.RiskCritical
		result.Errors = append(result.Errors, "no parseable statement found")
		return result
	}
	if len(stmts) > 1 {
		result.RiskLevel = models.RiskCritical
		result.Errors = append(result.Errors, "multiple statements are not allowed")
		return result
	}

	stmt := stmts[0]
	if violations := checkReadOnly(stmt); len(violations) > 0 {
		result.RiskLevel = models.RiskCritical
		result.Errors = append(result.Errors, violations...)
		return result
	}

	info := collect(stmt)
	if len(info.violations) > 0 {
		result.RiskLevel = models.RiskCritical
		result.Errors = append(result.Errors, info.violations...)
		return result
	}

	v.score(info, stmt, result)

	result.RequiresApproval = result.RiskLevel.AtLeast(v.cfg.ApprovalThreshold)
	for _, allowed := range req.AllowedRisks {
		if allowed == result.RiskLevel {
			result.RequiresApproval = false
			break
		}
	}

	result.Valid = true
	return result
}

// score applies the risk heuristics in escalation order: structural
// warnings first, then sensitive objects, then dangerous functions. The
// level only ever goes up.
func (v *Validator) score(info *astInfo, stmt ast.StmtNode, result *models.ValidationResult) {
	escalate := func(to models.RiskLevel) {
		if to.AtLeast(result.RiskLevel) {
			result.RiskLevel = to
		}
	}

	onlySelects := isSelectLike(stmt)
	if onlySelects && !info.hasWhere && !info.hasLimit && len(info.tables) > 0 {
		result.Warnings = append(result.Warnings, "query has no WHERE clause or row limit")
		escalate(models.RiskLow)
	}
	if info.selectStar {
		result.Warnings = append(result.Warnings, "SELECT * returns all columns")
		escalate(models.RiskLow)
	}
	if info.joins >= v.cfg.WarnJoins {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("query joins %d tables", info.joins+1))
		escalate(models.RiskMedium)
	}
	for _, t := range info.tables {
		if _, hit := v.sensitiveTables[strings.ToUpper(t)]; hit {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("touches sensitive table %s", strings.ToUpper(t)))
			escalate(models.RiskHigh)
		}
	}
	for _, c := range info.columns {
		if _, hit := v.sensitiveCols[strings.ToUpper(c)]; hit {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("references sensitive column %s", strings.ToUpper(c)))
			escalate(models.RiskHigh)
		}
	}
	for _, f := range info.funcs {
		if _, hit := v.dangerousFuncs[f]; hit {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("calls dangerous function %s", f))
			escalate(models.RiskCritical)
		}
	}
}

func isSelectLike(stmt ast.StmtNode) bool {
	switch stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return true
	default:
		return false
	}
}

// Tables returns the table names referenced by the SQL, in reference order.
// Used by schema hints when the backend reports an invalid identifier.
func (v *Validator) Tables(sql string, dialect models.DatabaseType) []string {
	parseForm := sql
	if dialect == models.DatabaseTypeOracle || LooksOracle(sql) {
		parseForm, _ = Convert(sql, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
	} else if dialect == models.DatabaseTypePostgres {
		parseForm = postgresParseForm(sql)
	}
	stmts, _, err := parser.New().ParseSQL(parseForm)
	if err != nil || len(stmts) == 0 {
		return nil
	}
	return collect(stmts[0]).tables
}

// trimStatement strips surrounding whitespace and a single trailing
// semicolon. Anything beyond that is the parser's problem.
func trimStatement(sql string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
}

var (
	rePgCast  = regexp.MustCompile(`::\s*[A-Za-z_][A-Za-z0-9_]*(?:\s+precision|\s+varying)?(?:\s*\(\s*\d+(?:\s*,\s*\d+)?\s*\))?(?:\[\])?`)
	rePgILike = regexp.MustCompile(`(?i)\bILIKE\b`)
)

// postgresParseForm strips PostgreSQL-only surface syntax (:: casts, ILIKE)
// so the statement shape can be checked by the MySQL-family parser. The
// original SQL is what executes.
func postgresParseForm(sql string) string {
	masked, literals := maskLiterals(sql)
	masked = rePgCast.ReplaceAllString(masked, "")
	masked = rePgILike.ReplaceAllString(masked, "LIKE")
	return unmaskLiterals(masked, literals)
}
