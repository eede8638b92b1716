package sqlguard

import (
	"github.com/pingcap/tidb/pkg/parser/ast"
)

// stmtKind names a forbidden statement type for error messages. Empty means
// the type is not one of the recognized write/DDL statements.
func stmtKind(stmt ast.StmtNode) string {
	switch stmt.(type) {
	case *ast.InsertStmt: // also covers REPLACE
		return "INSERT"
	case *ast.UpdateStmt:
		return "UPDATE"
	case *ast.DeleteStmt:
		return "DELETE"
	case *ast.DropTableStmt, *ast.DropDatabaseStmt, *ast.DropIndexStmt:
		return "DROP"
	case *ast.CreateTableStmt, *ast.CreateDatabaseStmt, *ast.CreateIndexStmt, *ast.CreateViewStmt:
		return "CREATE"
	case *ast.AlterTableStmt, *ast.AlterDatabaseStmt:
		return "ALTER"
	case *ast.TruncateTableStmt:
		return "TRUNCATE"
	case *ast.GrantStmt:
		return "GRANT"
	case *ast.RevokeStmt:
		return "REVOKE"
	default:
		return ""
	}
}

// checkReadOnly enforces the statement whitelist: SELECT, UNION of SELECTs,
// SET, SHOW, and EXPLAIN/DESCRIBE of whitelisted statements. Everything else
// is a violation. Returns the violations found.
func checkReadOnly(stmt ast.StmtNode) []string {
	switch v := stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		// SELECT INTO and locking reads are caught by the collector walk
		return nil
	case *ast.SetStmt:
		return nil
	case *ast.ShowStmt:
		return nil
	case *ast.ExplainStmt:
		if v.Stmt == nil {
			return nil
		}
		switch v.Stmt.(type) {
		case *ast.ShowStmt: // DESCRIBE table parses to EXPLAIN of SHOW COLUMNS
			return nil
		}
		if inner := checkReadOnly(v.Stmt); len(inner) > 0 {
			return append([]string{"EXPLAIN of a non-read statement is not allowed"}, inner...)
		}
		return nil
	default:
		if kind := stmtKind(stmt); kind != "" {
			return []string{kind + " statements are not allowed"}
		}
		return []string{"statement type is not allowed"}
	}
}

// astInfo is what one walk of the statement tree collects for risk scoring
// and hint generation.
type astInfo struct {
	tables     []string
	columns    []string
	funcs      []string
	joins      int
	hasWhere   bool
	hasLimit   bool
	selectStar bool
	violations []string
}

type astCollector struct {
	info *astInfo
}

func (c *astCollector) Enter(n ast.Node) (ast.Node, bool) {
	switch v := n.(type) {
	case *ast.SelectStmt:
		if v.SelectIntoOpt != nil {
			c.info.violations = append(c.info.violations, "SELECT ... INTO is not allowed")
		}
		if v.LockInfo != nil && v.LockInfo.LockType != ast.SelectLockNone {
			c.info.violations = append(c.info.violations, "locking reads (FOR UPDATE/SHARE) are not allowed")
		}
		if v.Where != nil {
			c.info.hasWhere = true
		}
		if v.Limit != nil {
			c.info.hasLimit = true
		}
		if v.Fields != nil {
			for _, f := range v.Fields.Fields {
				if f.WildCard != nil {
					c.info.selectStar = true
				}
			}
		}
	case *ast.Join:
		if v.Right != nil {
			c.info.joins++
		}
	case *ast.TableName:
		c.info.tables = append(c.info.tables, v.Name.O)
	case *ast.ColumnName:
		c.info.columns = append(c.info.columns, v.Name.O)
	case *ast.FuncCallExpr:
		c.info.funcs = append(c.info.funcs, v.FnName.L)
	}
	return n, false
}

func (c *astCollector) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

func collect(stmt ast.StmtNode) *astInfo {
	info := &astInfo{}
	stmt.Accept(&astCollector{info: info})
	return info
}
