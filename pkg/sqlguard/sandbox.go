package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// Trailing row-cap forms. Anchored at the end of the statement so caps
// inside subqueries are not mistaken for the top-level cap.
var (
	reTailLimit      = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)((?:\s+OFFSET\s+\d+)?)\s*$`)
	reTailLimitComma = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\s*,\s*(\d+)\s*$`)
	reTailFetch      = regexp.MustCompile(`(?i)\bFETCH\s+(?:FIRST|NEXT)\s+(\d+)\s+ROWS?\s+ONLY\s*$`)
	reTailRownum     = regexp.MustCompile(`(?i)\b(WHERE|AND)\s+ROWNUM\s*(<=?)\s*(\d+)\s*$`)
)

// RowCap returns the effective top-level row cap already present in the
// SQL, or 0 when the statement is unbounded.
func RowCap(sql string, dialect models.DatabaseType) int {
	masked, _ := maskLiterals(sql)
	if dialect == models.DatabaseTypeOracle {
		if m := reTailFetch.FindStringSubmatch(masked); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
		if m := reTailRownum.FindStringSubmatch(masked); m != nil {
			if n, err := strconv.Atoi(m[3]); err == nil {
				if m[2] == "<" {
					n--
				}
				if n < 0 {
					n = 0
				}
				return n
			}
		}
		return 0
	}
	if m := reTailLimitComma.FindStringSubmatch(masked); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return n
		}
	}
	if m := reTailLimit.FindStringSubmatch(masked); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// WrapWithRowCap returns SQL guaranteed to return at most maxRows rows.
// A statement already capped at or below maxRows is returned unchanged, so
// wrapping never loosens a cap and re-wrapping is a no-op. A larger
// existing cap is tightened in place. maxRows <= 0 means unlimited.
func WrapWithRowCap(sql string, dialect models.DatabaseType, maxRows int) string {
	if maxRows <= 0 {
		return sql
	}
	sql = trimStatement(sql)
	if existing := RowCap(sql, dialect); existing > 0 {
		if existing <= maxRows {
			return sql
		}
		return tightenCap(sql, dialect, maxRows)
	}
	if dialect == models.DatabaseTypeOracle {
		return fmt.Sprintf("SELECT * FROM (%s) WHERE ROWNUM <= %d", sql, maxRows)
	}
	return fmt.Sprintf("%s LIMIT %d", sql, maxRows)
}

// tightenCap rewrites the trailing cap down to maxRows, keeping any OFFSET.
func tightenCap(sql string, dialect models.DatabaseType, maxRows int) string {
	masked, literals := maskLiterals(sql)
	n := strconv.Itoa(maxRows)
	if dialect == models.DatabaseTypeOracle {
		if reTailFetch.MatchString(masked) {
			masked = reTailFetch.ReplaceAllString(masked, "FETCH FIRST "+n+" ROWS ONLY")
		} else {
			masked = reTailRownum.ReplaceAllString(masked, "$1 ROWNUM <= "+n)
		}
		return unmaskLiterals(masked, literals)
	}
	if reTailLimitComma.MatchString(masked) {
		masked = reTailLimitComma.ReplaceAllString(masked, "LIMIT $1, "+n)
	} else {
		masked = reTailLimit.ReplaceAllString(masked, "LIMIT "+n+"$2")
	}
	return unmaskLiterals(masked, literals)
}

// Sandbox wraps the SQL with a row cap and re-validates the wrapped form,
// so a cap can never smuggle a forbidden construct or second statement past
// the whitelist.
func (v *Validator) Sandbox(sql string, dialect models.DatabaseType, maxRows int) (string, error) {
	wrapped := WrapWithRowCap(sql, dialect, maxRows)
	check := v.Validate(Request{SQL: wrapped, Dialect: dialect})
	if !check.Valid {
		return "", fmt.Errorf("sandboxed SQL failed validation: %v", check.Errors)
	}
	return wrapped, nil
}
