package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/queryweaver/queryweaver/pkg/models"
)

func TestConvertOracleToDoris(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "fetch first becomes limit",
			sql:  "SELECT id FROM orders FETCH FIRST 10 ROWS ONLY",
			want: "SELECT id FROM orders LIMIT 10",
		},
		{
			name: "offset fetch becomes limit offset",
			sql:  "SELECT id FROM orders OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY",
			want: "SELECT id FROM orders LIMIT 10 OFFSET 20",
		},
		{
			name: "where rownum becomes limit",
			sql:  "SELECT id FROM orders WHERE ROWNUM <= 100",
			want: "SELECT id FROM orders LIMIT 100",
		},
		{
			name: "strict rownum bound decrements",
			sql:  "SELECT id FROM orders WHERE ROWNUM < 100",
			want: "SELECT id FROM orders LIMIT 99",
		},
		{
			name: "and rownum moves to limit",
			sql:  "SELECT id FROM orders WHERE status = 'OPEN' AND ROWNUM <= 50",
			want: "SELECT id FROM orders WHERE status = 'OPEN' LIMIT 50",
		},
		{
			name: "nvl becomes ifnull",
			sql:  "SELECT NVL(name, 'unknown') FROM users",
			want: "SELECT IFNULL(name, 'unknown') FROM users",
		},
		{
			name: "sysdate becomes now",
			sql:  "SELECT SYSDATE FROM DUAL",
			want: "SELECT NOW()",
		},
		{
			name: "concat operator folds pairwise",
			sql:  "SELECT first_name || last_name FROM users",
			want: "SELECT CONCAT(first_name, last_name) FROM users",
		},
		{
			name: "to_date gains format translation",
			sql:  "SELECT * FROM orders WHERE created > TO_DATE('2024-01-01', 'YYYY-MM-DD')",
			want: "SELECT * FROM orders WHERE created > STR_TO_DATE('2024-01-01', '%Y-%m-%d')",
		},
		{
			name: "to_date without format gets default",
			sql:  "SELECT TO_DATE('2024-01-01') FROM DUAL",
			want: "SELECT STR_TO_DATE('2024-01-01', '%Y-%m-%d')",
		},
		{
			name: "to_char becomes date_format",
			sql:  "SELECT TO_CHAR(created, 'YYYY-MM-DD HH24:MI:SS') FROM orders",
			want: "SELECT DATE_FORMAT(created, '%Y-%m-%d %H:%i:%s') FROM orders",
		},
		{
			name: "decode becomes case",
			sql:  "SELECT DECODE(status, 'A', 'active', 'inactive') FROM users",
			want: "SELECT CASE WHEN status = 'A' THEN 'active' ELSE 'inactive' END FROM users",
		},
		{
			name: "literals are never rewritten",
			sql:  "SELECT id FROM logs WHERE msg = 'call NVL(SYSDATE) FROM DUAL'",
			want: "SELECT id FROM logs WHERE msg = 'call NVL(SYSDATE) FROM DUAL'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Convert(tt.sql, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertDorisToOracle(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "limit becomes fetch first",
			sql:  "SELECT id FROM orders LIMIT 10",
			want: "SELECT id FROM orders FETCH FIRST 10 ROWS ONLY",
		},
		{
			name: "limit offset becomes offset fetch",
			sql:  "SELECT id FROM orders LIMIT 10 OFFSET 20",
			want: "SELECT id FROM orders OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY",
		},
		{
			name: "comma limit becomes offset fetch",
			sql:  "SELECT id FROM orders LIMIT 20, 10",
			want: "SELECT id FROM orders OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY",
		},
		{
			name: "ifnull becomes nvl",
			sql:  "SELECT IFNULL(name, 'unknown') FROM users",
			want: "SELECT NVL(name, 'unknown') FROM users",
		},
		{
			name: "now becomes sysdate",
			sql:  "SELECT NOW() FROM users",
			want: "SELECT SYSDATE FROM users",
		},
		{
			name: "str_to_date becomes to_date",
			sql:  "SELECT STR_TO_DATE('2024-01-01', '%Y-%m-%d') FROM t",
			want: "SELECT TO_DATE('2024-01-01', 'YYYY-MM-DD') FROM t",
		},
		{
			name: "date_format becomes to_char",
			sql:  "SELECT DATE_FORMAT(created, '%Y-%m-%d %H:%i:%s') FROM orders",
			want: "SELECT TO_CHAR(created, 'YYYY-MM-DD HH24:MI:SS') FROM orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Convert(tt.sql, models.DatabaseTypeDoris, models.DatabaseTypeOracle)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertSameDialectIsIdentity(t *testing.T) {
	queries := []string{
		"SELECT NVL(name, 'x') FROM users WHERE ROWNUM <= 5",
		"SELECT id FROM orders LIMIT 10",
		"SELECT * FROM t WHERE a = 'NVL(SYSDATE)'",
	}
	for _, dialect := range []models.DatabaseType{
		models.DatabaseTypeOracle, models.DatabaseTypeDoris, models.DatabaseTypePostgres,
	} {
		for _, sql := range queries {
			got, notes := Convert(sql, dialect, dialect)
			assert.Equal(t, sql, got)
			assert.Empty(t, notes)
		}
	}
}

func TestConvertRoundTripPreservesCap(t *testing.T) {
	sql := "SELECT id FROM orders LIMIT 10"
	oracle, _ := Convert(sql, models.DatabaseTypeDoris, models.DatabaseTypeOracle)
	back, _ := Convert(oracle, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
	assert.Equal(t, sql, back)
}

func TestConvertNotesUnconvertible(t *testing.T) {
	// ROWNUM in a projection has no LIMIT equivalent
	sql := "SELECT ROWNUM, id FROM orders"
	got, notes := Convert(sql, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
	assert.Contains(t, got, "ROWNUM")
	assert.NotEmpty(t, notes)
}

func TestDecodeToCase(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
		ok   bool
	}{
		{
			name: "pairs with default",
			args: []string{"status", "'A'", "'active'", "'B'", "'blocked'", "'other'"},
			want: "CASE WHEN status = 'A' THEN 'active' WHEN status = 'B' THEN 'blocked' ELSE 'other' END",
			ok:   true,
		},
		{
			name: "pairs without default",
			args: []string{"status", "'A'", "'active'", "'B'", "'blocked'"},
			want: "CASE WHEN status = 'A' THEN 'active' WHEN status = 'B' THEN 'blocked' END",
			ok:   true,
		},
		{
			name: "too few arguments",
			args: []string{"status", "'A'"},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeToCase(tt.args)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRewriteCallsHandlesNesting(t *testing.T) {
	sql := "SELECT TO_CHAR(TO_DATE('2024-01-01', 'YYYY-MM-DD'), 'DD.MM.YYYY') FROM DUAL"
	got, _ := Convert(sql, models.DatabaseTypeOracle, models.DatabaseTypeDoris)
	assert.Equal(t, "SELECT DATE_FORMAT(STR_TO_DATE('2024-01-01', '%Y-%m-%d'), '%d.%m.%Y')", got)
}

func TestMaskLiterals(t *testing.T) {
	masked, literals := maskLiterals("SELECT 'a''b', x FROM t WHERE y = 'c'")
	assert.Len(t, literals, 2)
	assert.Equal(t, "'a''b'", literals[0])
	assert.Equal(t, "'c'", literals[1])
	assert.NotContains(t, masked, "a''b")

	restored := unmaskLiterals(masked, literals)
	assert.Equal(t, "SELECT 'a''b', x FROM t WHERE y = 'c'", restored)
}

func TestOracleFormatToMySQL(t *testing.T) {
	tests := []struct {
		oracle string
		mysql  string
	}{
		{"'YYYY-MM-DD'", "'%Y-%m-%d'"},
		{"'DD/MM/YYYY HH24:MI:SS'", "'%d/%m/%Y %H:%i:%s'"},
		{"'MON YYYY'", "'%b %Y'"},
		{"not_a_literal", "not_a_literal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.mysql, oracleFormatToMySQL(tt.oracle))
	}
}
