package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// Convert rewrites SQL between the Oracle and Doris dialects. Conversion is
// best-effort pattern rewriting: constructs with no equivalent are left in
// place and reported in the returned notes. When from == to the SQL is
// returned untouched, so conversion is trivially idempotent.
func Convert(sql string, from, to models.DatabaseType) (string, []string) {
	if from == to {
		return sql, nil
	}
	switch {
	case from == models.DatabaseTypeOracle && to == models.DatabaseTypeDoris:
		return oracleToDoris(sql)
	case from == models.DatabaseTypeDoris && to == models.DatabaseTypeOracle:
		return dorisToOracle(sql)
	default:
		return sql, []string{fmt.Sprintf("no converter for %s to %s", from, to)}
	}
}

var (
	// Oracle → Doris
	reFetchOffset = regexp.MustCompile(`(?i)\s+OFFSET\s+(\d+)\s+ROWS?\s+FETCH\s+(?:FIRST|NEXT)\s+(\d+)\s+ROWS?\s+ONLY`)
	reFetchFirst  = regexp.MustCompile(`(?i)\s+FETCH\s+(?:FIRST|NEXT)\s+(\d+)\s+ROWS?\s+ONLY`)
	reNVL         = regexp.MustCompile(`(?i)\bNVL\s*\(`)
	reSysdate     = regexp.MustCompile(`(?i)\bSYSDATE\b`)
	reFromDual    = regexp.MustCompile(`(?i)\s+FROM\s+DUAL\s*$`)
	reWhereRownum = regexp.MustCompile(`(?i)\s+WHERE\s+ROWNUM\s*(<=?)\s*(\d+)\s*$`)
	reAndRownum   = regexp.MustCompile(`(?i)\s+AND\s+ROWNUM\s*(<=?)\s*(\d+)`)

	// Doris → Oracle
	reLimitOffset  = regexp.MustCompile(`(?i)\s+LIMIT\s+(\d+)\s+OFFSET\s+(\d+)`)
	reLimitComma   = regexp.MustCompile(`(?i)\s+LIMIT\s+(\d+)\s*,\s*(\d+)`)
	reLimitPlain   = regexp.MustCompile(`(?i)\s+LIMIT\s+(\d+)`)
	reIfnull       = regexp.MustCompile(`(?i)\bIFNULL\s*\(`)
	reNowCall      = regexp.MustCompile(`(?i)\bNOW\s*\(\s*\)`)
	reConcatOperand = `(?:'[^']*'|"[^"]*"|[A-Za-z_][A-Za-z0-9_.]*(?:\s*\([^()]*\))?|\([^()]*\))`
	reConcatPair    = regexp.MustCompile(`(` + reConcatOperand + `)\s*\|\|\s*(` + reConcatOperand + `)`)
)

func oracleToDoris(sql string) (string, []string) {
	var notes []string
	masked, literals := maskLiterals(sql)

	// pagination
	masked = reFetchOffset.ReplaceAllString(masked, " LIMIT $2 OFFSET $1")
	masked = reFetchFirst.ReplaceAllString(masked, " LIMIT $1")

	// simple ROWNUM bounds become LIMIT; ROWNUM < n caps at n-1
	masked = replaceRownum(masked, &notes)

	// functions
	masked = reNVL.ReplaceAllString(masked, "IFNULL(")
	masked = reSysdate.ReplaceAllString(masked, "NOW()")
	masked = reFromDual.ReplaceAllString(masked, "")

	// string concatenation: fold || chains pairwise into CONCAT
	for i := 0; i < 8; i++ {
		replaced := reConcatPair.ReplaceAllString(masked, "CONCAT($1, $2)")
		if replaced == masked {
			break
		}
		masked = replaced
	}
	if strings.Contains(masked, "||") {
		notes = append(notes, "complex || concatenation left unconverted")
	}

	sql = unmaskLiterals(masked, literals)

	// date functions need their format argument translated, so they are
	// rewritten on the unmasked text with a call-aware scanner
	sql = rewriteCalls(sql, "TO_DATE", func(args []string) (string, bool) {
		if len(args) == 0 || len(args) > 2 {
			return "", false
		}
		if len(args) == 1 {
			return "STR_TO_DATE(" + args[0] + ", '%Y-%m-%d')", true
		}
		return "STR_TO_DATE(" + args[0] + ", " + oracleFormatToMySQL(args[1]) + ")", true
	})
	sql = rewriteCalls(sql, "TO_CHAR", func(args []string) (string, bool) {
		if len(args) != 2 {
			return "", false
		}
		return "DATE_FORMAT(" + args[0] + ", " + oracleFormatToMySQL(args[1]) + ")", true
	})
	sql = rewriteCalls(sql, "DECODE", func(args []string) (string, bool) {
		return decodeToCase(args)
	})

	return strings.TrimSpace(sql), notes
}

func dorisToOracle(sql string) (string, []string) {
	var notes []string
	masked, literals := maskLiterals(sql)

	masked = reLimitOffset.ReplaceAllString(masked, " OFFSET $2 ROWS FETCH NEXT $1 ROWS ONLY")
	masked = reLimitComma.ReplaceAllString(masked, " OFFSET $1 ROWS FETCH NEXT $2 ROWS ONLY")
	masked = reLimitPlain.ReplaceAllString(masked, " FETCH FIRST $1 ROWS ONLY")

	masked = reIfnull.ReplaceAllString(masked, "NVL(")
	masked = reNowCall.ReplaceAllString(masked, "SYSDATE")

	sql = unmaskLiterals(masked, literals)

	sql = rewriteCalls(sql, "STR_TO_DATE", func(args []string) (string, bool) {
		if len(args) != 2 {
			return "", false
		}
		return "TO_DATE(" + args[0] + ", " + mysqlFormatToOracle(args[1]) + ")", true
	})
	sql = rewriteCalls(sql, "DATE_FORMAT", func(args []string) (string, bool) {
		if len(args) != 2 {
			return "", false
		}
		return "TO_CHAR(" + args[0] + ", " + mysqlFormatToOracle(args[1]) + ")", true
	})

	return strings.TrimSpace(sql), notes
}

func replaceRownum(masked string, notes *[]string) string {
	rewrite := func(m []string, src string) string {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return src
		}
		if m[1] == "<" {
			n--
		}
		if n < 0 {
			n = 0
		}
		return " LIMIT " + strconv.Itoa(n)
	}
	if m := reWhereRownum.FindStringSubmatch(masked); m != nil {
		return reWhereRownum.ReplaceAllString(masked, rewrite(m, m[0]))
	}
	if m := reAndRownum.FindStringSubmatch(masked); m != nil {
		stripped := reAndRownum.ReplaceAllString(masked, "")
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return masked
		}
		if m[1] == "<" {
			n--
		}
		return stripped + " LIMIT " + strconv.Itoa(n)
	}
	if regexp.MustCompile(`(?i)\bROWNUM\b`).MatchString(masked) {
		*notes = append(*notes, "ROWNUM used beyond a simple bound; left unconverted")
	}
	return masked
}

// decodeToCase expands DECODE(expr, s1, r1 [, s2, r2 ...] [, default]) into
// a searched CASE expression.
func decodeToCase(args []string) (string, bool) {
	if len(args) < 3 {
		return "", false
	}
	expr := args[0]
	rest := args[1:]
	var b strings.Builder
	b.WriteString("CASE")
	for len(rest) >= 2 {
		b.WriteString(" WHEN ")
		b.WriteString(expr)
		b.WriteString(" = ")
		b.WriteString(rest[0])
		b.WriteString(" THEN ")
		b.WriteString(rest[1])
		rest = rest[2:]
	}
	if len(rest) == 1 {
		b.WriteString(" ELSE ")
		b.WriteString(rest[0])
	}
	b.WriteString(" END")
	return b.String(), true
}

// oracleFormatTokens maps Oracle date-format tokens to MySQL specifiers.
// Longer tokens are listed first so they win the scan.
var oracleFormatTokens = []struct{ oracle, mysql string }{
	{"HH24", "%H"},
	{"HH12", "%h"},
	{"MONTH", "%M"},
	{"MON", "%b"},
	{"YYYY", "%Y"},
	{"YY", "%y"},
	{"DAY", "%W"},
	{"DY", "%a"},
	{"DD", "%d"},
	{"MM", "%m"},
	{"MI", "%i"},
	{"SS", "%s"},
	{"HH", "%h"},
}

// oracleFormatToMySQL converts the content of a quoted Oracle format literal
// to MySQL form. Non-literal arguments are passed through untouched.
func oracleFormatToMySQL(arg string) string {
	arg = strings.TrimSpace(arg)
	if len(arg) < 2 || arg[0] != '\'' || arg[len(arg)-1] != '\'' {
		return arg
	}
	inner := arg[1 : len(arg)-1]
	var b strings.Builder
	for len(inner) > 0 {
		matched := false
		for _, tok := range oracleFormatTokens {
			if len(inner) >= len(tok.oracle) && strings.EqualFold(inner[:len(tok.oracle)], tok.oracle) {
				b.WriteString(tok.mysql)
				inner = inner[len(tok.oracle):]
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(inner[0])
			inner = inner[1:]
		}
	}
	return "'" + b.String() + "'"
}

// mysqlFormatToOracle converts a quoted MySQL format literal to Oracle form.
func mysqlFormatToOracle(arg string) string {
	arg = strings.TrimSpace(arg)
	if len(arg) < 2 || arg[0] != '\'' || arg[len(arg)-1] != '\'' {
		return arg
	}
	inner := arg[1 : len(arg)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] != '%' || i+1 >= len(inner) {
			b.WriteByte(inner[i])
			continue
		}
		i++
		switch inner[i] {
		case 'Y':
			b.WriteString("YYYY")
		case 'y':
			b.WriteString("YY")
		case 'm':
			b.WriteString("MM")
		case 'd':
			b.WriteString("DD")
		case 'H':
			b.WriteString("HH24")
		case 'h':
			b.WriteString("HH12")
		case 'i':
			b.WriteString("MI")
		case 's':
			b.WriteString("SS")
		case 'b':
			b.WriteString("MON")
		case 'M':
			b.WriteString("MONTH")
		case 'a':
			b.WriteString("DY")
		case 'W':
			b.WriteString("DAY")
		default:
			b.WriteByte('%')
			b.WriteByte(inner[i])
		}
	}
	return "'" + b.String() + "'"
}

// maskLiterals replaces quoted string literals with placeholders so regex
// passes cannot rewrite text inside them. Doubled quotes inside literals are
// handled.
func maskLiterals(sql string) (string, []string) {
	var (
		literals []string
		b        strings.Builder
	)
	for i := 0; i < len(sql); {
		if sql[i] != '\'' {
			b.WriteByte(sql[i])
			i++
			continue
		}
		j := i + 1
		for j < len(sql) {
			if sql[j] == '\'' {
				if j+1 < len(sql) && sql[j+1] == '\'' {
					j += 2
					continue
				}
				break
			}
			j++
		}
		if j >= len(sql) { // unterminated literal, keep as-is
			b.WriteString(sql[i:])
			break
		}
		literals = append(literals, sql[i:j+1])
		fmt.Fprintf(&b, "\x00L%d\x00", len(literals)-1)
		i = j + 1
	}
	return b.String(), literals
}

func unmaskLiterals(masked string, literals []string) string {
	for i := len(literals) - 1; i >= 0; i-- {
		masked = strings.Replace(masked, fmt.Sprintf("\x00L%d\x00", i), literals[i], 1)
	}
	return masked
}

// rewriteCalls finds every call of the named function outside string
// literals, splits its top-level arguments, and replaces the call with the
// rewriter's output. Passes repeat until stable so nested calls of the same
// function convert too.
func rewriteCalls(sql, name string, rewrite func(args []string) (string, bool)) string {
	for pass := 0; pass < 5; pass++ {
		out, changed := rewriteCallsOnce(sql, name, rewrite)
		if !changed {
			return out
		}
		sql = out
	}
	return sql
}

func rewriteCallsOnce(sql, name string, rewrite func(args []string) (string, bool)) (string, bool) {
	upper := asciiUpper(sql)
	target := asciiUpper(name)
	changed := false
	var b strings.Builder

	i := 0
	for i < len(sql) {
		if sql[i] == '\'' {
			j := skipLiteral(sql, i)
			b.WriteString(sql[i:j])
			i = j
			continue
		}
		idx := strings.Index(upper[i:], target)
		if idx < 0 {
			b.WriteString(sql[i:])
			break
		}
		start := i + idx
		// copy everything before the candidate, re-checking literals
		segment := sql[i:start]
		if lit := strings.IndexByte(segment, '\''); lit >= 0 {
			j := skipLiteral(sql, i+lit)
			b.WriteString(sql[i : i+lit])
			b.WriteString(sql[i+lit : j])
			i = j
			continue
		}
		b.WriteString(segment)
		i = start

		// word boundary on the left, opening paren on the right
		if start > 0 && isIdentChar(sql[start-1]) {
			b.WriteString(sql[start : start+len(target)])
			i = start + len(target)
			continue
		}
		p := start + len(target)
		for p < len(sql) && (sql[p] == ' ' || sql[p] == '\t' || sql[p] == '\n') {
			p++
		}
		if p >= len(sql) || sql[p] != '(' {
			b.WriteString(sql[start:p])
			i = p
			continue
		}
		args, end, ok := splitArgs(sql, p)
		if !ok {
			b.WriteString(sql[start:p])
			i = p
			continue
		}
		if replacement, ok := rewrite(args); ok {
			b.WriteString(replacement)
			changed = true
		} else {
			b.WriteString(sql[start:end])
		}
		i = end
	}
	return b.String(), changed
}

// splitArgs walks from the opening paren at sql[open] to its matching close,
// returning the top-level comma-separated arguments and the index just past
// the close paren.
func splitArgs(sql string, open int) (args []string, end int, ok bool) {
	depth := 0
	argStart := open + 1
	for i := open; i < len(sql); i++ {
		switch sql[i] {
		case '\'':
			i = skipLiteral(sql, i) - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				if arg := strings.TrimSpace(sql[argStart:i]); arg != "" {
					args = append(args, arg)
				}
				return args, i + 1, true
			}
		case ',':
			if depth == 1 {
				args = append(args, strings.TrimSpace(sql[argStart:i]))
				argStart = i + 1
			}
		}
	}
	return nil, 0, false
}

// skipLiteral returns the index just past the string literal starting at
// sql[start] (which must be a single quote).
func skipLiteral(sql string, start int) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c == '#' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// asciiUpper uppercases ASCII letters only, preserving byte offsets even
// when literals contain multi-byte runes.
func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
