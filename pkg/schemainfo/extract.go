// Package schemainfo resolves schema metadata for the tables a question
// touches: per-backend sources (Oracle dictionary views, the Doris MCP
// proxy, postgres information_schema), heuristic table extraction from the
// question text, and a shared cache in the resilient store.
package schemainfo

import (
	"regexp"
	"strings"
)

// reNamedTable catches explicit table references in question text, both the
// SQL-ish forms users type ("from orders", "join payments") and the softer
// "in X" phrasing ("revenue in sales_fact").
var reNamedTable = regexp.MustCompile(`(?i)\b(?:from|join|in)\s+([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?)`)

// reUpperToken catches UPPER_CASE tokens longer than three characters,
// which in enterprise questions are usually table names ("show me ORDERS_FACT").
var reUpperToken = regexp.MustCompile(`\b[A-Z][A-Z0-9_]{3,}\b`)

// extractStopwords filters tokens the patterns match that are never table
// names: grammar words after "in", SQL keywords, and time vocabulary.
var extractStopwords = map[string]bool{
	"THE": true, "THIS": true, "THAT": true, "EACH": true, "EVERY": true,
	"WHICH": true, "WHAT": true, "THERE": true, "THESE": true, "THOSE": true,
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true, "GROUP": true,
	"ORDER": true, "HAVING": true, "LIMIT": true, "UNION": true, "WITH": true,
	"TABLE": true, "TABLES": true, "DATABASE": true, "SCHEMA": true,
	"DATA": true, "ROWS": true, "COLUMNS": true, "QUERY": true,
	"SHOW": true, "LIST": true, "FIND": true, "GIVE": true, "WANT": true,
	"COUNT": true, "TOTAL": true, "AVERAGE": true, "NUMBER": true,
	"YEAR": true, "YEARS": true, "MONTH": true, "MONTHS": true,
	"WEEK": true, "WEEKS": true, "TODAY": true, "YESTERDAY": true,
	"QUARTER": true, "DESCENDING": true, "ASCENDING": true,
	"NULL": true, "TRUE": true, "FALSE": true,
}

// ExtractTables pulls candidate table names out of a natural-language
// question. Candidates keep their original spelling; duplicates are folded
// case-insensitively. An empty result means the caller should fall back to
// the full schema listing.
func ExtractTables(query string) []string {
	var tables []string
	seen := make(map[string]bool)

	add := func(token string) {
		key := strings.ToUpper(token)
		if extractStopwords[key] || seen[key] {
			return
		}
		seen[key] = true
		tables = append(tables, token)
	}

	for _, m := range reNamedTable.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	for _, token := range reUpperToken.FindAllString(query, -1) {
		add(token)
	}
	return tables
}
