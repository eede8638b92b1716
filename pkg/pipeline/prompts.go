package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/queryweaver/queryweaver/pkg/models"
)

const understandSystemPrompt = `You classify natural-language database questions.
Respond with a single JSON object and nothing else, using exactly these keys:
query_type (one of "aggregation", "lookup", "trend", "comparison", "listing"),
complexity (one of "simple", "medium", "complex"),
domain (short lowercase noun, e.g. "sales", "inventory", "finance"),
temporal (time scope mentioned in the question, or ""),
expected_cardinality (one of "one", "few", "many"),
tables (array of table names hinted at, may be empty),
entities (array of business entities mentioned),
aggregations (array of aggregate functions implied, e.g. "sum", "count"),
filters (array of filter conditions implied, in plain words),
joins_count (integer estimate of joins needed).`

const hypothesisSystemPrompt = `You plan SQL queries before writing them.
Given the question, its classification, and the available schema, respond with
a single JSON object and nothing else, using exactly these keys:
main_table, additional_tables (array), joins (array of join conditions),
filters (array), aggregations (array), group_by (array), order_by (array),
limit (integer, 0 when none), expected_output (one sentence),
grain (what one result row represents), confidence (one of "high", "medium",
"low"), risks (array of things that could make the plan wrong).
Only use tables and columns that appear in the schema.`

const generateSystemPrompt = `You write production SQL for the %s dialect.
Given the question, its classification, the query plan, and the schema,
respond with exactly one SELECT statement and nothing else. No commentary,
no markdown fences, no trailing semicolon explanations. Use only tables and
columns present in the schema. Never write INSERT, UPDATE, DELETE, DDL, or
multiple statements.`

// renderSchema flattens a snapshot into the prompt form the generator is
// grounded in, tables sorted for stable prompts.
func renderSchema(s models.SchemaSnapshot) string {
	if len(s.Tables) == 0 {
		return "(no schema available)"
	}
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "TABLE %s (\n", name)
		for _, col := range s.Tables[name] {
			nullable := "NOT NULL"
			if col.Nullable {
				nullable = "NULL"
			}
			fmt.Fprintf(&b, "  %s %s %s\n", col.Name, col.Type, nullable)
		}
		b.WriteString(")\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// extractJSON finds the first top-level JSON object in a completion,
// tolerating markdown fences and surrounding prose.
func extractJSON(content string) (string, bool) {
	content = stripFences(content)
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}

// extractSQL trims a completion down to the bare statement.
func extractSQL(content string) string {
	sql := strings.TrimSpace(stripFences(content))
	// Some models prefix the statement with a label line.
	if idx := strings.Index(strings.ToUpper(sql), "SELECT"); idx > 0 && !strings.ContainsAny(sql[:idx], "()") {
		sql = sql[idx:]
	}
	return strings.TrimSuffix(strings.TrimSpace(sql), ";")
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	// Drop the language tag on the opening fence.
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	}
	if end := strings.LastIndex(content, "```"); end >= 0 {
		content = content[:end]
	}
	return strings.TrimSpace(content)
}
