package pipeline

import (
	"regexp"
	"strings"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// Deterministic intent classification used when the LLM response cannot be
// parsed. Deliberately coarse; Source="fallback" marks the result so
// downstream observability can tell the two apart.

var (
	aggregationWords = []string{"total", "sum", "count", "average", "avg", "max", "min", "how many", "how much"}
	trendWords       = []string{"trend", "over time", "per month", "per week", "per day", "monthly", "weekly", "daily", "growth"}
	comparisonWords  = []string{"compare", "versus", "vs", "difference between", "more than", "less than"}
	lookupWords      = []string{"which", "who", "what is", "find the", "show me the"}

	temporalWords = []string{"today", "yesterday", "last week", "last month", "last year", "this week", "this month", "this year", "q1", "q2", "q3", "q4"}

	domainKeywords = map[string][]string{
		"sales":     {"sale", "sales", "revenue", "order", "orders", "customer", "customers", "invoice"},
		"inventory": {"inventory", "stock", "warehouse", "sku", "shipment", "supplier"},
		"finance":   {"cost", "expense", "budget", "profit", "margin", "payment", "account"},
		"hr":        {"employee", "employees", "department", "headcount", "hire", "staff"},
	}

	complexWords = []string{"join", "joined", "grouped", "breakdown", "broken down", "correlat", "across", "cohort", "percentile"}

	upperToken = regexp.MustCompile(`\b[A-Z][A-Z0-9_]{3,}\b`)
	fromInHint = regexp.MustCompile(`(?i)\b(?:from|in|of)\s+(?:the\s+)?([a-z][a-z0-9_]{3,})\b`)

	tableStopwords = map[string]struct{}{
		"database": {}, "table": {}, "query": {}, "data": {}, "results": {},
		"month": {}, "year": {}, "week": {}, "order": {}, "total": {},
		"terms": {}, "last": {}, "this": {}, "each": {},
	}
)

func fallbackIntent(userQuery string) *models.Intent {
	lower := strings.ToLower(userQuery)
	intent := &models.Intent{
		QueryType: "listing",
		Domain:    "general",
		Source:    "fallback",
	}

	switch {
	case containsAny(lower, trendWords):
		intent.QueryType = "trend"
	case containsAny(lower, comparisonWords):
		intent.QueryType = "comparison"
	case containsAny(lower, aggregationWords):
		intent.QueryType = "aggregation"
	case containsAny(lower, lookupWords):
		intent.QueryType = "lookup"
	}

	for _, w := range aggregationWords {
		switch w {
		case "sum", "count", "avg", "max", "min":
			if strings.Contains(lower, w) {
				intent.Aggregations = append(intent.Aggregations, w)
			}
		}
	}
	if intent.QueryType == "aggregation" && len(intent.Aggregations) == 0 {
		intent.Aggregations = []string{"count"}
	}

	for _, w := range temporalWords {
		if strings.Contains(lower, w) {
			intent.Temporal = w
			break
		}
	}

	for domain, words := range domainKeywords {
		if containsAny(lower, words) {
			intent.Domain = domain
			break
		}
	}

	// Token count plus structure keywords grade complexity.
	tokens := len(strings.Fields(userQuery))
	switch {
	case containsAny(lower, complexWords) || tokens > 25:
		intent.Complexity = "complex"
		intent.JoinsCount = 2
	case tokens > 12 || intent.QueryType == "trend" || intent.QueryType == "comparison":
		intent.Complexity = "medium"
		intent.JoinsCount = 1
	default:
		intent.Complexity = "simple"
	}

	switch intent.QueryType {
	case "lookup":
		intent.ExpectedCardinality = "one"
	case "aggregation", "trend":
		intent.ExpectedCardinality = "few"
	default:
		intent.ExpectedCardinality = "many"
	}

	intent.Tables = fallbackTables(userQuery)
	return intent
}

// fallbackTables mirrors the schema resolver's NL extraction: FROM/IN/OF
// phrases plus standalone UPPER_CASE tokens, stopword-filtered.
func fallbackTables(userQuery string) []string {
	seen := make(map[string]struct{})
	var tables []string
	add := func(name string) {
		key := strings.ToLower(name)
		if _, stop := tableStopwords[key]; stop {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		tables = append(tables, name)
	}
	for _, m := range fromInHint.FindAllStringSubmatch(userQuery, -1) {
		add(m[1])
	}
	for _, tok := range upperToken.FindAllString(userQuery, -1) {
		add(tok)
	}
	return tables
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
