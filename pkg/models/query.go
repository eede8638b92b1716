package models

import (
	"time"

	"github.com/queryweaver/queryweaver/pkg/dberr"
)

// QueryState is the mutable workflow record for one natural-language query.
// It is owned exclusively by the pipeline driver; everything that leaves the
// driver (publisher snapshots, checkpoints) is a deep copy via Clone.
type QueryState struct {
	// identity
	QueryID       string `json:"query_id"`
	TraceID       string `json:"trace_id"`
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Role          string `json:"role"`

	// inputs
	UserQuery    string       `json:"user_query"`
	DatabaseType DatabaseType `json:"database_type"`
	Connection   string       `json:"connection,omitempty"`

	// intermediate products, one per stage
	Intent         *Intent           `json:"intent,omitempty"`
	Hypothesis     *Hypothesis       `json:"hypothesis,omitempty"`
	Context        *QueryContext     `json:"context,omitempty"`
	SQLQuery       string            `json:"sql_query,omitempty"`
	SQLConfidence  int               `json:"sql_confidence,omitempty"`
	ColumnMappings map[string]string `json:"column_mappings,omitempty"`
	Validation     *ValidationResult `json:"validation_result,omitempty"`

	// outputs
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`
	FormattedResult *FormattedResult `json:"formatted_result,omitempty"`

	// control
	CurrentStage  string                `json:"current_stage"`
	NextAction    string                `json:"next_action,omitempty"`
	NeedsApproval bool                  `json:"needs_approval,omitempty"`
	Error         *dberr.NormalizedError `json:"error,omitempty"`

	Messages    []Message      `json:"messages,omitempty"`
	LLMMetadata LLMMetadata    `json:"llm_metadata,omitempty"`
	Extras      map[string]any `json:"extras,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddMessage appends a chronological LLM/system exchange
func (s *QueryState) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// AddThinking appends a short progress note to the append-only thinking log
func (s *QueryState) AddThinking(step string) {
	s.LLMMetadata.ThinkingSteps = append(s.LLMMetadata.ThinkingSteps, step)
}

// Clone returns a deep copy safe to hand outside the driver
func (s *QueryState) Clone() *QueryState {
	if s == nil {
		return nil
	}
	out := *s
	out.Intent = s.Intent.clone()
	out.Hypothesis = s.Hypothesis.clone()
	out.Context = s.Context.clone()
	out.ColumnMappings = cloneStringMap(s.ColumnMappings)
	out.Validation = s.Validation.Clone()
	out.ExecutionResult = s.ExecutionResult.clone()
	out.FormattedResult = s.FormattedResult.clone()
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	out.Messages = append([]Message(nil), s.Messages...)
	out.LLMMetadata = s.LLMMetadata.clone()
	out.Extras = cloneAnyMap(s.Extras)
	return &out
}

// Message is one exchange in the conversation that produced the SQL
type Message struct {
	Role      string    `json:"role"` // "system", "user", "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LLMMetadata accumulates observability side products of the LLM stages
type LLMMetadata struct {
	ThinkingSteps []string `json:"thinking_steps,omitempty"`
	Providers     []string `json:"providers,omitempty"` // providers used, in call order
	PromptTokens  int      `json:"prompt_tokens,omitempty"`
	OutputTokens  int      `json:"output_tokens,omitempty"`
}

func (m LLMMetadata) clone() LLMMetadata {
	out := m
	out.ThinkingSteps = append([]string(nil), m.ThinkingSteps...)
	out.Providers = append([]string(nil), m.Providers...)
	return out
}

// Intent is the structured classification of the user's question
type Intent struct {
	QueryType           string   `json:"query_type"` // "aggregation", "lookup", "trend", "comparison", "listing"
	Complexity          string   `json:"complexity"` // "simple", "medium", "complex"
	Domain              string   `json:"domain"`
	Temporal            string   `json:"temporal,omitempty"`
	ExpectedCardinality string   `json:"expected_cardinality,omitempty"` // "one", "few", "many"
	Tables              []string `json:"tables,omitempty"`
	Entities            []string `json:"entities,omitempty"`
	Aggregations        []string `json:"aggregations,omitempty"`
	Filters             []string `json:"filters,omitempty"`
	JoinsCount          int      `json:"joins_count"`
	Source              string   `json:"source"` // "llm" or "fallback"
}

func (i *Intent) clone() *Intent {
	if i == nil {
		return nil
	}
	out := *i
	out.Tables = append([]string(nil), i.Tables...)
	out.Entities = append([]string(nil), i.Entities...)
	out.Aggregations = append([]string(nil), i.Aggregations...)
	out.Filters = append([]string(nil), i.Filters...)
	return &out
}

// Hypothesis is the query plan proposed before SQL generation
type Hypothesis struct {
	MainTable        string   `json:"main_table"`
	AdditionalTables []string `json:"additional_tables,omitempty"`
	Joins            []string `json:"joins,omitempty"`
	Filters          []string `json:"filters,omitempty"`
	Aggregations     []string `json:"aggregations,omitempty"`
	GroupBy          []string `json:"group_by,omitempty"`
	OrderBy          []string `json:"order_by,omitempty"`
	Limit            int      `json:"limit,omitempty"`
	ExpectedOutput   string   `json:"expected_output,omitempty"`
	Grain            string   `json:"grain,omitempty"`
	Confidence       string   `json:"confidence"` // "high", "medium", "low"
	Risks            []string `json:"risks,omitempty"`
	PlanText         string   `json:"plan_text,omitempty"` // plain-text fallback when JSON parsing failed
}

func (h *Hypothesis) clone() *Hypothesis {
	if h == nil {
		return nil
	}
	out := *h
	out.AdditionalTables = append([]string(nil), h.AdditionalTables...)
	out.Joins = append([]string(nil), h.Joins...)
	out.Filters = append([]string(nil), h.Filters...)
	out.Aggregations = append([]string(nil), h.Aggregations...)
	out.GroupBy = append([]string(nil), h.GroupBy...)
	out.OrderBy = append([]string(nil), h.OrderBy...)
	out.Risks = append([]string(nil), h.Risks...)
	return &out
}

// QueryContext carries the schema snapshot (and optional sample rows) the
// SQL generator is grounded in
type QueryContext struct {
	Schema  SchemaSnapshot              `json:"schema"`
	Samples map[string][]map[string]any `json:"samples,omitempty"`
}

func (c *QueryContext) clone() *QueryContext {
	if c == nil {
		return nil
	}
	out := &QueryContext{Schema: c.Schema.Clone()}
	if c.Samples != nil {
		out.Samples = make(map[string][]map[string]any, len(c.Samples))
		for table, rows := range c.Samples {
			copied := make([]map[string]any, len(rows))
			for i, row := range rows {
				copied[i] = cloneAnyMap(row)
			}
			out.Samples[table] = copied
		}
	}
	return out
}

// SchemaSnapshot is the resolved structure of the tables a query touches
type SchemaSnapshot struct {
	Backend string                  `json:"backend"` // backend identity the snapshot came from
	Tables  map[string][]ColumnInfo `json:"tables"`
}

// ColumnInfo describes one column of a resolved table
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Clone returns a deep copy of the snapshot
func (s SchemaSnapshot) Clone() SchemaSnapshot {
	out := SchemaSnapshot{Backend: s.Backend}
	if s.Tables != nil {
		out.Tables = make(map[string][]ColumnInfo, len(s.Tables))
		for name, cols := range s.Tables {
			out.Tables[name] = append([]ColumnInfo(nil), cols...)
		}
	}
	return out
}

// ColumnNames returns the column names of a table, or nil when unknown
func (s SchemaSnapshot) ColumnNames(table string) []string {
	cols, ok := s.Tables[table]
	if !ok {
		return nil
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// ValidationResult is the outcome of safety validation for one SQL statement
type ValidationResult struct {
	Valid            bool      `json:"valid"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`
	Errors           []string  `json:"errors,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
	ConvertedSQL     string    `json:"converted_sql,omitempty"` // SQL after dialect conversion, if any
	SandboxedSQL     string    `json:"sandboxed_sql,omitempty"` // SQL after row-cap wrapping, if any
}

// Clone returns a deep copy of the validation result
func (v *ValidationResult) Clone() *ValidationResult {
	if v == nil {
		return nil
	}
	out := *v
	out.Errors = append([]string(nil), v.Errors...)
	out.Warnings = append([]string(nil), v.Warnings...)
	return &out
}

// ExecutionResult is the raw result envelope from a backend
type ExecutionResult struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
}

func (r *ExecutionResult) clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	out := &ExecutionResult{
		Columns:         append([]string(nil), r.Columns...),
		RowCount:        r.RowCount,
		ExecutionTimeMs: r.ExecutionTimeMs,
	}
	out.Rows = make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// FormattedResult is the client-facing shape of a finished query
type FormattedResult struct {
	Columns          []string `json:"columns"`
	Rows             [][]any  `json:"rows"`
	RowCount         int      `json:"row_count"`
	ExecutionTimeMs  int64    `json:"execution_time_ms"`
	SQL              string   `json:"sql,omitempty"`
	ThinkingSteps    []string `json:"thinking_steps,omitempty"`
	Discoveries      []string `json:"discoveries,omitempty"`
	Insights         []string `json:"insights,omitempty"`
	SuggestedQueries []string `json:"suggested_queries,omitempty"`
}

func (r *FormattedResult) clone() *FormattedResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Columns = append([]string(nil), r.Columns...)
	out.Rows = make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	out.ThinkingSteps = append([]string(nil), r.ThinkingSteps...)
	out.Discoveries = append([]string(nil), r.Discoveries...)
	out.Insights = append([]string(nil), r.Insights...)
	out.SuggestedQueries = append([]string(nil), r.SuggestedQueries...)
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
