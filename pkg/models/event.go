package models

import "time"

// QueryStateEvent is the JSON payload pushed to state-stream subscribers.
// Heartbeats reuse the shape with Heartbeat set and only QueryID, State and
// Timestamp populated.
type QueryStateEvent struct {
	QueryID          string           `json:"query_id"`
	State            LifecycleState   `json:"state,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
	Heartbeat        bool             `json:"heartbeat,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	ThinkingSteps    []string         `json:"thinking_steps,omitempty"`
	TodoItems        []string         `json:"todo_items,omitempty"`
	Discoveries      []string         `json:"discoveries,omitempty"`
	SQL              string           `json:"sql,omitempty"`
	Result           *FormattedResult `json:"result,omitempty"`
	Insights         []string         `json:"insights,omitempty"`
	SuggestedQueries []string         `json:"suggested_queries,omitempty"`
}

// SubmitRequest is the client payload that starts a query
type SubmitRequest struct {
	UserQuery    string       `json:"user_query" binding:"required,min=3,notblank"`
	UserID       string       `json:"user_id" binding:"required"`
	SessionID    string       `json:"session_id" binding:"required"`
	DatabaseType DatabaseType `json:"database_type" binding:"required,oneof=oracle doris postgres"`
	Role         string       `json:"role" binding:"omitempty,oneof=guest viewer analyst developer admin"`
	Connection   string       `json:"connection,omitempty"`
}

// SubmitResponse acknowledges a submission
type SubmitResponse struct {
	QueryID string `json:"query_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

// ApprovalRequest is the approver's decision payload
type ApprovalRequest struct {
	QueryID     string `json:"query_id" binding:"required"`
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason,omitempty"`
	ModifiedSQL string `json:"modified_sql,omitempty"`
	Approver    string `json:"approver,omitempty"`
}

// ApprovalResponse reports the outcome of an approval decision
type ApprovalResponse struct {
	QueryID   string `json:"query_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
