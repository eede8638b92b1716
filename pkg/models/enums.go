package models

// DatabaseType identifies the execution backend for a query
type DatabaseType string

const (
	// DatabaseTypeOracle routes execution through the pooled Oracle client processes
	DatabaseTypeOracle DatabaseType = "oracle"
	// DatabaseTypeDoris routes execution through the Doris MCP tools
	DatabaseTypeDoris DatabaseType = "doris"
	// DatabaseTypePostgres routes execution through the PostgreSQL pool
	DatabaseTypePostgres DatabaseType = "postgres"
)

// IsValid checks if the database type is valid
func (d DatabaseType) IsValid() bool {
	return d == DatabaseTypeOracle || d == DatabaseTypeDoris || d == DatabaseTypePostgres
}

// LifecycleState is a point in a query's lifecycle, published to subscribers
type LifecycleState string

const (
	// StateReceived is the initial state assigned at submission
	StateReceived LifecycleState = "RECEIVED"
	// StatePlanning covers understanding, schema retrieval, and hypothesis stages
	StatePlanning LifecycleState = "PLANNING"
	// StatePrepared means SQL has been generated and validated
	StatePrepared LifecycleState = "PREPARED"
	// StatePendingApproval means the query is parked awaiting a human decision
	StatePendingApproval LifecycleState = "PENDING_APPROVAL"
	// StateApproved means an approver released the query for execution
	StateApproved LifecycleState = "APPROVED"
	// StateRejected means an approver declined the query (terminal)
	StateRejected LifecycleState = "REJECTED"
	// StateExecuting means the SQL is running against the backend
	StateExecuting LifecycleState = "EXECUTING"
	// StateFinished means results were delivered (terminal)
	StateFinished LifecycleState = "FINISHED"
	// StateError means the query failed (terminal)
	StateError LifecycleState = "ERROR"
)

// lifecycleTransitions is the allowed-transition DAG rooted at RECEIVED.
// The approval states form an optional branch before EXECUTING.
var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	StateReceived:        {StatePlanning, StateError},
	StatePlanning:        {StatePrepared, StateError},
	StatePrepared:        {StatePendingApproval, StateExecuting, StateError},
	StatePendingApproval: {StateApproved, StateRejected, StateError},
	StateApproved:        {StateExecuting, StateError},
	StateExecuting:       {StateFinished, StateError},
	StateRejected:        {},
	StateFinished:        {},
	StateError:           {},
}

// IsValid checks if the lifecycle state is valid
func (s LifecycleState) IsValid() bool {
	_, ok := lifecycleTransitions[s]
	return ok
}

// IsTerminal reports whether the state ends the lifecycle
func (s LifecycleState) IsTerminal() bool {
	return s == StateFinished || s == StateError || s == StateRejected
}

// CanTransitionTo reports whether s → next is an edge in the lifecycle DAG
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	for _, allowed := range lifecycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RiskLevel grades how dangerous a validated query is
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrdinals = map[RiskLevel]int{
	RiskSafe:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// IsValid checks if the risk level is valid
func (r RiskLevel) IsValid() bool {
	_, ok := riskOrdinals[r]
	return ok
}

// Ordinal returns the risk rank (safe=0 .. critical=4); invalid levels rank
// as critical so a corrupt value can never relax a comparison.
func (r RiskLevel) Ordinal() int {
	if o, ok := riskOrdinals[r]; ok {
		return o
	}
	return riskOrdinals[RiskCritical]
}

// AtLeast reports whether r is at least as severe as other
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Ordinal() >= other.Ordinal()
}
