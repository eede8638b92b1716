// Package pipeline composes the query-processing stages into a driver: each
// stage is a node that mutates the query state and names the next action,
// and the driver walks the transition table, publishing lifecycle events,
// checkpointing after every node, and parking queries that need approval.
package pipeline

import (
	"context"
	"time"

	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/llm"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/policy"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
)

// Stage/action names. NextAction selects the following node; the terminal
// actions end the walk.
const (
	StageUnderstand         = "understand"
	StageRetrieveContext    = "retrieve_context"
	StageGenerateHypothesis = "generate_hypothesis"
	StageGenerateSQL        = "generate_sql"
	StageValidate           = "validate"
	StageExecute            = "execute"
	StageFormat             = "format"

	ActionAwaitApproval = "await_approval"
	ActionDone          = "done"
	ActionError         = "error"

	// ActionDecompose is reserved for the multi-query decomposition path.
	// No node registers it; reaching it is an error.
	ActionDecompose = "decompose"
)

// LLMInvoker is the slice of the LLM gateway the nodes call.
type LLMInvoker interface {
	Invoke(ctx context.Context, req llm.CompletionRequest, preferred string, enableFallback bool) (*llm.Result, error)
}

// SchemaResolver supplies schema snapshots for the retrieve stage.
type SchemaResolver interface {
	Resolve(ctx context.Context, dbType models.DatabaseType, userQuery string, intent *models.Intent) (models.SchemaSnapshot, error)
}

// Approvals is the slice of the approval store the driver needs.
type Approvals interface {
	SavePending(ctx context.Context, queryID, userID, sql string, dialect models.DatabaseType) (*approval.PendingApproval, error)
	GetPending(ctx context.Context, queryID string) (*approval.PendingApproval, error)
	Reassess(ctx context.Context, queryID, modifiedSQL string, allowedRisks []models.RiskLevel) (*approval.PendingApproval, error)
	MarkApproved(ctx context.Context, d approval.Decision) (*approval.PendingApproval, bool, error)
	MarkRejected(ctx context.Context, d approval.Decision) (*approval.PendingApproval, bool, error)
	Bind(ctx context.Context, queryID string, c approval.ClientInfo) error
	VerifyBinding(ctx context.Context, queryID string, c approval.ClientInfo) error
	Delete(ctx context.Context, queryID string) error
}

// Executor dispatches SQL to the backend adapters.
type Executor interface {
	Execute(ctx context.Context, dbType models.DatabaseType, sql, connection, userID, requestID string) (*models.ExecutionResult, error)
}

// Guard is the slice of the SQL validator the driver needs. Implemented by
// sqlguard.Validator.
type Guard interface {
	Validate(req sqlguard.Request) *models.ValidationResult
	Tables(sql string, dialect models.DatabaseType) []string
	Sandbox(sql string, dialect models.DatabaseType, maxRows int) (string, error)
}

// Policy is the role and quota enforcer. Implemented by policy.Enforcer.
type Policy interface {
	Role(name string) policy.Role
	CheckAndIncrementQueryQuota(ctx context.Context, userID string, role policy.Role) (int64, error)
	CheckCostQuota(ctx context.Context, userID string, role policy.Role, estimatedCost float64) error
	TrackQueryCost(ctx context.Context, userID string, cost float64)
	ApplyRowLimit(sql string, role policy.Role, dialect models.DatabaseType) string
	CheckQueryShape(role policy.Role, tables, joins int) error
}

// StatePublisher is the lifecycle event sink. Implemented by
// querystate.Publisher.
type StatePublisher interface {
	Update(queryID string, state models.LifecycleState, event models.QueryStateEvent) error
	Remove(queryID string)
}

// StageObserver receives per-node timings, usually metrics.ObserveStage.
type StageObserver func(stage string, elapsed time.Duration)

// OutcomeObserver receives each query's terminal lifecycle state, usually
// metrics.ObserveQueryOutcome.
type OutcomeObserver func(state models.LifecycleState, dbType models.DatabaseType)

// ApprovalObserver receives approval decision outcomes, usually
// metrics.ObserveApproval.
type ApprovalObserver func(outcome string)

// Config tunes the driver.
type Config struct {
	// MaxNodeRetries bounds re-runs of a node that returned a transient
	// normalized error.
	MaxNodeRetries int `yaml:"max_node_retries"`
	// NodeRetryDelay is the pause between node re-runs.
	NodeRetryDelay time.Duration `yaml:"node_retry_delay"`
	// Provider optionally pins the preferred LLM provider.
	Provider string `yaml:"provider"`
	// EnableFallback lets LLM calls walk the provider chain.
	EnableFallback bool `yaml:"enable_fallback"`
	// SandboxRisk is the risk level at and above which results are
	// row-capped even for privileged roles.
	SandboxRisk models.RiskLevel `yaml:"sandbox_risk"`
	// MaxTokens bounds each LLM completion.
	MaxTokens int `yaml:"max_tokens"`
}

func (c Config) withDefaults() Config {
	if c.MaxNodeRetries <= 0 {
		c.MaxNodeRetries = 2
	}
	if c.NodeRetryDelay <= 0 {
		c.NodeRetryDelay = time.Second
	}
	if !c.SandboxRisk.IsValid() {
		c.SandboxRisk = models.RiskMedium
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}
