package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/models"
)

var (
	// ErrShuttingDown rejects submissions during shutdown.
	ErrShuttingDown = errors.New("pipeline shutting down")
	// ErrUnknownQuery is returned for operations against a query the driver
	// is not tracking.
	ErrUnknownQuery = errors.New("unknown query")
	// ErrNotParked is returned when a decision arrives for a query that is
	// not awaiting approval.
	ErrNotParked = errors.New("query is not awaiting approval")
)

// Deps are the collaborators the driver composes. All required unless noted.
type Deps struct {
	LLM         LLMInvoker
	Schema      SchemaResolver
	Guard       Guard
	Approvals   Approvals
	Executor    Executor
	Publisher   StatePublisher
	Checkpoints Checkpointer
	Policy      Policy
	// Observer receives per-node timings; optional.
	Observer StageObserver
	// Outcome receives each query's terminal state; optional.
	Outcome OutcomeObserver
	// ApprovalOutcome receives approval decision outcomes; optional.
	ApprovalOutcome ApprovalObserver
}

// Driver walks each query through the stage graph. One goroutine per active
// query; the driver owns the QueryState exclusively and everything leaving
// it (publisher events, checkpoints) is a deep copy.
type Driver struct {
	cfg       Config
	llm       LLMInvoker
	schema    SchemaResolver
	guard     Guard
	approvals Approvals
	executor  Executor
	publisher StatePublisher
	ckpt      Checkpointer
	policy    Policy
	observe   StageObserver
	outcome   OutcomeObserver
	approved  ApprovalObserver

	nodes map[string]func(context.Context, *models.QueryState) error

	mu      sync.Mutex
	running map[string]context.CancelFunc
	parked  map[string]*models.QueryState
	closed  bool
	wg      sync.WaitGroup
}

// NewDriver wires the stage graph.
func NewDriver(deps Deps, cfg Config) *Driver {
	d := &Driver{
		cfg:       cfg.withDefaults(),
		llm:       deps.LLM,
		schema:    deps.Schema,
		guard:     deps.Guard,
		approvals: deps.Approvals,
		executor:  deps.Executor,
		publisher: deps.Publisher,
		ckpt:      deps.Checkpoints,
		policy:    deps.Policy,
		observe:   deps.Observer,
		outcome:   deps.Outcome,
		approved:  deps.ApprovalOutcome,
		running:   make(map[string]context.CancelFunc),
		parked:    make(map[string]*models.QueryState),
	}
	// ActionDecompose is intentionally absent; reaching it is an error.
	d.nodes = map[string]func(context.Context, *models.QueryState) error{
		StageUnderstand:         d.understand,
		StageRetrieveContext:    d.retrieveContext,
		StageGenerateHypothesis: d.generateHypothesis,
		StageGenerateSQL:        d.generateSQL,
		StageValidate:           d.validate,
		StageExecute:            d.execute,
		StageFormat:             d.format,
	}
	return d
}

func (d *Driver) log(s *models.QueryState) *slog.Logger {
	return slog.With("query_id", s.QueryID, "trace_id", s.TraceID, "user_id", s.UserID)
}

// Submit validates the request, charges the daily query quota, binds the
// client session, and starts the query walking the stage graph.
func (d *Driver) Submit(ctx context.Context, req models.SubmitRequest, client approval.ClientInfo) (*models.SubmitResponse, error) {
	if !req.DatabaseType.IsValid() {
		return nil, fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}

	role := d.policy.Role(req.Role)
	if _, err := d.policy.CheckAndIncrementQueryQuota(ctx, req.UserID, role); err != nil {
		return nil, err
	}

	// Reuse the caller's trace when one is propagated so the query joins
	// the existing distributed trace instead of starting a new one.
	traceID := uuid.New().String()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	state := &models.QueryState{
		QueryID:      uuid.New().String(),
		TraceID:      traceID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Role:         role.Name,
		UserQuery:    req.UserQuery,
		DatabaseType: req.DatabaseType,
		Connection:   req.Connection,
		CurrentStage: StageUnderstand,
		CreatedAt:    time.Now().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.running[state.QueryID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	if err := d.publisher.Update(state.QueryID, models.StateReceived, d.event(state)); err != nil {
		cancel()
		d.wg.Done()
		d.finishRun(state.QueryID)
		return nil, err
	}
	if err := d.approvals.Bind(ctx, state.QueryID, client); err != nil {
		// The store may be degraded; the query proceeds, approval
		// verification will surface the missing binding if it matters.
		d.log(state).Warn("Session binding not recorded", "error", err)
	}

	d.log(state).Info("Query accepted",
		"database_type", state.DatabaseType,
		"role", state.Role,
		"session_id", state.SessionID)

	go func() {
		defer d.wg.Done()
		d.advance(runCtx, state)
	}()

	return &models.SubmitResponse{
		QueryID: state.QueryID,
		TraceID: state.TraceID,
		Status:  "accepted",
	}, nil
}

// event builds the publisher payload from the current state snapshot.
func (d *Driver) event(s *models.QueryState) models.QueryStateEvent {
	return models.QueryStateEvent{
		Metadata: map[string]any{
			"trace_id": s.TraceID,
			"stage":    s.CurrentStage,
		},
		ThinkingSteps: append([]string(nil), s.LLMMetadata.ThinkingSteps...),
		SQL:           s.SQLQuery,
	}
}

// advance walks nodes until the query parks, finishes, or fails. Each node
// runs inside a span, is retried a bounded number of times on transient
// normalized errors, and is followed by a checkpoint write.
func (d *Driver) advance(ctx context.Context, state *models.QueryState) {
	tracer := otel.Tracer("queryweaver.pipeline")
	log := d.log(state)

	for {
		if err := ctx.Err(); err != nil {
			d.terminate(state, dberr.New(dberr.CategoryUnknown, "CANCELLED", "query cancelled", err))
			return
		}

		stage := state.CurrentStage
		node, ok := d.nodes[stage]
		if !ok {
			d.terminate(state, dberr.New(dberr.CategoryUnknown, "",
				fmt.Sprintf("no node registered for stage %q", stage), nil))
			return
		}

		if stage == StageUnderstand {
			d.publish(state, models.StatePlanning)
		}
		if stage == StageExecute {
			d.publish(state, models.StateExecuting)
		}

		nodeCtx, span := tracer.Start(ctx, "pipeline."+stage)
		span.SetAttributes(
			attribute.String("query_id", state.QueryID),
			attribute.String("trace_id", state.TraceID),
		)
		start := time.Now()
		err := d.runNode(nodeCtx, node, state)
		elapsed := time.Since(start)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if d.observe != nil {
			d.observe(stage, elapsed)
		}

		state.UpdatedAt = time.Now().UTC()
		d.checkpoint(ctx, state)

		if err != nil {
			if ctx.Err() != nil {
				d.terminate(state, dberr.New(dberr.CategoryUnknown, "CANCELLED", "query cancelled", ctx.Err()))
				return
			}
			log.Error("Stage failed", "stage", stage, "error", err)
			d.terminate(state, normalize(err))
			return
		}

		log.Debug("Stage complete", "stage", stage, "next_action", state.NextAction, "elapsed", elapsed)

		switch state.NextAction {
		case StageRetrieveContext, StageGenerateHypothesis, StageGenerateSQL:
			state.CurrentStage = state.NextAction
		case StageValidate:
			d.publish(state, models.StatePrepared)
			state.CurrentStage = StageValidate
		case StageExecute, StageFormat:
			state.CurrentStage = state.NextAction
		case ActionAwaitApproval:
			d.park(state)
			return
		case ActionDone:
			d.finish(state)
			return
		default:
			// Includes ActionDecompose, which no node registers.
			d.terminate(state, dberr.New(dberr.CategoryUnknown, "",
				fmt.Sprintf("unroutable next action %q after stage %q", state.NextAction, stage), nil))
			return
		}
	}
}

// runNode executes one node with bounded re-runs for transient normalized
// errors. Permanent errors return immediately.
func (d *Driver) runNode(ctx context.Context, node func(context.Context, *models.QueryState) error, state *models.QueryState) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = node(ctx, state)
		if err == nil {
			return nil
		}
		var ne *dberr.NormalizedError
		if !errors.As(err, &ne) || !ne.Retry.IsTransient || attempt >= d.cfg.MaxNodeRetries {
			return err
		}
		d.log(state).Warn("Retrying stage after transient error",
			"stage", state.CurrentStage,
			"attempt", attempt+1,
			"category", ne.Category)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.NodeRetryDelay):
		}
	}
}

func (d *Driver) checkpoint(ctx context.Context, state *models.QueryState) {
	if err := d.ckpt.Save(ctx, state.Clone()); err != nil {
		d.log(state).Warn("Checkpoint write failed", "stage", state.CurrentStage, "error", err)
	}
}

func (d *Driver) publish(state *models.QueryState, to models.LifecycleState) {
	if err := d.publisher.Update(state.QueryID, to, d.event(state)); err != nil {
		d.log(state).Error("Lifecycle publish failed", "state", to, "error", err)
	}
}

// park suspends the query until an approval decision arrives.
func (d *Driver) park(state *models.QueryState) {
	ev := d.event(state)
	ev.Metadata["risk_level"] = string(state.Validation.RiskLevel)
	if err := d.publisher.Update(state.QueryID, models.StatePendingApproval, ev); err != nil {
		d.log(state).Error("Lifecycle publish failed", "state", models.StatePendingApproval, "error", err)
	}

	d.mu.Lock()
	delete(d.running, state.QueryID)
	d.parked[state.QueryID] = state
	d.mu.Unlock()

	d.log(state).Info("Query parked for approval", "risk_level", state.Validation.RiskLevel)
}

// ApplyDecision resolves a parked query: verifies the approver's session
// binding, records the decision idempotently, and either resumes execution
// or terminates with REJECTED.
func (d *Driver) ApplyDecision(ctx context.Context, req models.ApprovalRequest, client approval.ClientInfo) (*models.ApprovalResponse, error) {
	if err := d.approvals.VerifyBinding(ctx, req.QueryID, client); err != nil {
		if errors.Is(err, approval.ErrBindingMismatch) {
			slog.Warn("SECURITY: approval decision from unbound session",
				"query_id", req.QueryID,
				"approver", req.Approver,
				"error", err)
			// A decision from the wrong session burns the approval: the
			// query goes terminal instead of staying open for more attempts.
			if state, perr := d.takeParked(ctx, req.QueryID); perr == nil {
				d.terminate(state, dberr.New(dberr.CategoryPermission, "", "approval rejected", err))
			}
		}
		return nil, err
	}

	pending, err := d.approvals.GetPending(ctx, req.QueryID)
	if errors.Is(err, approval.ErrNoPending) {
		// Either the approval TTL expired while parked or the query is not
		// awaiting approval at all.
		if state, perr := d.takeParked(ctx, req.QueryID); perr == nil {
			d.log(state).Warn("Approval record expired while parked")
			d.terminate(state, dberr.New(dberr.CategoryTimeout, "", "approval window expired", err))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if pending.Status != approval.StatusPending {
		// Already decided; acknowledge without re-running anything.
		return &models.ApprovalResponse{QueryID: req.QueryID, Status: string(pending.Status), Duplicate: true}, nil
	}

	state, err := d.takeParked(ctx, req.QueryID)
	if err != nil {
		return nil, err
	}
	log := d.log(state)

	decision := approval.Decision{
		QueryID:  req.QueryID,
		SQL:      pending.SQL,
		Approver: req.Approver,
		Reason:   req.Reason,
	}

	if !req.Approved {
		rec, duplicate, err := d.approvals.MarkRejected(ctx, decision)
		if err != nil {
			d.reparked(state)
			return nil, err
		}
		if duplicate {
			d.reparked(state)
			return &models.ApprovalResponse{QueryID: req.QueryID, Status: string(rec.Status), Duplicate: true}, nil
		}
		log.Info("Query rejected", "approver", req.Approver, "reason", req.Reason)
		ev := d.event(state)
		ev.Metadata["reason"] = req.Reason
		if err := d.publisher.Update(state.QueryID, models.StateRejected, ev); err != nil {
			log.Error("Lifecycle publish failed", "state", models.StateRejected, "error", err)
		}
		// The decided record stays until its TTL for duplicate detection.
		state.NeedsApproval = false
		if d.approved != nil {
			d.approved("rejected")
		}
		if d.outcome != nil {
			d.outcome(models.StateRejected, state.DatabaseType)
		}
		d.cleanup(context.Background(), state)
		return &models.ApprovalResponse{QueryID: req.QueryID, Status: "rejected"}, nil
	}

	if req.ModifiedSQL != "" && req.ModifiedSQL != pending.SQL {
		role := d.policy.Role(state.Role)
		pending, err = d.approvals.Reassess(ctx, req.QueryID, req.ModifiedSQL, role.AllowedRisks)
		if err != nil {
			d.reparked(state)
			return nil, err
		}
		decision.SQL = pending.SQL
		state.SQLQuery = pending.SQL
		risk := pending.Risk
		if capped := d.policy.ApplyRowLimit(pending.SQL, role, state.DatabaseType); capped != pending.SQL {
			risk.SandboxedSQL = capped
		}
		state.Validation = &risk
		if pending.RequiresReapproval {
			log.Info("Modified SQL raised risk; approval applies to the new statement",
				"original_risk", pending.OriginalRisk,
				"risk", pending.Risk.RiskLevel)
		}
	}

	rec, duplicate, err := d.approvals.MarkApproved(ctx, decision)
	if err != nil {
		d.reparked(state)
		return nil, err
	}
	if duplicate {
		d.reparked(state)
		return &models.ApprovalResponse{QueryID: req.QueryID, Status: string(rec.Status), Duplicate: true}, nil
	}

	log.Info("Query approved", "approver", req.Approver)
	if d.approved != nil {
		d.approved("approved")
	}
	ev := d.event(state)
	ev.Metadata["approver"] = req.Approver
	if err := d.publisher.Update(state.QueryID, models.StateApproved, ev); err != nil {
		log.Error("Lifecycle publish failed", "state", models.StateApproved, "error", err)
	}

	state.NeedsApproval = false
	state.NextAction = ""
	state.CurrentStage = StageExecute

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.running[state.QueryID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.advance(runCtx, state)
	}()

	return &models.ApprovalResponse{QueryID: req.QueryID, Status: "approved"}, nil
}

// takeParked claims the parked state, falling back to the checkpoint store
// when the process restarted while the query was parked.
func (d *Driver) takeParked(ctx context.Context, queryID string) (*models.QueryState, error) {
	d.mu.Lock()
	state, ok := d.parked[queryID]
	if ok {
		delete(d.parked, queryID)
	}
	d.mu.Unlock()
	if ok {
		return state, nil
	}

	state, err := d.ckpt.Load(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotParked, queryID)
	}
	if state.NextAction != ActionAwaitApproval {
		// Re-park nothing; the checkpoint shows the query was not waiting.
		return nil, fmt.Errorf("%w: %s", ErrNotParked, queryID)
	}
	return state, nil
}

func (d *Driver) reparked(state *models.QueryState) {
	d.mu.Lock()
	d.parked[state.QueryID] = state
	d.mu.Unlock()
}

// Cancel stops a running or parked query and publishes the cancellation.
func (d *Driver) Cancel(queryID string) error {
	d.mu.Lock()
	if cancel, ok := d.running[queryID]; ok {
		d.mu.Unlock()
		cancel()
		return nil
	}
	state, ok := d.parked[queryID]
	if ok {
		delete(d.parked, queryID)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	d.terminate(state, dberr.New(dberr.CategoryUnknown, "CANCELLED", "query cancelled while awaiting approval", nil))
	return nil
}

// finish publishes FINISHED with the formatted result.
func (d *Driver) finish(state *models.QueryState) {
	ev := d.event(state)
	ev.Result = state.Clone().FormattedResult
	if err := d.publisher.Update(state.QueryID, models.StateFinished, ev); err != nil {
		d.log(state).Error("Lifecycle publish failed", "state", models.StateFinished, "error", err)
	}
	d.log(state).Info("Query finished",
		"row_count", state.FormattedResult.RowCount,
		"sql_confidence", state.SQLConfidence,
		"providers", state.LLMMetadata.Providers)
	if d.outcome != nil {
		d.outcome(models.StateFinished, state.DatabaseType)
	}
	d.cleanup(context.Background(), state)
}

// terminate records the error and publishes ERROR.
func (d *Driver) terminate(state *models.QueryState, ne *dberr.NormalizedError) {
	state.Error = ne
	state.NextAction = ActionError
	state.UpdatedAt = time.Now().UTC()

	ev := d.event(state)
	ev.Metadata["error_category"] = string(ne.Category)
	ev.Metadata["error"] = ne.UserMessage
	if err := d.publisher.Update(state.QueryID, models.StateError, ev); err != nil {
		d.log(state).Error("Lifecycle publish failed", "state", models.StateError, "error", err)
	}
	d.log(state).Warn("Query failed",
		"stage", state.CurrentStage,
		"category", ne.Category,
		"error", ne.Message)

	ctx := context.Background()
	if err := d.ckpt.Save(ctx, state.Clone()); err != nil {
		d.log(state).Warn("Terminal checkpoint write failed", "error", err)
	}
	if d.outcome != nil {
		d.outcome(models.StateError, state.DatabaseType)
	}
	d.cleanup(ctx, state)
}

// cleanup drops the run registration and any stale approval record. The
// checkpoint and publisher snapshot stay for the retention cleaner.
func (d *Driver) cleanup(ctx context.Context, state *models.QueryState) {
	d.finishRun(state.QueryID)
	if state.NeedsApproval {
		if err := d.approvals.Delete(ctx, state.QueryID); err != nil {
			d.log(state).Debug("Pending approval cleanup failed", "error", err)
		}
	}
}

func (d *Driver) finishRun(queryID string) {
	d.mu.Lock()
	delete(d.running, queryID)
	d.mu.Unlock()
}

// Active reports how many queries are running or parked.
func (d *Driver) Active() (running, parked int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running), len(d.parked)
}

// Shutdown refuses new submissions, cancels in-flight queries, and waits for
// their goroutines up to the context deadline. Parked queries stay
// checkpointed for a later process to resume.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	cancels := make([]context.CancelFunc, 0, len(d.running))
	for _, cancel := range d.running {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

// normalize wraps non-normalized node errors into the canonical form.
func normalize(err error) *dberr.NormalizedError {
	var ne *dberr.NormalizedError
	if errors.As(err, &ne) {
		return ne
	}
	return dberr.New(dberr.CategoryUnknown, "", err.Error(), err)
}
