package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/llm"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
)

// complete runs one LLM call, recording the exchange and token usage on the
// state.
func (d *Driver) complete(ctx context.Context, s *models.QueryState, system, user string, jsonMode bool) (string, error) {
	req := llm.CompletionRequest{
		Messages: []models.Message{
			{Role: "system", Content: system, Timestamp: time.Now().UTC()},
			{Role: "user", Content: user, Timestamp: time.Now().UTC()},
		},
		MaxTokens: d.cfg.MaxTokens,
		JSONMode:  jsonMode,
	}
	res, err := d.llm.Invoke(ctx, req, d.cfg.Provider, d.cfg.EnableFallback)
	if err != nil {
		return "", err
	}
	s.AddMessage("user", user)
	s.AddMessage("assistant", res.Content)
	s.LLMMetadata.Providers = append(s.LLMMetadata.Providers, res.ProviderUsed)
	s.LLMMetadata.PromptTokens += res.PromptTokens
	s.LLMMetadata.OutputTokens += res.CompletionTokens
	return res.Content, nil
}

// understand classifies the question. LLM first; the deterministic keyword
// fallback covers parse failures and provider outages so the query never
// stalls here.
func (d *Driver) understand(ctx context.Context, s *models.QueryState) error {
	s.AddThinking("Classifying the question")

	intent, err := d.llmIntent(ctx, s)
	if err != nil {
		d.log(s).Warn("Intent classification falling back to keywords", "error", err)
		intent = fallbackIntent(s.UserQuery)
		s.AddThinking("Classified by keyword fallback")
	} else {
		s.AddThinking(fmt.Sprintf("Classified as %s/%s in domain %q", intent.QueryType, intent.Complexity, intent.Domain))
	}
	s.Intent = intent

	role := d.policy.Role(s.Role)
	if err := d.policy.CheckQueryShape(role, len(intent.Tables), intent.JoinsCount); err != nil {
		return dberr.New(dberr.CategoryPermission, "", err.Error(), err)
	}

	s.NextAction = StageRetrieveContext
	return nil
}

func (d *Driver) llmIntent(ctx context.Context, s *models.QueryState) (*models.Intent, error) {
	content, err := d.complete(ctx, s, understandSystemPrompt, s.UserQuery, true)
	if err != nil {
		return nil, err
	}
	raw, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object in intent response")
	}
	var intent models.Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}
	if !validIntent(&intent) {
		return nil, fmt.Errorf("intent outside taxonomy: type=%q complexity=%q", intent.QueryType, intent.Complexity)
	}
	intent.Source = "llm"
	return &intent, nil
}

func validIntent(i *models.Intent) bool {
	switch i.QueryType {
	case "aggregation", "lookup", "trend", "comparison", "listing":
	default:
		return false
	}
	switch i.Complexity {
	case "simple", "medium", "complex":
	default:
		return false
	}
	return true
}

// retrieveContext resolves the schema snapshot the generator is grounded in.
func (d *Driver) retrieveContext(ctx context.Context, s *models.QueryState) error {
	s.AddThinking("Resolving schema")
	snapshot, err := d.schema.Resolve(ctx, s.DatabaseType, s.UserQuery, s.Intent)
	if err != nil {
		return err
	}
	s.Context = &models.QueryContext{Schema: snapshot}
	s.AddThinking(fmt.Sprintf("Resolved %d tables", len(snapshot.Tables)))
	s.NextAction = StageGenerateHypothesis
	return nil
}

// generateHypothesis asks for a structured query plan. A response that fails
// to parse degrades to a plain-text plan instead of failing the query.
func (d *Driver) generateHypothesis(ctx context.Context, s *models.QueryState) error {
	s.AddThinking("Planning the query")
	user := fmt.Sprintf("Question: %s\n\nClassification: %s\n\nSchema:\n%s",
		s.UserQuery, intentSummary(s.Intent), renderSchema(s.Context.Schema))

	content, err := d.complete(ctx, s, hypothesisSystemPrompt, user, true)
	if err != nil {
		return err
	}

	hyp := &models.Hypothesis{Confidence: "low"}
	if raw, ok := extractJSON(content); ok {
		if jsonErr := json.Unmarshal([]byte(raw), hyp); jsonErr == nil && hyp.MainTable != "" {
			if hyp.Confidence == "" {
				hyp.Confidence = "medium"
			}
			s.Hypothesis = hyp
			s.AddThinking(fmt.Sprintf("Planned around %s with %s confidence", hyp.MainTable, hyp.Confidence))
			s.NextAction = StageGenerateSQL
			return nil
		}
	}

	// Keep the raw plan so the generator still has something to work from.
	hyp = &models.Hypothesis{Confidence: "low", PlanText: strings.TrimSpace(content)}
	s.Hypothesis = hyp
	s.AddThinking("Plan did not parse; continuing with plain-text plan")
	s.NextAction = StageGenerateSQL
	return nil
}

func intentSummary(i *models.Intent) string {
	if i == nil {
		return "(none)"
	}
	raw, err := json.Marshal(i)
	if err != nil {
		return "(none)"
	}
	return string(raw)
}

func hypothesisSummary(h *models.Hypothesis) string {
	if h == nil {
		return "(none)"
	}
	if h.PlanText != "" {
		return h.PlanText
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "(none)"
	}
	return string(raw)
}

// generateSQL produces the final statement and scores its confidence.
func (d *Driver) generateSQL(ctx context.Context, s *models.QueryState) error {
	s.AddThinking("Writing SQL")
	system := fmt.Sprintf(generateSystemPrompt, s.DatabaseType)
	user := fmt.Sprintf("Question: %s\n\nClassification: %s\n\nPlan: %s\n\nSchema:\n%s",
		s.UserQuery, intentSummary(s.Intent), hypothesisSummary(s.Hypothesis), renderSchema(s.Context.Schema))

	content, err := d.complete(ctx, s, system, user, false)
	if err != nil {
		return err
	}
	sql := extractSQL(content)
	if sql == "" {
		return dberr.New(dberr.CategorySyntax, "", "model returned no SQL statement", nil)
	}
	s.SQLQuery = sql
	s.SQLConfidence = d.scoreConfidence(s)
	s.AddThinking(fmt.Sprintf("Generated SQL with confidence %d", s.SQLConfidence))
	s.NextAction = StageValidate
	return nil
}

// scoreConfidence grades the generated SQL 0-100: plan confidence carries the
// most weight, then schema grounding of every referenced table.
func (d *Driver) scoreConfidence(s *models.QueryState) int {
	score := 40
	if s.Hypothesis != nil {
		switch s.Hypothesis.Confidence {
		case "high":
			score += 30
		case "medium":
			score += 15
		}
		if s.Hypothesis.PlanText != "" {
			score -= 10
		}
	}
	if s.Intent != nil && s.Intent.Source == "llm" {
		score += 10
	}
	if s.Context != nil && allTablesKnown(d.guard.Tables(s.SQLQuery, s.DatabaseType), s.Context.Schema) {
		score += 20
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func allTablesKnown(tables []string, schema models.SchemaSnapshot) bool {
	if len(tables) == 0 {
		return false
	}
	known := make(map[string]struct{}, len(schema.Tables))
	for name := range schema.Tables {
		known[strings.ToUpper(name)] = struct{}{}
	}
	for _, t := range tables {
		if _, ok := known[strings.ToUpper(t)]; !ok {
			return false
		}
	}
	return true
}

// validate runs safety validation, applies the role row cap and sandbox
// wrapping, and parks the query when approval is required.
func (d *Driver) validate(ctx context.Context, s *models.QueryState) error {
	s.AddThinking("Validating SQL")
	role := d.policy.Role(s.Role)

	result := d.guard.Validate(sqlguard.Request{
		SQL:          s.SQLQuery,
		Dialect:      s.DatabaseType,
		AllowedRisks: role.AllowedRisks,
	})
	s.Validation = result
	if !result.Valid {
		return dberr.New(dberr.CategoryPermission, "",
			"SQL rejected by validation: "+strings.Join(result.Errors, "; "), nil)
	}
	if result.ConvertedSQL != "" {
		s.SQLQuery = result.ConvertedSQL
		s.AddThinking("Converted SQL to the target dialect")
	}

	execSQL := d.policy.ApplyRowLimit(s.SQLQuery, role, s.DatabaseType)
	if result.RiskLevel.AtLeast(d.cfg.SandboxRisk) {
		wrapped, err := d.guard.Sandbox(execSQL, s.DatabaseType, role.MaxRows)
		if err != nil {
			return dberr.New(dberr.CategoryPermission, "", "sandbox wrapping failed: "+err.Error(), err)
		}
		execSQL = wrapped
		s.AddThinking("Sandboxed with a hard row cap")
	}
	if execSQL != s.SQLQuery {
		result.SandboxedSQL = execSQL
	}

	if result.RequiresApproval {
		if _, err := d.approvals.SavePending(ctx, s.QueryID, s.UserID, s.SQLQuery, s.DatabaseType); err != nil {
			return fmt.Errorf("save pending approval: %w", err)
		}
		s.NeedsApproval = true
		s.AddThinking(fmt.Sprintf("Risk %s requires approval; parking", result.RiskLevel))
		s.NextAction = ActionAwaitApproval
		return nil
	}

	s.NextAction = StageExecute
	return nil
}

// estimateQueryCost is a coarse per-query cost unit used for the daily cost
// quota. Joins and complexity scale it; the exact unit only has to be
// consistent across queries.
func estimateQueryCost(s *models.QueryState) float64 {
	cost := 1.0
	if s.Intent != nil {
		cost += 0.5 * float64(s.Intent.JoinsCount)
		if s.Intent.Complexity == "complex" {
			cost *= 2
		}
	}
	return cost
}

// execute checks the cost quota, dispatches the SQL, and tracks the spend.
func (d *Driver) execute(ctx context.Context, s *models.QueryState) error {
	role := d.policy.Role(s.Role)
	cost := estimateQueryCost(s)
	if err := d.policy.CheckCostQuota(ctx, s.UserID, role, cost); err != nil {
		return dberr.New(dberr.CategoryQuotaExceeded, "", err.Error(), err)
	}

	sql := s.SQLQuery
	if s.Validation != nil && s.Validation.SandboxedSQL != "" {
		sql = s.Validation.SandboxedSQL
	}
	s.AddThinking("Executing against " + string(s.DatabaseType))

	result, err := d.executor.Execute(ctx, s.DatabaseType, sql, s.Connection, s.UserID, s.QueryID)
	if err != nil {
		return err
	}
	d.policy.TrackQueryCost(ctx, s.UserID, cost)

	s.ExecutionResult = result
	s.AddThinking(fmt.Sprintf("Returned %d rows in %dms", result.RowCount, result.ExecutionTimeMs))
	s.NextAction = StageFormat
	return nil
}

// format shapes the execution result for the client.
func (d *Driver) format(_ context.Context, s *models.QueryState) error {
	exec := s.ExecutionResult
	if exec == nil {
		return dberr.New(dberr.CategoryUnknown, "", "format reached without an execution result", nil)
	}

	formatted := &models.FormattedResult{
		Columns:         append([]string(nil), exec.Columns...),
		Rows:            exec.Rows,
		RowCount:        exec.RowCount,
		ExecutionTimeMs: exec.ExecutionTimeMs,
		SQL:             s.SQLQuery,
		ThinkingSteps:   append([]string(nil), s.LLMMetadata.ThinkingSteps...),
	}

	if exec.RowCount == 0 {
		formatted.Discoveries = append(formatted.Discoveries, "The query matched no rows.")
	}
	role := d.policy.Role(s.Role)
	if role.MaxRows > 0 && exec.RowCount >= role.MaxRows {
		formatted.Discoveries = append(formatted.Discoveries,
			fmt.Sprintf("Results were capped at %d rows by your role limit.", role.MaxRows))
	}
	if s.Intent != nil && s.Intent.Source == "fallback" {
		formatted.Discoveries = append(formatted.Discoveries,
			"The question was classified heuristically; rephrasing may improve accuracy.")
	}

	s.FormattedResult = formatted
	s.NextAction = ActionDone
	return nil
}
