// Package approval is the human-in-the-loop store: pending approval records
// with TTL, idempotency keys so a (query, SQL) pair is decided at most once,
// risk re-assessment of modified SQL, and session binding that ties an
// approval back to the client that submitted the query.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
	"github.com/queryweaver/queryweaver/pkg/store"
)

// ErrNoPending is returned when a query has no live pending-approval record,
// either because none was saved or because its TTL expired.
var ErrNoPending = errors.New("no pending approval")

const (
	// DefaultPendingTTL is how long a pending approval stays actionable.
	DefaultPendingTTL = 6 * time.Hour
	// DefaultIdempotencyTTL is how long a consumed decision key blocks
	// duplicate decisions.
	DefaultIdempotencyTTL = 24 * time.Hour

	pendingKeyPrefix = "approval:pending:"
	idemKeyPrefix    = "approval:idem:"
	bindingKeyPrefix = "approval:binding:"
)

// Status is the decision state of a pending approval.
type Status string

const (
	// StatusPending means the query is parked awaiting a decision
	StatusPending Status = "pending"
	// StatusApproved means an approver released the query
	StatusApproved Status = "approved"
	// StatusRejected means an approver declined the query
	StatusRejected Status = "rejected"
)

// IsValid checks if the status is valid
func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// PendingApproval is the durable record of a query awaiting (or holding) a
// human decision.
type PendingApproval struct {
	QueryID            string                  `json:"query_id"`
	UserID             string                  `json:"user_id"`
	SQL                string                  `json:"sql"`
	OriginalSQL        string                  `json:"original_sql"`
	Dialect            models.DatabaseType     `json:"dialect"`
	Risk               models.ValidationResult `json:"risk"`
	OriginalRisk       models.RiskLevel        `json:"original_risk"`
	RequiresReapproval bool                    `json:"requires_reapproval,omitempty"`
	Status             Status                  `json:"status"`
	Approver           string                  `json:"approver,omitempty"`
	Reason             string                  `json:"reason,omitempty"`
	Constraints        map[string]string       `json:"constraints,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
	DecidedAt          *time.Time              `json:"decided_at,omitempty"`
}

// Decision is one approver action against a pending record.
type Decision struct {
	QueryID     string
	SQL         string
	Approver    string
	Reason      string
	Constraints map[string]string
}

// SQLAssessor scores SQL for risk. Implemented by sqlguard.Validator.
type SQLAssessor interface {
	Validate(req sqlguard.Request) *models.ValidationResult
}

// Config tunes the approval store.
type Config struct {
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	SessionSecret  string        `yaml:"session_secret"`
	IPPolicy       IPPolicy      `yaml:"ip_policy"`
}

// Store persists pending approvals, decision idempotency keys, and session
// bindings in the resilient store.
type Store struct {
	store    *store.Resilient
	assessor SQLAssessor
	cfg      Config
	secret   []byte
	now      func() time.Time
}

// New creates an approval store, filling defaults for zero config fields.
func New(st *store.Resilient, assessor SQLAssessor, cfg Config) *Store {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if !cfg.IPPolicy.IsValid() {
		cfg.IPPolicy = IPPolicySubnet
	}
	if cfg.SessionSecret == "" {
		slog.Warn("Approval session secret is empty; session fingerprints are forgeable")
	}
	return &Store{
		store:    st,
		assessor: assessor,
		cfg:      cfg,
		secret:   []byte(cfg.SessionSecret),
		now:      time.Now,
	}
}

// SavePending assesses the SQL and stores a pending record for the query.
// Called by the validate stage when a query needs approval.
func (s *Store) SavePending(ctx context.Context, queryID, userID, sql string, dialect models.DatabaseType) (*PendingApproval, error) {
	assessment := s.assessor.Validate(sqlguard.Request{SQL: sql, Dialect: dialect})
	rec := &PendingApproval{
		QueryID:      queryID,
		UserID:       userID,
		SQL:          sql,
		OriginalSQL:  sql,
		Dialect:      dialect,
		Risk:         *assessment,
		OriginalRisk: assessment.RiskLevel,
		Status:       StatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("Saved pending approval",
		"query_id", queryID,
		"user_id", userID,
		"risk_level", string(assessment.RiskLevel))
	return rec, nil
}

// Reassess validates a modified SQL against the pending record. If the new
// risk is higher than the risk the approval was requested for, the record is
// flagged requires_reapproval. Both the modification and the new assessment
// are persisted.
func (s *Store) Reassess(ctx context.Context, queryID, modifiedSQL string, allowedRisks []models.RiskLevel) (*PendingApproval, error) {
	rec, err := s.GetPending(ctx, queryID)
	if err != nil {
		return nil, err
	}

	assessment := s.assessor.Validate(sqlguard.Request{
		SQL:          modifiedSQL,
		Dialect:      rec.Dialect,
		AllowedRisks: allowedRisks,
	})
	rec.SQL = modifiedSQL
	rec.Risk = *assessment
	rec.RequiresReapproval = assessment.RiskLevel.Ordinal() > rec.OriginalRisk.Ordinal()

	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("Reassessed pending approval",
		"query_id", queryID,
		"risk_level", string(assessment.RiskLevel),
		"original_risk", string(rec.OriginalRisk),
		"requires_reapproval", rec.RequiresReapproval)
	return rec, nil
}

// MarkApproved consumes the decision's idempotency key and updates the
// pending record to approved. A decision whose key was already consumed
// returns duplicate=true without touching the record. The decision SQL must
// match the pending SQL; a modified SQL goes through Reassess first.
func (s *Store) MarkApproved(ctx context.Context, d Decision) (rec *PendingApproval, duplicate bool, err error) {
	return s.decide(ctx, d, StatusApproved)
}

// MarkRejected consumes the decision's idempotency key and updates the
// pending record to rejected, with the same duplicate semantics as
// MarkApproved.
func (s *Store) MarkRejected(ctx context.Context, d Decision) (rec *PendingApproval, duplicate bool, err error) {
	return s.decide(ctx, d, StatusRejected)
}

func (s *Store) decide(ctx context.Context, d Decision, status Status) (*PendingApproval, bool, error) {
	rec, err := s.GetPending(ctx, d.QueryID)
	if err != nil {
		return nil, false, err
	}
	sql := d.SQL
	if sql == "" {
		sql = rec.SQL
	}
	if sql != rec.SQL {
		return nil, false, fmt.Errorf("decision SQL does not match pending SQL for query %s; reassess first", d.QueryID)
	}

	won, err := s.store.SetNX(ctx, idemKey(d.QueryID, sql), []byte(s.now().UTC().Format(time.RFC3339Nano)), s.cfg.IdempotencyTTL)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check for query %s: %w", d.QueryID, err)
	}
	if !won {
		slog.Info("Duplicate decision ignored",
			"query_id", d.QueryID,
			"approver", d.Approver)
		return rec, true, nil
	}

	now := s.now().UTC()
	rec.Status = status
	rec.Approver = d.Approver
	rec.Reason = d.Reason
	rec.Constraints = d.Constraints
	rec.DecidedAt = &now
	if err := s.put(ctx, rec); err != nil {
		return nil, false, err
	}
	slog.Info("Approval decision recorded",
		"query_id", d.QueryID,
		"status", string(status),
		"approver", d.Approver)
	return rec, false, nil
}

// GetPending loads the approval record for a query. Returns ErrNoPending
// when the record is absent or expired.
func (s *Store) GetPending(ctx context.Context, queryID string) (*PendingApproval, error) {
	data, err := s.store.Get(ctx, pendingKeyPrefix+queryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w for query %s", ErrNoPending, queryID)
	}
	if err != nil {
		return nil, fmt.Errorf("load pending approval for query %s: %w", queryID, err)
	}
	var rec PendingApproval
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode pending approval for query %s: %w", queryID, err)
	}
	return &rec, nil
}

// Delete removes the pending record and session binding for a query. Called
// by retention cleanup for terminal queries.
func (s *Store) Delete(ctx context.Context, queryID string) error {
	if err := s.store.Delete(ctx, pendingKeyPrefix+queryID); err != nil {
		return err
	}
	return s.store.Delete(ctx, bindingKeyPrefix+queryID)
}

func (s *Store) put(ctx context.Context, rec *PendingApproval) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pending approval for query %s: %w", rec.QueryID, err)
	}
	if err := s.store.Set(ctx, pendingKeyPrefix+rec.QueryID, data, s.cfg.PendingTTL); err != nil {
		return fmt.Errorf("store pending approval for query %s: %w", rec.QueryID, err)
	}
	return nil
}

// idemKey derives the decision idempotency key from the query and the exact
// SQL being decided, so a different SQL for the same query is a different
// decision.
func idemKey(queryID, sql string) string {
	sum := sha256.Sum256([]byte(queryID + "\x00" + sql))
	return idemKeyPrefix + hex.EncodeToString(sum[:])
}
