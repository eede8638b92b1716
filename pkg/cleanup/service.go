// Package cleanup enforces query retention: terminal query state older than
// the configured window is purged from the state publisher, the checkpoint
// store, and the approval store.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// StateIndex is the publisher surface the service purges.
type StateIndex interface {
	TerminalBefore(cutoff time.Time) []string
	Remove(queryID string)
}

// CheckpointStore deletes a query's checkpoint history.
type CheckpointStore interface {
	Delete(ctx context.Context, queryID string) error
}

// ApprovalStore deletes a query's approval records and session binding.
type ApprovalStore interface {
	Delete(ctx context.Context, queryID string) error
}

// Config tunes the retention loop.
type Config struct {
	// QueryTTL is how long terminal query state stays visible.
	QueryTTL time.Duration
	// CleanupInterval is how often the purge runs.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueryTTL <= 0 {
		c.QueryTTL = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// Service periodically purges retained query state. Purges are idempotent
// and safe to run from multiple replicas.
type Service struct {
	states      StateIndex
	checkpoints CheckpointStore
	approvals   ApprovalStore
	cfg         Config
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service, filling defaults for zero config
// fields.
func NewService(states StateIndex, checkpoints CheckpointStore, approvals ApprovalStore, cfg Config) *Service {
	return &Service{
		states:      states,
		checkpoints: checkpoints,
		approvals:   approvals,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"query_ttl", s.cfg.QueryTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce purges every terminal query older than the retention window and
// returns how many were removed.
func (s *Service) RunOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.QueryTTL)
	ids := s.states.TerminalBefore(cutoff)
	if len(ids) == 0 {
		return 0
	}

	purged := 0
	failures := 0
	for _, id := range ids {
		if err := s.checkpoints.Delete(ctx, id); err != nil {
			slog.Error("Retention: checkpoint delete failed", "query_id", id, "error", err)
			failures++
		}
		if err := s.approvals.Delete(ctx, id); err != nil {
			slog.Error("Retention: approval delete failed", "query_id", id, "error", err)
			failures++
		}
		s.states.Remove(id)
		purged++
	}

	slog.Info("Retention: purged terminal queries",
		"count", purged,
		"failures", failures,
		"cutoff", cutoff)
	return purged
}
