package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/store"
)

// ErrCheckpointNotFound is returned when a query has no saved checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpointer persists query state after each node so an interrupted query
// can be inspected or resumed.
type Checkpointer interface {
	Save(ctx context.Context, state *models.QueryState) error
	Load(ctx context.Context, queryID string) (*models.QueryState, error)
	Delete(ctx context.Context, queryID string) error
}

const checkpointKeyPrefix = "checkpoint:"

// RedisCheckpointer stores checkpoints in the resilient store.
type RedisCheckpointer struct {
	store *store.Resilient
	ttl   time.Duration
}

// NewRedisCheckpointer creates the primary checkpointer.
func NewRedisCheckpointer(st *store.Resilient, ttl time.Duration) *RedisCheckpointer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCheckpointer{store: st, ttl: ttl}
}

// Save persists the state snapshot under the query's checkpoint key
func (c *RedisCheckpointer) Save(ctx context.Context, state *models.QueryState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint for %s: %w", state.QueryID, err)
	}
	return c.store.Set(ctx, checkpointKeyPrefix+state.QueryID, raw, c.ttl)
}

// Load retrieves the last saved snapshot for the query
func (c *RedisCheckpointer) Load(ctx context.Context, queryID string) (*models.QueryState, error) {
	raw, err := c.store.Get(ctx, checkpointKeyPrefix+queryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, queryID)
	}
	if err != nil {
		return nil, err
	}
	var state models.QueryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint for %s: %w", queryID, err)
	}
	return &state, nil
}

// Delete removes the query's checkpoint
func (c *RedisCheckpointer) Delete(ctx context.Context, queryID string) error {
	return c.store.Delete(ctx, checkpointKeyPrefix+queryID)
}

// MemoryCheckpointer is the bounded in-memory fallback: an LRU over query
// IDs keeping the last few snapshots per query.
type MemoryCheckpointer struct {
	entries *lru.Cache[string, []*models.QueryState]
	perKey  int
}

// NewMemoryCheckpointer creates a fallback checkpointer holding up to
// maxQueries queries with maxPerQuery snapshots each.
func NewMemoryCheckpointer(maxQueries, maxPerQuery int) *MemoryCheckpointer {
	if maxQueries <= 0 {
		maxQueries = 1000
	}
	if maxPerQuery <= 0 {
		maxPerQuery = 5
	}
	cache, _ := lru.New[string, []*models.QueryState](maxQueries)
	return &MemoryCheckpointer{entries: cache, perKey: maxPerQuery}
}

// Save appends a snapshot, dropping the oldest past the per-query cap
func (c *MemoryCheckpointer) Save(_ context.Context, state *models.QueryState) error {
	snapshots, _ := c.entries.Get(state.QueryID)
	snapshots = append(snapshots, state.Clone())
	if len(snapshots) > c.perKey {
		snapshots = snapshots[len(snapshots)-c.perKey:]
	}
	c.entries.Add(state.QueryID, snapshots)
	return nil
}

// Load returns the newest snapshot for the query
func (c *MemoryCheckpointer) Load(_ context.Context, queryID string) (*models.QueryState, error) {
	snapshots, ok := c.entries.Get(queryID)
	if !ok || len(snapshots) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, queryID)
	}
	return snapshots[len(snapshots)-1].Clone(), nil
}

// Delete removes all snapshots for the query
func (c *MemoryCheckpointer) Delete(_ context.Context, queryID string) error {
	c.entries.Remove(queryID)
	return nil
}

// FailoverCheckpointer writes through the primary until it fails
// failureLimit times in a row, then swaps to the in-memory fallback for
// good. Loads try whichever side is active, then the other.
type FailoverCheckpointer struct {
	primary      Checkpointer
	fallback     *MemoryCheckpointer
	failureLimit int

	consecutive atomic.Int32
	failedOver  atomic.Bool
}

// NewFailoverCheckpointer wraps primary with an in-memory fallback.
func NewFailoverCheckpointer(primary Checkpointer, fallback *MemoryCheckpointer, failureLimit int) *FailoverCheckpointer {
	if failureLimit <= 0 {
		failureLimit = 3
	}
	return &FailoverCheckpointer{primary: primary, fallback: fallback, failureLimit: failureLimit}
}

// FailedOver reports whether the in-memory fallback is active.
func (c *FailoverCheckpointer) FailedOver() bool {
	return c.failedOver.Load()
}

// Save writes to the active side, tripping failover on repeated primary failures
func (c *FailoverCheckpointer) Save(ctx context.Context, state *models.QueryState) error {
	if c.failedOver.Load() {
		return c.fallback.Save(ctx, state)
	}
	if err := c.primary.Save(ctx, state); err != nil {
		if c.consecutive.Add(1) >= int32(c.failureLimit) && c.failedOver.CompareAndSwap(false, true) {
			slog.Warn("Checkpoint primary failing; swapping to in-memory checkpointer",
				"consecutive_failures", c.consecutive.Load())
		}
		// Cover the failed write so the checkpoint is not lost.
		return c.fallback.Save(ctx, state)
	}
	c.consecutive.Store(0)
	return nil
}

// Load prefers the active side and falls through to the other
func (c *FailoverCheckpointer) Load(ctx context.Context, queryID string) (*models.QueryState, error) {
	if c.failedOver.Load() {
		if state, err := c.fallback.Load(ctx, queryID); err == nil {
			return state, nil
		}
		return c.primary.Load(ctx, queryID)
	}
	if state, err := c.primary.Load(ctx, queryID); err == nil {
		return state, nil
	}
	return c.fallback.Load(ctx, queryID)
}

// Delete removes the checkpoint from both sides
func (c *FailoverCheckpointer) Delete(ctx context.Context, queryID string) error {
	_ = c.fallback.Delete(ctx, queryID)
	return c.primary.Delete(ctx, queryID)
}

var (
	_ Checkpointer = (*RedisCheckpointer)(nil)
	_ Checkpointer = (*MemoryCheckpointer)(nil)
	_ Checkpointer = (*FailoverCheckpointer)(nil)
)
