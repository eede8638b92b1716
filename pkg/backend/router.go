package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/store"
)

const (
	resultKeyPrefix = "result:"
	// DefaultResultTTL bounds staleness of cached results. There is no
	// write-driven invalidation; freshness is TTL-only.
	DefaultResultTTL = time.Hour
)

// Router dispatches SQL to the adapter for the query's backend and caches
// successful results in the resilient store.
type Router struct {
	adapters  map[models.DatabaseType]Adapter
	cache     *store.Resilient
	resultTTL time.Duration
}

// RouterOption configures optional Router behavior.
type RouterOption func(*Router)

// WithResultCache enables result caching with the given TTL.
func WithResultCache(cache *store.Resilient, ttl time.Duration) RouterOption {
	return func(r *Router) {
		r.cache = cache
		if ttl > 0 {
			r.resultTTL = ttl
		}
	}
}

// NewRouter creates a router over the registered adapters.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		adapters:  make(map[models.DatabaseType]Adapter),
		resultTTL: DefaultResultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an adapter to a database type.
func (r *Router) Register(dbType models.DatabaseType, adapter Adapter) {
	r.adapters[dbType] = adapter
}

// Supports reports whether an adapter is registered for the backend.
func (r *Router) Supports(dbType models.DatabaseType) bool {
	_, ok := r.adapters[dbType]
	return ok
}

// Execute dispatches the statement. Cached results are served without
// touching the backend; fresh results are cached on the way out.
func (r *Router) Execute(ctx context.Context, dbType models.DatabaseType, sql, connection, userID, requestID string) (*models.ExecutionResult, error) {
	adapter, ok := r.adapters[dbType]
	if !ok {
		return nil, dberr.New(dberr.CategoryUnknown, "",
			fmt.Sprintf("no adapter registered for backend %q", dbType), nil)
	}

	log := slog.With("database_type", dbType, "user_id", userID, "request_id", requestID)
	cacheKey := resultCacheKey(dbType, sql)

	if cached, ok := r.cachedResult(ctx, cacheKey); ok {
		log.Debug("Serving cached result", "row_count", cached.RowCount)
		return cached, nil
	}

	result, err := adapter.Execute(ctx, sql, connection)
	if err != nil {
		return nil, err
	}
	log.Info("Query executed",
		"row_count", result.RowCount,
		"execution_time_ms", result.ExecutionTimeMs)

	r.cacheResult(ctx, cacheKey, result)
	return result, nil
}

func (r *Router) cachedResult(ctx context.Context, key string) (*models.ExecutionResult, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var result models.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (r *Router) cacheResult(ctx context.Context, key string, result *models.ExecutionResult) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.resultTTL); err != nil {
		slog.Debug("Result cache write failed", "error", err)
	}
}

// resultCacheKey hashes the backend identity and the whitespace-normalized
// SQL so formatting differences share a cache entry.
func resultCacheKey(dbType models.DatabaseType, sql string) string {
	normalized := strings.Join(strings.Fields(sql), " ")
	normalized = strings.TrimSuffix(normalized, ";")
	sum := sha256.Sum256([]byte(string(dbType) + "\x00" + normalized))
	return resultKeyPrefix + hex.EncodeToString(sum[:])
}
