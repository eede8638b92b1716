package schemainfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/store"
)

const (
	// DefaultTTL is how long resolved table metadata stays cached. Schema
	// changes rarely; an hour keeps dictionary queries off the hot path
	// without letting renames go stale for long.
	DefaultTTL = time.Hour

	// DefaultListingCap bounds the fallback snapshot when a question names
	// no tables at all. Prompt budgets cannot absorb a thousand-table
	// warehouse, so the listing is truncated alphabetically.
	DefaultListingCap = 25

	cacheKeyPrefix = "schema:"
)

// Source fetches schema metadata from one backend. Implementations
// normalize identifier case the way their backend stores it.
type Source interface {
	// Identity names the backend instance, e.g. "oracle:prod-dwh". It is
	// part of every cache key so snapshots never cross backends.
	Identity() string

	// TableColumns returns column metadata for the requested tables, keyed
	// by the backend's canonical spelling of each name. Tables the backend
	// does not know are absent from the result, not an error.
	TableColumns(ctx context.Context, tables []string) (map[string][]models.ColumnInfo, error)

	// AllTables lists every table name visible to the connection.
	AllTables(ctx context.Context) ([]string, error)
}

// cachedTable is the per-table cache payload. The canonical name travels
// with the columns because lookups are folded to upper case.
type cachedTable struct {
	Name    string              `json:"name"`
	Columns []models.ColumnInfo `json:"columns"`
}

// Resolver assembles schema snapshots for queries, caching per table so a
// popular table warms once and serves every question that touches it.
type Resolver struct {
	sources    map[models.DatabaseType]Source
	cache      *store.Resilient
	ttl        time.Duration
	listingCap int
	group      singleflight.Group
	logger     *slog.Logger
}

// Option adjusts resolver behavior.
type Option func(*Resolver)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithListingCap overrides how many tables the full-listing fallback includes.
func WithListingCap(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.listingCap = n
		}
	}
}

// NewResolver creates a resolver backed by the given cache. A nil cache
// disables caching; every resolve then hits the backend.
func NewResolver(cache *store.Resilient, opts ...Option) *Resolver {
	r := &Resolver{
		sources:    make(map[models.DatabaseType]Source),
		cache:      cache,
		ttl:        DefaultTTL,
		listingCap: DefaultListingCap,
		logger:     slog.Default().With("component", "schema_resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register wires a backend source. Registering the same type twice replaces
// the earlier source.
func (r *Resolver) Register(dbType models.DatabaseType, src Source) {
	r.sources[dbType] = src
}

// Resolve builds the schema snapshot for a question. Table candidates come
// from the intent when the classifier produced any, otherwise from heuristic
// extraction over the question text. When neither yields a name the snapshot
// falls back to a capped listing of the whole backend.
//
// Tables that do not exist in the backend are silently absent from the
// snapshot; the generation stage treats an empty snapshot as "schema unknown".
func (r *Resolver) Resolve(ctx context.Context, dbType models.DatabaseType, userQuery string, intent *models.Intent) (models.SchemaSnapshot, error) {
	src, ok := r.sources[dbType]
	if !ok {
		return models.SchemaSnapshot{}, fmt.Errorf("no schema source registered for backend %s", dbType)
	}

	var candidates []string
	if intent != nil && len(intent.Tables) > 0 {
		candidates = intent.Tables
	} else {
		candidates = ExtractTables(userQuery)
	}
	tables := baseNames(candidates)

	if len(tables) == 0 {
		listing, err := r.tableListing(ctx, src)
		if err != nil {
			return models.SchemaSnapshot{}, fmt.Errorf("list tables on %s: %w", src.Identity(), err)
		}
		if len(listing) > r.listingCap {
			listing = listing[:r.listingCap]
		}
		tables = listing
	}

	snapshot := models.SchemaSnapshot{
		Backend: src.Identity(),
		Tables:  make(map[string][]models.ColumnInfo),
	}
	if len(tables) == 0 {
		return snapshot, nil
	}

	var missing []string
	for _, table := range tables {
		if entry, ok := r.cachedEntry(ctx, src.Identity(), table); ok {
			snapshot.Tables[entry.Name] = entry.Columns
			continue
		}
		missing = append(missing, table)
	}

	if len(missing) > 0 {
		fetched, err := r.fetchTables(ctx, src, missing)
		if err != nil {
			return models.SchemaSnapshot{}, fmt.Errorf("resolve schema on %s: %w", src.Identity(), err)
		}
		for name, cols := range fetched {
			snapshot.Tables[name] = cols
		}
	}
	return snapshot, nil
}

// fetchTables loads the given tables from the backend exactly once even
// when concurrent queries miss the cache together, and writes each resolved
// table back to the cache.
func (r *Resolver) fetchTables(ctx context.Context, src Source, tables []string) (map[string][]models.ColumnInfo, error) {
	key := src.Identity() + "|" + flightKey(tables)
	result, err, _ := r.group.Do(key, func() (any, error) {
		fetched, err := src.TableColumns(ctx, tables)
		if err != nil {
			return nil, err
		}
		for name, cols := range fetched {
			r.cacheEntry(ctx, src.Identity(), cachedTable{Name: name, Columns: cols})
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string][]models.ColumnInfo), nil
}

// tableListing returns the full table listing, cached under its own key.
func (r *Resolver) tableListing(ctx context.Context, src Source) ([]string, error) {
	cacheKey := cacheKeyPrefix + src.Identity() + ":#tables"
	if raw, ok := r.cacheGet(ctx, cacheKey); ok {
		var names []string
		if err := json.Unmarshal(raw, &names); err == nil {
			return names, nil
		}
	}

	result, err, _ := r.group.Do(src.Identity()+"|#tables", func() (any, error) {
		names, err := src.AllTables(ctx)
		if err != nil {
			return nil, err
		}
		sort.Strings(names)
		if r.cache != nil {
			if payload, err := json.Marshal(names); err == nil {
				if err := r.cache.Set(ctx, cacheKey, payload, r.ttl); err != nil {
					r.logger.Debug("Schema listing cache write failed", "backend", src.Identity(), "error", err)
				}
			}
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// CachedColumns returns the cached column names of a table without touching
// the backend. The error normalizer uses it to suggest columns when a query
// references one that does not exist. A false return means the table is not
// in cache; callers must not treat that as "table unknown".
func (r *Resolver) CachedColumns(ctx context.Context, dbType models.DatabaseType, table string) ([]string, bool) {
	src, ok := r.sources[dbType]
	if !ok {
		return nil, false
	}
	entry, ok := r.cachedEntry(ctx, src.Identity(), table)
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(entry.Columns))
	for _, col := range entry.Columns {
		names = append(names, col.Name)
	}
	return names, true
}

// Invalidate drops one table from the cache, for callers that learn a
// snapshot is stale (e.g. after a DDL notification).
func (r *Resolver) Invalidate(ctx context.Context, dbType models.DatabaseType, table string) {
	src, ok := r.sources[dbType]
	if !ok || r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, tableKey(src.Identity(), table)); err != nil {
		r.logger.Debug("Schema cache invalidation failed", "backend", src.Identity(), "table", table, "error", err)
	}
}

func (r *Resolver) cachedEntry(ctx context.Context, identity, table string) (cachedTable, bool) {
	raw, ok := r.cacheGet(ctx, tableKey(identity, table))
	if !ok {
		return cachedTable{}, false
	}
	var entry cachedTable
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cachedTable{}, false
	}
	return entry, true
}

func (r *Resolver) cacheEntry(ctx context.Context, identity string, entry cachedTable) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, tableKey(identity, entry.Name), payload, r.ttl); err != nil {
		r.logger.Debug("Schema cache write failed", "backend", identity, "table", entry.Name, "error", err)
	}
}

func (r *Resolver) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("Schema cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return raw, true
}

// baseNames strips schema qualifiers ("sales.orders" becomes "orders") and
// folds duplicates case-insensitively, keeping the first spelling seen.
func baseNames(tables []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, table := range tables {
		if idx := strings.LastIndex(table, "."); idx >= 0 {
			table = table[idx+1:]
		}
		if table == "" {
			continue
		}
		key := strings.ToUpper(table)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, table)
	}
	return out
}

// tableKey folds the table name to upper case so "orders", "Orders" and
// "ORDERS" share one entry regardless of which spelling the question used.
func tableKey(identity, table string) string {
	return cacheKeyPrefix + identity + ":" + strings.ToUpper(table)
}

func flightKey(tables []string) string {
	keys := make([]string, 0, len(tables))
	for _, t := range tables {
		keys = append(keys, strings.ToUpper(t))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
