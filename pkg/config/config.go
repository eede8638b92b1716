// Package config loads the YAML configuration directory at startup:
// queryweaver.yaml plus an optional llm-providers.yaml, with {{.ENV_VAR}}
// expansion, user values merged over built-in defaults, and validation.
// The returned Config is immutable; durations are YAML strings parsed to
// time.Duration.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/pipeline"
	"github.com/queryweaver/queryweaver/pkg/policy"
	"github.com/queryweaver/queryweaver/pkg/pool"
	"github.com/queryweaver/queryweaver/pkg/ratelimit"
	"github.com/queryweaver/queryweaver/pkg/resilience"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
)

// Config is the complete runtime configuration, ready for wiring.
type Config struct {
	configDir string

	Server     ServerConfig
	Redis      RedisConfig
	LLM        LLMConfig
	MCPServers map[string]mcp.ServerConfig
	Backends   BackendsConfig
	Pool       pool.Config
	Validator  sqlguard.Config
	Approval   approval.Config
	Roles      map[string]policy.Role
	RateLimit  ratelimit.Config
	Retention  RetentionConfig
	Pipeline   pipeline.Config
	Breakers   resilience.BreakerConfig
	Cache      CacheConfig

	Providers *ProviderRegistry
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig locates the resilient store's Redis and sizes its in-memory
// fallback cache.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	FallbackCacheSize int
	FallbackCacheTTL  time.Duration
}

// LLMConfig tunes the gateway's fallback chain.
type LLMConfig struct {
	DefaultProvider     string
	FallbackOrder       []string
	EnableFallback      bool
	MaxRateLimitWait    time.Duration
	TransientRetryDelay time.Duration
}

// ProviderType selects the wire protocol a provider speaks.
type ProviderType string

const (
	// ProviderTypeOpenAI covers every OpenAI-compatible HTTP API
	ProviderTypeOpenAI ProviderType = "openai"
	// ProviderTypeAnthropic uses the official Anthropic SDK
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// IsValid checks if the provider type is valid
func (t ProviderType) IsValid() bool {
	return t == ProviderTypeOpenAI || t == ProviderTypeAnthropic
}

// ProviderConfig defines one LLM provider.
type ProviderConfig struct {
	Type    ProviderType
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// BackendsConfig describes the execution backends. A backend is enabled by
// configuring it; absent sections leave the database type unroutable.
type BackendsConfig struct {
	Oracle   *OracleBackend   `yaml:"oracle"`
	Doris    *DorisBackend    `yaml:"doris"`
	Postgres *PostgresBackend `yaml:"postgres"`
}

// OracleBackend runs SQL through a pool of spawned bridge processes.
type OracleBackend struct {
	// Bridge is the client binary each pool slot spawns.
	Bridge mcp.ProcessConfig `yaml:"bridge"`
	// Target names the instance for schema cache keys, e.g. "prod-dwh".
	Target string `yaml:"target"`
}

// DorisBackend proxies SQL through a configured MCP server.
type DorisBackend struct {
	// MCPServer is the mcp_servers entry to route through.
	MCPServer string `yaml:"mcp_server"`
	// Database is the single database the proxy exposes.
	Database string `yaml:"database"`
	// Target names the database for schema cache keys.
	Target string `yaml:"target"`
}

// PostgresBackend executes through a pgx connection pool.
type PostgresBackend struct {
	DSN              string        `yaml:"dsn"`
	StatementTimeout time.Duration `yaml:"-"`
	// Target names the database for schema cache keys.
	Target string `yaml:"target"`
}

// RetentionConfig controls the purge of terminal query state.
type RetentionConfig struct {
	// QueryTTL is how long terminal query states stay visible before the
	// cleanup service removes them.
	QueryTTL time.Duration
	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// CacheConfig holds the TTLs of the store-backed caches.
type CacheConfig struct {
	ResultTTL     time.Duration
	SchemaTTL     time.Duration
	CheckpointTTL time.Duration
}

// ProviderRegistry stores provider configurations with thread-safe access.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderConfig
}

// NewProviderRegistry creates a registry over a defensive copy of providers.
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	copied := make(map[string]*ProviderConfig, len(providers))
	for name, p := range providers {
		copied[name] = p
	}
	return &ProviderRegistry{providers: copied}
}

// Get retrieves a provider configuration by name.
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Has checks if a provider exists in the registry.
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns the registered provider names.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
