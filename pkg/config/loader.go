package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"

	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/pipeline"
	"github.com/queryweaver/queryweaver/pkg/policy"
	"github.com/queryweaver/queryweaver/pkg/pool"
	"github.com/queryweaver/queryweaver/pkg/ratelimit"
	"github.com/queryweaver/queryweaver/pkg/resilience"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
	"gopkg.in/yaml.v3"
)

// queryweaverYAML is the on-disk shape of queryweaver.yaml. Durations are
// strings ("30s", "6h") parsed during resolution.
type queryweaverYAML struct {
	Server     *serverYAML                 `yaml:"server"`
	Redis      *redisYAML                  `yaml:"redis"`
	LLM        *llmYAML                    `yaml:"llm"`
	MCPServers map[string]mcp.ServerConfig `yaml:"mcp_servers"`
	Backends   *backendsYAML               `yaml:"backends"`
	Pool       *poolYAML                   `yaml:"pool"`
	Validator  *sqlguard.Config           `yaml:"validator"`
	Approval   *approvalYAML              `yaml:"approval"`
	Roles      map[string]policy.Role     `yaml:"roles"`
	RateLimit  *ratelimitYAML             `yaml:"ratelimit"`
	Retention  *retentionYAML             `yaml:"retention"`
	Pipeline   *pipelineYAML              `yaml:"pipeline"`
	Breakers   *breakersYAML              `yaml:"breakers"`
	Cache      *cacheYAML                 `yaml:"cache"`
}

type serverYAML struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type redisYAML struct {
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	FallbackCacheSize int    `yaml:"fallback_cache_size"`
	FallbackCacheTTL  string `yaml:"fallback_cache_ttl"`
}

type llmYAML struct {
	DefaultProvider     string   `yaml:"default_provider"`
	FallbackOrder       []string `yaml:"fallback_order"`
	EnableFallback      *bool    `yaml:"enable_fallback"`
	MaxRateLimitWait    string   `yaml:"max_rate_limit_wait"`
	TransientRetryDelay string   `yaml:"transient_retry_delay"`
}

type poolYAML struct {
	Size                 int    `yaml:"size"`
	MaxQueriesPerProcess int    `yaml:"max_queries_per_process"`
	ErrorThreshold       int    `yaml:"error_threshold"`
	AcquireTimeout       string `yaml:"acquire_timeout"`
	HealthCheckInterval  string `yaml:"health_check_interval"`
	DrainTimeout         string `yaml:"drain_timeout"`
}

type backendsYAML struct {
	Oracle   *OracleBackend       `yaml:"oracle"`
	Doris    *DorisBackend        `yaml:"doris"`
	Postgres *postgresBackendYAML `yaml:"postgres"`
}

type postgresBackendYAML struct {
	DSN              string `yaml:"dsn"`
	StatementTimeout string `yaml:"statement_timeout"`
	Target           string `yaml:"target"`
}

type approvalYAML struct {
	PendingTTL     string `yaml:"pending_ttl"`
	IdempotencyTTL string `yaml:"idempotency_ttl"`
	SessionSecret  string `yaml:"session_secret"`
	IPPolicy       string `yaml:"ip_policy"`
}

type limitYAML struct {
	MaxRequests int    `yaml:"max_requests"`
	Window      string `yaml:"window"`
}

type ratelimitYAML struct {
	Default   *limitYAML           `yaml:"default"`
	Tiers     map[string]limitYAML `yaml:"tiers"`
	Endpoints map[string]limitYAML `yaml:"endpoints"`
	TTLBuffer string               `yaml:"ttl_buffer"`
}

type retentionYAML struct {
	QueryTTL        string `yaml:"query_ttl"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

type pipelineYAML struct {
	MaxNodeRetries int    `yaml:"max_node_retries"`
	NodeRetryDelay string `yaml:"node_retry_delay"`
	Provider       string `yaml:"provider"`
	EnableFallback *bool  `yaml:"enable_fallback"`
	SandboxRisk    string `yaml:"sandbox_risk"`
	MaxTokens      int    `yaml:"max_tokens"`
}

type breakersYAML struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
	SuccessThreshold uint32 `yaml:"success_threshold"`
}

type cacheYAML struct {
	ResultTTL     string `yaml:"result_ttl"`
	SchemaTTL     string `yaml:"schema_ttl"`
	CheckpointTTL string `yaml:"checkpoint_ttl"`
}

// providersYAML is the on-disk shape of llm-providers.yaml.
type providersYAML struct {
	Providers map[string]providerYAML `yaml:"llm_providers"`
}

type providerYAML struct {
	Type    string `yaml:"type"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// Initialize loads, resolves, and validates the configuration directory.
//
// Steps performed:
//  1. Read queryweaver.yaml and llm-providers.yaml
//  2. Expand {{.ENV_VAR}} references
//  3. Parse YAML, durations as strings
//  4. Resolve user values over built-in defaults
//  5. Build the provider registry
//  6. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"llm_providers", cfg.Providers.Len(),
		"mcp_servers", len(cfg.MCPServers),
		"roles", len(cfg.Roles))
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var raw queryweaverYAML
	if err := loader.loadYAML("queryweaver.yaml", &raw); err != nil {
		return nil, NewLoadError("queryweaver.yaml", err)
	}

	providers, err := loader.loadProviders()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	cfg := &Config{
		configDir:  configDir,
		Server:     resolveServer(raw.Server),
		Redis:      resolveRedis(raw.Redis),
		LLM:        resolveLLM(raw.LLM),
		MCPServers: raw.MCPServers,
		Backends:   resolveBackends(raw.Backends),
		Pool:       resolvePool(raw.Pool),
		Validator:  resolveValidator(raw.Validator),
		Approval:   resolveApproval(raw.Approval),
		Roles:      resolveRoles(raw.Roles),
		RateLimit:  resolveRateLimit(raw.RateLimit),
		Retention:  resolveRetention(raw.Retention),
		Pipeline:   resolvePipeline(raw.Pipeline),
		Breakers:   resolveBreakers(raw.Breakers),
		Cache:      resolveCache(raw.Cache),
		Providers:  NewProviderRegistry(providers),
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]mcp.ServerConfig)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	return newValidator(cfg).validateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// loadProviders reads llm-providers.yaml; a missing file is allowed and
// yields an empty registry, which validation then rejects with a clearer
// message than a file-not-found would give.
func (l *configLoader) loadProviders() (map[string]*ProviderConfig, error) {
	var raw providersYAML
	if err := l.loadYAML("llm-providers.yaml", &raw); err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
	}

	providers := make(map[string]*ProviderConfig, len(raw.Providers))
	for name, p := range raw.Providers {
		providers[name] = &ProviderConfig{
			Type:    ProviderType(p.Type),
			Model:   p.Model,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Timeout: parseDuration("llm_providers."+name, "timeout", p.Timeout, 60*time.Second),
		}
	}
	return providers, nil
}

// parseDuration parses a YAML duration string, logging and falling back to
// the default on empty or malformed input.
func parseDuration(section, field, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"section", section,
			"field", field,
			"value", raw,
			"default", def)
		return def
	}
	return d
}

func resolveServer(s *serverYAML) ServerConfig {
	cfg := ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
	if s == nil {
		return cfg
	}
	if s.Host != "" {
		cfg.Host = s.Host
	}
	if s.Port > 0 {
		cfg.Port = s.Port
	}
	cfg.ReadTimeout = parseDuration("server", "read_timeout", s.ReadTimeout, cfg.ReadTimeout)
	cfg.WriteTimeout = parseDuration("server", "write_timeout", s.WriteTimeout, cfg.WriteTimeout)
	cfg.ShutdownTimeout = parseDuration("server", "shutdown_timeout", s.ShutdownTimeout, cfg.ShutdownTimeout)
	return cfg
}

func resolveRedis(r *redisYAML) RedisConfig {
	cfg := RedisConfig{
		Addr:              "localhost:6379",
		FallbackCacheSize: 10000,
		FallbackCacheTTL:  5 * time.Minute,
	}
	if r == nil {
		return cfg
	}
	if r.Addr != "" {
		cfg.Addr = r.Addr
	}
	cfg.Password = r.Password
	cfg.DB = r.DB
	if r.FallbackCacheSize > 0 {
		cfg.FallbackCacheSize = r.FallbackCacheSize
	}
	cfg.FallbackCacheTTL = parseDuration("redis", "fallback_cache_ttl", r.FallbackCacheTTL, cfg.FallbackCacheTTL)
	return cfg
}

func resolveLLM(l *llmYAML) LLMConfig {
	cfg := LLMConfig{
		EnableFallback:      true,
		MaxRateLimitWait:    30 * time.Second,
		TransientRetryDelay: time.Second,
	}
	if l == nil {
		return cfg
	}
	cfg.DefaultProvider = l.DefaultProvider
	cfg.FallbackOrder = l.FallbackOrder
	if l.EnableFallback != nil {
		cfg.EnableFallback = *l.EnableFallback
	}
	cfg.MaxRateLimitWait = parseDuration("llm", "max_rate_limit_wait", l.MaxRateLimitWait, cfg.MaxRateLimitWait)
	cfg.TransientRetryDelay = parseDuration("llm", "transient_retry_delay", l.TransientRetryDelay, cfg.TransientRetryDelay)
	return cfg
}

func resolveBackends(b *backendsYAML) BackendsConfig {
	if b == nil {
		return BackendsConfig{}
	}
	cfg := BackendsConfig{Oracle: b.Oracle, Doris: b.Doris}
	if b.Postgres != nil {
		cfg.Postgres = &PostgresBackend{
			DSN:              b.Postgres.DSN,
			StatementTimeout: parseDuration("backends.postgres", "statement_timeout", b.Postgres.StatementTimeout, 30*time.Second),
			Target:           b.Postgres.Target,
		}
	}
	return cfg
}

func resolvePool(p *poolYAML) pool.Config {
	// Zero fields fall back to the pool's own defaults.
	if p == nil {
		return pool.Config{}
	}
	return pool.Config{
		Size:                 p.Size,
		MaxQueriesPerProcess: p.MaxQueriesPerProcess,
		ErrorThreshold:       p.ErrorThreshold,
		AcquireTimeout:       parseDuration("pool", "acquire_timeout", p.AcquireTimeout, 0),
		HealthCheckInterval:  parseDuration("pool", "health_check_interval", p.HealthCheckInterval, 0),
		DrainTimeout:         parseDuration("pool", "drain_timeout", p.DrainTimeout, 0),
	}
}

func resolveValidator(v *sqlguard.Config) sqlguard.Config {
	// Zero fields fall back to the validator's own defaults.
	if v == nil {
		return sqlguard.Config{}
	}
	return *v
}

func resolveApproval(a *approvalYAML) approval.Config {
	if a == nil {
		return approval.Config{}
	}
	return approval.Config{
		PendingTTL:     parseDuration("approval", "pending_ttl", a.PendingTTL, 0),
		IdempotencyTTL: parseDuration("approval", "idempotency_ttl", a.IdempotencyTTL, 0),
		SessionSecret:  a.SessionSecret,
		IPPolicy:       approval.IPPolicy(a.IPPolicy),
	}
}

// resolveRoles starts from the built-in five-role ladder. A YAML role with
// a built-in name inherits the built-in fields it leaves unset, so a
// deployment can tighten one quota without restating the whole role.
func resolveRoles(overrides map[string]policy.Role) map[string]policy.Role {
	roles := policy.BuiltinRoles()
	for name, role := range overrides {
		if role.Name == "" {
			role.Name = name
		}
		if base, ok := roles[name]; ok {
			if err := mergo.Merge(&role, base); err != nil {
				slog.Warn("Role merge failed, using override as-is",
					"role", name, "error", err)
			}
		}
		roles[name] = role
	}
	return roles
}

func resolveRateLimit(r *ratelimitYAML) ratelimit.Config {
	cfg := ratelimit.Config{}
	if r == nil {
		return cfg
	}
	toLimit := func(section string, l limitYAML) ratelimit.Limit {
		return ratelimit.Limit{
			MaxRequests: l.MaxRequests,
			Window:      parseDuration(section, "window", l.Window, 0),
		}
	}
	if r.Default != nil {
		cfg.Default = toLimit("ratelimit.default", *r.Default)
	}
	if len(r.Tiers) > 0 {
		cfg.Tiers = make(map[string]ratelimit.Limit, len(r.Tiers))
		for name, l := range r.Tiers {
			cfg.Tiers[name] = toLimit("ratelimit.tiers."+name, l)
		}
	}
	if len(r.Endpoints) > 0 {
		cfg.Endpoints = make(map[string]ratelimit.Limit, len(r.Endpoints))
		for name, l := range r.Endpoints {
			cfg.Endpoints[name] = toLimit("ratelimit.endpoints."+name, l)
		}
	}
	cfg.TTLBuffer = parseDuration("ratelimit", "ttl_buffer", r.TTLBuffer, 0)
	return cfg
}

func resolveRetention(r *retentionYAML) RetentionConfig {
	cfg := RetentionConfig{
		QueryTTL:        24 * time.Hour,
		CleanupInterval: time.Hour,
	}
	if r == nil {
		return cfg
	}
	cfg.QueryTTL = parseDuration("retention", "query_ttl", r.QueryTTL, cfg.QueryTTL)
	cfg.CleanupInterval = parseDuration("retention", "cleanup_interval", r.CleanupInterval, cfg.CleanupInterval)
	return cfg
}

func resolvePipeline(p *pipelineYAML) pipeline.Config {
	if p == nil {
		return pipeline.Config{}
	}
	return pipeline.Config{
		MaxNodeRetries: p.MaxNodeRetries,
		NodeRetryDelay: parseDuration("pipeline", "node_retry_delay", p.NodeRetryDelay, 0),
		Provider:       p.Provider,
		EnableFallback: p.EnableFallback == nil || *p.EnableFallback,
		SandboxRisk:    models.RiskLevel(p.SandboxRisk),
		MaxTokens:      p.MaxTokens,
	}
}

func resolveBreakers(b *breakersYAML) resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	if b == nil {
		return cfg
	}
	if b.FailureThreshold > 0 {
		cfg.FailureThreshold = b.FailureThreshold
	}
	if b.SuccessThreshold > 0 {
		cfg.SuccessThreshold = b.SuccessThreshold
	}
	cfg.RecoveryTimeout = parseDuration("breakers", "recovery_timeout", b.RecoveryTimeout, cfg.RecoveryTimeout)
	return cfg
}

func resolveCache(c *cacheYAML) CacheConfig {
	cfg := CacheConfig{
		ResultTTL:     time.Hour,
		SchemaTTL:     time.Hour,
		CheckpointTTL: 24 * time.Hour,
	}
	if c == nil {
		return cfg
	}
	cfg.ResultTTL = parseDuration("cache", "result_ttl", c.ResultTTL, cfg.ResultTTL)
	cfg.SchemaTTL = parseDuration("cache", "schema_ttl", c.SchemaTTL, cfg.SchemaTTL)
	cfg.CheckpointTTL = parseDuration("cache", "checkpoint_ttl", c.CheckpointTTL, cfg.CheckpointTTL)
	return cfg
}
