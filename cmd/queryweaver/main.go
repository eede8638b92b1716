// QueryWeaver server — turns natural-language questions into governed SQL,
// executes them against Oracle, Doris, or PostgreSQL, and streams lifecycle
// state to subscribers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/queryweaver/queryweaver/pkg/api"
	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/backend"
	"github.com/queryweaver/queryweaver/pkg/cleanup"
	"github.com/queryweaver/queryweaver/pkg/config"
	"github.com/queryweaver/queryweaver/pkg/degrade"
	"github.com/queryweaver/queryweaver/pkg/llm"
	"github.com/queryweaver/queryweaver/pkg/mcp"
	"github.com/queryweaver/queryweaver/pkg/metrics"
	"github.com/queryweaver/queryweaver/pkg/models"
	"github.com/queryweaver/queryweaver/pkg/pipeline"
	"github.com/queryweaver/queryweaver/pkg/policy"
	"github.com/queryweaver/queryweaver/pkg/pool"
	"github.com/queryweaver/queryweaver/pkg/querystate"
	"github.com/queryweaver/queryweaver/pkg/ratelimit"
	"github.com/queryweaver/queryweaver/pkg/resilience"
	"github.com/queryweaver/queryweaver/pkg/schemainfo"
	"github.com/queryweaver/queryweaver/pkg/sqlguard"
	"github.com/queryweaver/queryweaver/pkg/store"
	"github.com/queryweaver/queryweaver/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func buildProviders(cfg *config.Config) ([]llm.Provider, error) {
	// Order matters: the default provider leads, then the fallback chain.
	names := []string{cfg.LLM.DefaultProvider}
	for _, name := range cfg.LLM.FallbackOrder {
		if name != cfg.LLM.DefaultProvider {
			names = append(names, name)
		}
	}

	providers := make([]llm.Provider, 0, len(names))
	for _, name := range names {
		pc, err := cfg.Providers.Get(name)
		if err != nil {
			return nil, err
		}
		switch pc.Type {
		case config.ProviderTypeAnthropic:
			providers = append(providers, llm.NewAnthropicProvider(llm.AnthropicConfig{
				Name:   name,
				APIKey: pc.APIKey,
				Model:  pc.Model,
			}))
		case config.ProviderTypeOpenAI:
			providers = append(providers, llm.NewOpenAIProvider(llm.OpenAIConfig{
				Name:    name,
				BaseURL: pc.BaseURL,
				APIKey:  pc.APIKey,
				Model:   pc.Model,
				Timeout: pc.Timeout,
			}))
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", name, pc.Type)
		}
	}
	return providers, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	setupLogging()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	slog.Info("Starting QueryWeaver",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics, breakers, degradation registry
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	degraded := degrade.NewRegistry(nil)
	breakers := resilience.NewRegistry(cfg.Breakers)
	breakers.OnStateChange(m.ObserveBreaker)
	breakers.OnStateChange(func(name string, _, to gobreaker.State) {
		switch to {
		case gobreaker.StateOpen:
			degraded.Update(name, degrade.StatusUnavailable, "circuit breaker open", true)
		case gobreaker.StateHalfOpen:
			degraded.Update(name, degrade.StatusDegraded, "circuit breaker probing", true)
		default:
			degraded.Update(name, degrade.StatusOperational, "", false)
		}
		m.ObserveDegradeLevel(degraded.Level())
	})

	// 3. Resilient store over Redis with the in-memory fallback cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	st := store.NewResilient("redis", redisClient, breakers,
		store.WithFallback(store.NewFallbackCache(cfg.Redis.FallbackCacheSize, cfg.Redis.FallbackCacheTTL)))
	if err := st.Ping(ctx); err != nil {
		slog.Warn("Redis unreachable at startup, running on fallback cache",
			"addr", cfg.Redis.Addr, "error", err)
		degraded.Update("redis", degrade.StatusDegraded, "unreachable at startup", true)
	}

	// 4. LLM gateway
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("Failed to build LLM providers", "error", err)
		os.Exit(1)
	}
	gateway := llm.NewGateway(providers, llm.GatewayConfig{
		MaxRateLimitWait:    cfg.LLM.MaxRateLimitWait,
		TransientRetryDelay: cfg.LLM.TransientRetryDelay,
	}, llm.WithUsageObserver(m.ObserveUsage))
	slog.Info("LLM gateway initialized", "providers", gateway.Providers())

	// 5. Validator, approvals, policy, rate limiting
	guard := sqlguard.New(cfg.Validator)
	approvals := approval.New(st, guard, cfg.Approval)
	enforcer := policy.NewEnforcer(st, cfg.Roles)
	limiter := ratelimit.New(st, cfg.RateLimit)

	// 6. MCP servers and health monitoring
	mcpRegistry := mcp.NewRegistry(cfg.MCPServers)
	mcpClient := mcp.NewClient(mcpRegistry)
	defer func() {
		if err := mcpClient.Close(); err != nil {
			slog.Error("Error closing MCP client", "error", err)
		}
	}()

	var healthMonitor *mcp.HealthMonitor
	if ids := mcpRegistry.ServerIDs(); len(ids) > 0 {
		mcpClient.Initialize(ctx, ids)
		if failed := mcpClient.FailedServers(); len(failed) > 0 {
			slog.Error("MCP servers failed startup validation", "failed_servers", failed)
			os.Exit(1)
		}
		healthMonitor = mcp.NewHealthMonitor(mcpClient, degraded)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()
		slog.Info("MCP servers initialized", "count", len(ids))
	}

	// 7. Execution backends and schema sources
	router := backend.NewRouter(backend.WithResultCache(st, cfg.Cache.ResultTTL))
	resolver := schemainfo.NewResolver(st, schemainfo.WithTTL(cfg.Cache.SchemaTTL))
	pools := make(map[string]*pool.Pool)

	if oc := cfg.Backends.Oracle; oc != nil {
		oraclePool := pool.New("oracle_pool", pool.ProcessFactory(oc.Bridge), breakers, cfg.Pool)
		if err := oraclePool.Initialize(ctx); err != nil {
			slog.Error("Failed to initialize Oracle client pool", "error", err)
			os.Exit(1)
		}
		pools["oracle"] = oraclePool
		adapter := backend.NewOracleAdapter(oraclePool, cfg.Pool.AcquireTimeout)
		router.Register(models.DatabaseTypeOracle, adapter)
		resolver.Register(models.DatabaseTypeOracle, schemainfo.NewOracleSource(adapter, oc.Target))
		slog.Info("Oracle backend ready", "pool_size", cfg.Pool.Size, "target", oc.Target)
	}

	if dc := cfg.Backends.Doris; dc != nil {
		proxy := mcp.NewDorisProxy(mcpClient, dc.MCPServer, dc.Database)
		router.Register(models.DatabaseTypeDoris, backend.NewDorisAdapter(proxy))
		resolver.Register(models.DatabaseTypeDoris, schemainfo.NewDorisSource(proxy, dc.Target))
		slog.Info("Doris backend ready", "mcp_server", dc.MCPServer, "database", dc.Database)
	}

	if pc := cfg.Backends.Postgres; pc != nil {
		db, err := pgxpool.New(ctx, pc.DSN)
		if err != nil {
			slog.Error("Failed to create PostgreSQL pool", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		router.Register(models.DatabaseTypePostgres, backend.NewPostgresAdapter(db, pc.StatementTimeout))
		resolver.Register(models.DatabaseTypePostgres, schemainfo.NewPostgresSource(db, pc.Target))
		slog.Info("PostgreSQL backend ready", "target", pc.Target)
	}

	if p, ok := pools["oracle"]; ok {
		statsCtx, statsCancel := context.WithCancel(ctx)
		defer statsCancel()
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-statsCtx.Done():
					return
				case <-ticker.C:
					m.ObservePool(p.Stats())
				}
			}
		}()
	}

	// 8. State publisher, checkpoints, pipeline driver
	publisher := querystate.NewPublisher()
	defer publisher.Stop()

	checkpoints := pipeline.NewFailoverCheckpointer(
		pipeline.NewRedisCheckpointer(st, cfg.Cache.CheckpointTTL),
		pipeline.NewMemoryCheckpointer(0, 0),
		0)

	driver := pipeline.NewDriver(pipeline.Deps{
		LLM:             gateway,
		Schema:          resolver,
		Guard:           guard,
		Approvals:       approvals,
		Executor:        router,
		Publisher:       publisher,
		Checkpoints:     checkpoints,
		Policy:          enforcer,
		Observer:        m.ObserveStage,
		Outcome:         m.ObserveQueryOutcome,
		ApprovalOutcome: m.ObserveApproval,
	}, cfg.Pipeline)

	// 9. Retention cleanup
	cleanupSvc := cleanup.NewService(publisher, checkpoints, approvals, cleanup.Config{
		QueryTTL:        cfg.Retention.QueryTTL,
		CleanupInterval: cfg.Retention.CleanupInterval,
	})
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	// 10. HTTP server
	apiServer := api.NewServer(api.Deps{
		Driver:      driver,
		Publisher:   publisher,
		Store:       st,
		Degrade:     degraded,
		Breakers:    breakers,
		Limiter:     limiter,
		RateLimited: m.ObserveRateLimited,
		MCPHealth:   healthMonitor,
		Pools:       pools,
		Gatherer:    promReg,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("QueryWeaver started successfully")

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake, drain queries, drain pools.
	httpCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	driverCtx, driverCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer driverCancel()
	if err := driver.Shutdown(driverCtx); err != nil {
		slog.Warn("Pipeline driver did not drain in time", "error", err)
	}

	for name, p := range pools {
		if err := p.Shutdown(cfg.Pool.DrainTimeout); err != nil {
			slog.Warn("Pool shutdown incomplete", "pool", name, "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
