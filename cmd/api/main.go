package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/api/middleware"
	"github.com/marketfoundry/storefront-engine/internal/api/server"
	"github.com/marketfoundry/storefront-engine/internal/cache"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/engine"
	"github.com/marketfoundry/storefront-engine/internal/indexer"
	"github.com/marketfoundry/storefront-engine/internal/ledger"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/messaging"
	"github.com/marketfoundry/storefront-engine/internal/metadata"
	"github.com/marketfoundry/storefront-engine/internal/ratelimit"
	"github.com/marketfoundry/storefront-engine/internal/reconciler"
	"github.com/marketfoundry/storefront-engine/internal/registry"
	"github.com/marketfoundry/storefront-engine/internal/scanner"
	"github.com/marketfoundry/storefront-engine/internal/stats"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "storefront-api",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting storefront engine API")

	// Initialize adapters
	clock := adapter.NewClock()
	jsonAdapter := adapter.NewJSON()
	httpClient := adapter.NewHTTPClient(cfg.Indexer.HTTPTimeout)

	// Connect to the marketplace ledger
	ethClient, err := adapter.NewEthClientDialer().Dial(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		logger.Fatal("Failed to connect to ledger RPC", zap.Error(err), zap.String("rpc_url", cfg.Ledger.RPCURL))
	}
	reader, err := ledger.NewReader(cfg.Ledger.MarketContract, ethClient, retryPolicy(cfg.Ledger))
	if err != nil {
		logger.Fatal("Failed to create ledger reader", zap.Error(err))
	}
	defer reader.Close()
	logger.InfoCtx(ctx, "Connected to marketplace ledger",
		zap.String("market_contract", cfg.Ledger.MarketContract),
	)

	// Create the rate-limit gate. Redis makes the limits cluster-wide; when
	// it is unreachable each process falls back to a reduced local budget.
	if cfg.RateLimiter.RedisAddr == "" {
		logger.Fatal("rate_limiter.redis_addr is required")
	}
	limiterRedis := adapter.NewRedisClient(cfg.RateLimiter.RedisAddr, "", 0)
	gate, err := ratelimit.NewGate(withDefaultSources(cfg.RateLimiter), limiterRedis, clock)
	if err != nil {
		logger.Fatal("Failed to create rate-limit gate", zap.Error(err))
	}
	defer func() { _ = gate.Close() }()

	// Select the result cache backend
	var resultCache cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		cacheRedis := adapter.NewRedisClient(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		defer func() { _ = cacheRedis.Close() }()
		if err := cacheRedis.Ping(ctx); err != nil {
			logger.Fatal("Failed to connect to cache Redis", zap.Error(err), zap.String("addr", cfg.Cache.RedisAddr))
		}
		resultCache = cache.NewRedis(cacheRedis, jsonAdapter)
		logger.InfoCtx(ctx, "Using Redis result cache", zap.String("addr", cfg.Cache.RedisAddr))
	default:
		resultCache = cache.NewMemory(clock)
		logger.InfoCtx(ctx, "Using in-memory result cache")
	}

	// Load the collection blocklist
	var blocklist registry.Blocklist
	if cfg.BlocklistPath != "" {
		blocklist, err = registry.LoadBlocklist(cfg.BlocklistPath)
		if err != nil {
			logger.Fatal("Failed to load blocklist", zap.Error(err), zap.String("path", cfg.BlocklistPath))
		}
		logger.InfoCtx(ctx, "Loaded collection blocklist", zap.String("path", cfg.BlocklistPath))
	} else {
		logger.WarnCtx(ctx, "Blocklist path not configured, all collections will be served")
	}

	// Assemble the engine
	fastSource := indexer.NewClient(cfg.Indexer.APIURL, cfg.Indexer.PageLimit, httpClient)
	eng := engine.New(
		scanner.New(reader, gate, clock, cfg.Scanner),
		reconciler.New(fastSource, reader, gate, clock, cfg.Reconciler),
		stats.New(cfg.Stats),
		resultCache,
		metadata.NewResolver(reader, gate, httpClient, jsonAdapter, cfg.URI),
		blocklist,
		clock,
		cfg.Cache,
	)

	// Subscribe to sale events for eager cache invalidation
	if cfg.NATS.URL != "" {
		natsConn, err := adapter.NewNatsConnector().Connect(
			cfg.NATS.URL,
			cfg.NATS.ConnectionName,
			cfg.NATS.MaxReconnects,
			cfg.NATS.ReconnectWait,
		)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.NATS.URL))
		}
		invalidator := messaging.NewSaleInvalidator(natsConn, resultCache, jsonAdapter, cfg.NATS.SalesSubject)
		if err := invalidator.Start(); err != nil {
			logger.Fatal("Failed to start sale invalidator", zap.Error(err))
		}
		defer func() {
			if err := invalidator.Stop(); err != nil {
				logger.Warn("Failed to stop sale invalidator", zap.Error(err))
			}
		}()
	} else {
		logger.WarnCtx(ctx, "NATS not configured, cache entries expire by TTL only")
	}

	// Create and start server
	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Auth: middleware.AuthConfig{
			APIKeys: cfg.Auth.APIKeys,
		},
	}, eng)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("API server stopped")
}

func retryPolicy(cfg config.LedgerConfig) ledger.RetryPolicy {
	policy := ledger.DefaultRetryPolicy()
	if cfg.RetryMaxAttempts > 0 {
		policy.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialWait > 0 {
		policy.InitialWait = cfg.RetryInitialWait
	}
	if cfg.RetryMaxWait > 0 {
		policy.MaxWait = cfg.RetryMaxWait
	}
	return policy
}

// withDefaultSources fills in limits for the two upstream sources when the
// deployment does not configure them explicitly
func withDefaultSources(cfg config.RateLimiterConfig) config.RateLimiterConfig {
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]config.RateLimitConfig)
	}
	if _, ok := cfg.Sources[scanner.SourceLedger]; !ok {
		cfg.Sources[scanner.SourceLedger] = config.RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		}
	}
	if _, ok := cfg.Sources[reconciler.SourceIndexer]; !ok {
		cfg.Sources[reconciler.SourceIndexer] = config.RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		}
	}
	return cfg
}
