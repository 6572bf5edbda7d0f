package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/logger"
)

// CallFunc performs the actual upstream request
type CallFunc func(ctx context.Context) (interface{}, error)

// callResult wraps the result and error of a gated call
type callResult struct {
	value interface{}
	err   error
}

// Gate throttles outbound requests per upstream source. Every read the
// scanner and reconciler issue goes through the gate so that exhaustive
// scans never exceed a source's request budget.
type Gate interface {
	// Do submits a rate-limited call for execution
	Do(ctx context.Context, sourceName string, fn CallFunc) (interface{}, error)

	// Close gracefully shuts down the gate
	Close() error
}

// gate is the concrete implementation of the request gate
type gate struct {
	config         config.RateLimiterConfig
	pool           pond.ResultPool[*callResult]
	limiters       map[string]*sourceLimiter
	redis          adapter.RedisClient
	clock          adapter.Clock
	closed         atomic.Bool
	closeOnce      sync.Once
	redisAvailable atomic.Bool
}

// sourceLimiter holds the rate limiting state for a single upstream source
type sourceLimiter struct {
	name               string
	config             config.RateLimitConfig
	distributedLimiter adapter.RedisRateLimiter
	localLimiter       *rate.Limiter
	preFilterLimiter   *rate.Limiter
}

// NewGate creates a request gate. When Redis is unreachable and local
// fallback is enabled, each process limits itself to a reduced share of the
// budget instead of refusing to start.
func NewGate(cfg config.RateLimiterConfig, rc adapter.RedisClient, clock adapter.Clock) (Gate, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisAvailable := true
	if err := rc.Ping(ctx); err != nil {
		redisAvailable = false
		if !cfg.EnableLocalFallback {
			return nil, fmt.Errorf("redis unavailable and fallback disabled: %w", err)
		}
		logger.Warn("Redis unavailable, will use local fallback", zap.Error(err))
	}

	distributedLimiter := rc.NewRateLimiter()

	limiters := make(map[string]*sourceLimiter)
	for name, sourceConfig := range cfg.Sources {
		// Local fallback runs at a reduced share of the budget so several
		// processes without Redis coordination stay under the global limit.
		// Minimum rate of 1.0
		localRate := max(float64(sourceConfig.RequestsPerSecond)*cfg.LocalFallbackMultiplier, 1.0)
		localLimiter := rate.NewLimiter(rate.Limit(localRate), sourceConfig.Burst)

		// Pre-filter at the full source rate to reduce Redis pressure
		preFilterLimiter := rate.NewLimiter(rate.Limit(sourceConfig.RequestsPerSecond), sourceConfig.Burst)

		limiters[name] = &sourceLimiter{
			name:               name,
			config:             sourceConfig,
			distributedLimiter: distributedLimiter,
			localLimiter:       localLimiter,
			preFilterLimiter:   preFilterLimiter,
		}
	}

	pool := pond.NewResultPool[*callResult](
		cfg.MaxWorkers,
		pond.WithQueueSize(cfg.MaxQueueSize),
	)

	g := &gate{
		config:   cfg,
		pool:     pool,
		limiters: limiters,
		redis:    rc,
		clock:    clock,
	}
	g.redisAvailable.Store(redisAvailable)

	go g.monitorRedisHealth()

	logger.Info("Request gate initialized",
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("max_queue_size", cfg.MaxQueueSize),
		zap.Int("sources", len(cfg.Sources)),
		zap.Bool("local_fallback", cfg.EnableLocalFallback),
	)

	return g, nil
}

// Do submits a rate-limited call for execution and returns the result with
// type safety. A nil gate executes the call directly.
func Do[T any](ctx context.Context, g Gate, sourceName string, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}

	var zero T
	result, err := g.Do(ctx, sourceName, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Do blocks until:
// 1. A token is acquired and the call completes
// 2. The context is canceled
// 3. The maximum queue time is exceeded
func (g *gate) Do(ctx context.Context, sourceName string, fn CallFunc) (interface{}, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("gate is closed")
	}

	limiter, ok := g.limiters[sourceName]
	if !ok {
		return nil, fmt.Errorf("source '%s' not configured", sourceName)
	}

	queueCtx, cancel := context.WithTimeout(ctx, limiter.config.MaxQueueTime)
	defer cancel()

	resultTask := g.pool.Submit(func() *callResult {
		value, err := g.executeWithRateLimit(queueCtx, limiter, fn)
		return &callResult{value: value, err: err}
	})

	result, err := resultTask.Wait()
	if err != nil {
		return nil, err
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.value, nil
}

// executeWithRateLimit executes the call after acquiring a rate limit token
func (g *gate) executeWithRateLimit(ctx context.Context, limiter *sourceLimiter, fn CallFunc) (interface{}, error) {
	if err := g.acquireToken(ctx, limiter); err != nil {
		return nil, err
	}

	// No timeout wrapper here, the transport adapters handle their own
	return fn(ctx)
}

// acquireToken acquires a rate limit token, blocking until one is available
func (g *gate) acquireToken(ctx context.Context, limiter *sourceLimiter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Try distributed limiter first if Redis is available
		if g.redisAvailable.Load() {
			allowed, retryAfter, err := g.tryDistributedLimit(ctx, limiter)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				// Redis error - mark as unavailable and fall back to local if enabled
				g.redisAvailable.Store(false)

				if !g.config.EnableLocalFallback {
					return fmt.Errorf("redis rate limiter unavailable: %w", err)
				}

				logger.Warn("Redis rate limiter error, falling back to local",
					zap.String("source", limiter.name),
					zap.Error(err),
				)
			} else if allowed {
				return nil
			} else if retryAfter > 0 {
				// Jitter spreads out retry attempts (50-150% of retryAfter)
				jitter := time.Duration(float64(retryAfter) * (0.5 + rand.Float64())) //nolint:gosec,G404
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-g.clock.After(jitter):
					continue
				}
			}
		}

		if !g.redisAvailable.Load() && g.config.EnableLocalFallback {
			if err := limiter.localLimiter.Wait(ctx); err != nil {
				return err
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(100 * time.Millisecond):
		}
	}
}

// tryDistributedLimit attempts to acquire a token from the distributed limiter
// Returns: (allowed bool, retryAfter duration, error)
func (g *gate) tryDistributedLimit(ctx context.Context, limiter *sourceLimiter) (bool, time.Duration, error) {
	if limiter.distributedLimiter == nil {
		return false, 0, fmt.Errorf("distributed limiter not available")
	}

	// Pre-filter requests to reduce Redis pressure
	if err := limiter.preFilterLimiter.Wait(ctx); err != nil {
		// Context error during pre-filter - not a Redis error
		return false, 0, err
	}

	redisKey := fmt.Sprintf("%s%s", g.config.RedisKeyPrefix, limiter.name)

	res, err := limiter.distributedLimiter.Allow(ctx, redisKey, redis_rate.PerSecond(limiter.config.RequestsPerSecond))
	if err != nil {
		return false, 0, err
	}

	if res.Allowed == 0 {
		logger.Debug("Rate limit token unavailable, waiting",
			zap.String("source", limiter.name),
			zap.Duration("retry_after", res.RetryAfter),
			zap.Int("remaining", res.Remaining),
		)
		return false, res.RetryAfter, nil
	}

	return true, 0, nil
}

// monitorRedisHealth periodically checks Redis health and updates availability status
func (g *gate) monitorRedisHealth() {
	ticker := g.clock.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		if g.closed.Load() {
			return
		}

		<-ticker.C()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := g.redis.Ping(ctx)
		cancel()

		redisAvailable := err == nil
		wasAvailable := g.redisAvailable.Load()
		g.redisAvailable.Store(redisAvailable)

		if !wasAvailable && redisAvailable {
			logger.Info("Redis connection restored")
		}
	}
}

// Close gracefully shuts down the gate, waiting for in-flight calls
func (g *gate) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.closed.Store(true)

		logger.Info("Shutting down request gate")

		tasks := g.pool.Stop()
		if errTasks := tasks.Wait(); errTasks != nil {
			logger.Warn("Error waiting for pool tasks to complete", zap.Error(errTasks))
			err = errTasks
		}

		if closeErr := g.redis.Close(); closeErr != nil {
			logger.Warn("Error closing Redis connection", zap.Error(closeErr))
			err = closeErr
		}

		logger.Info("Request gate shutdown complete")
	})
	return err
}

// validateConfig validates and sets defaults for the configuration
func validateConfig(cfg *config.RateLimiterConfig) error {
	if cfg.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required")
	}

	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	for name, source := range cfg.Sources {
		if source.RequestsPerSecond <= 0 {
			return fmt.Errorf("source %s: requests_per_second must be positive", name)
		}

		if source.Burst <= 0 {
			source.Burst = source.RequestsPerSecond
		}

		if source.MaxQueueTime <= 0 {
			source.MaxQueueTime = 5 * time.Minute
		}

		cfg.Sources[name] = source
	}

	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "storefront:limiter:"
	}

	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU() * 10
	}

	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}

	if cfg.LocalFallbackMultiplier <= 0 {
		cfg.LocalFallbackMultiplier = 0.5
	}

	return nil
}
