package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// LedgerConfig holds marketplace ledger access configuration
type LedgerConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	MarketContract   string        `mapstructure:"market_contract"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RetryMaxAttempts uint64        `mapstructure:"retry_max_attempts"`
	RetryInitialWait time.Duration `mapstructure:"retry_initial_wait"`
	RetryMaxWait     time.Duration `mapstructure:"retry_max_wait"`
}

// IndexerConfig holds fast indexed source configuration
type IndexerConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	PageLimit   int           `mapstructure:"page_limit"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// ScannerConfig holds exhaustive scanner configuration
type ScannerConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	BatchDelay      time.Duration `mapstructure:"batch_delay"`
	MaxFallbackScan uint64        `mapstructure:"max_fallback_scan"`
}

// ReconcilerConfig holds ownership reconciler configuration
type ReconcilerConfig struct {
	ProbeBudget        uint64        `mapstructure:"probe_budget"`
	FastSourceTTL      time.Duration `mapstructure:"fast_source_ttl"`
	TrackedCollections []string      `mapstructure:"tracked_collections"`
}

// StatsConfig holds aggregate statistics configuration
type StatsConfig struct {
	VolumeWindow time.Duration `mapstructure:"volume_window"`
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"` // "memory" or "redis"
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// RateLimitConfig holds the per-source rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxQueueTime      time.Duration `mapstructure:"max_queue_time"`
}

// RateLimiterConfig holds the request gate configuration
type RateLimiterConfig struct {
	RedisAddr               string                     `mapstructure:"redis_addr"`
	RedisKeyPrefix          string                     `mapstructure:"redis_key_prefix"`
	MaxWorkers              int                        `mapstructure:"max_workers"`
	MaxQueueSize            int                        `mapstructure:"max_queue_size"`
	EnableLocalFallback     bool                       `mapstructure:"enable_local_fallback"`
	LocalFallbackMultiplier float64                    `mapstructure:"local_fallback_multiplier"`
	Sources                 map[string]RateLimitConfig `mapstructure:"sources"`
}

// NATSConfig holds NATS configuration for sale-event invalidation
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SalesSubject   string        `mapstructure:"sales_subject"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
}

// URIConfig holds content-addressed storage gateway configuration
type URIConfig struct {
	IPFSGateways    []string `mapstructure:"ipfs_gateways"`
	ArweaveGateways []string `mapstructure:"arweave_gateways"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// APIConfig holds configuration for the storefront API server
type APIConfig struct {
	BaseConfig    `mapstructure:",squash"`
	BlocklistPath string `mapstructure:"blocklist_path"`

	Server      ServerConfig      `mapstructure:"server"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Indexer     IndexerConfig     `mapstructure:"indexer"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Cache       CacheConfig       `mapstructure:"cache"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	NATS        NATSConfig        `mapstructure:"nats"`
	URI         URIConfig         `mapstructure:"uri"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// LoadAPIConfig loads configuration for the API server
func LoadAPIConfig(configFile string, envPath string) (*APIConfig, error) {
	v := configureViper("api", configFile, envPath)

	// Set defaults
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("ledger.request_timeout", "15s")
	v.SetDefault("ledger.retry_max_attempts", 4)
	v.SetDefault("ledger.retry_initial_wait", "500ms")
	v.SetDefault("ledger.retry_max_wait", "8s")
	v.SetDefault("indexer.page_limit", 50)
	v.SetDefault("indexer.http_timeout", "20s")
	v.SetDefault("scanner.batch_size", 25)
	v.SetDefault("scanner.batch_delay", "200ms")
	v.SetDefault("scanner.max_fallback_scan", 10000)
	v.SetDefault("reconciler.probe_budget", 2000)
	v.SetDefault("reconciler.fast_source_ttl", "60s")
	v.SetDefault("stats.volume_window", "24h")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("rate_limiter.enable_local_fallback", true)
	v.SetDefault("rate_limiter.max_workers", 32)
	v.SetDefault("rate_limiter.max_queue_size", 4096)
	v.SetDefault("nats.sales_subject", "market.sales.>")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connection_name", "storefront-engine")
	v.SetDefault("uri.ipfs_gateways", []string{"https://ipfs.io"})
	v.SetDefault("uri.arweave_gateways", []string{"https://arweave.net"})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config APIConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.Ledger.RPCURL == "" {
		return nil, errors.New("ledger.rpc_url is required")
	}
	if config.Ledger.MarketContract == "" {
		return nil, errors.New("ledger.market_contract is required")
	}

	return &config, nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// Required for viper to map env vars to config struct fields when no config
// file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		"blocklist_path",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Ledger
		"ledger.rpc_url",
		"ledger.market_contract",
		"ledger.request_timeout",
		"ledger.retry_max_attempts",
		"ledger.retry_initial_wait",
		"ledger.retry_max_wait",
		// Indexer
		"indexer.api_url",
		"indexer.page_limit",
		"indexer.http_timeout",
		// Scanner
		"scanner.batch_size",
		"scanner.batch_delay",
		"scanner.max_fallback_scan",
		// Reconciler
		"reconciler.probe_budget",
		"reconciler.fast_source_ttl",
		"reconciler.tracked_collections",
		// Stats
		"stats.volume_window",
		// Cache
		"cache.backend",
		"cache.ttl",
		"cache.redis_addr",
		"cache.redis_password",
		"cache.redis_db",
		// Rate limiter
		"rate_limiter.redis_addr",
		"rate_limiter.redis_key_prefix",
		"rate_limiter.max_workers",
		"rate_limiter.max_queue_size",
		"rate_limiter.enable_local_fallback",
		"rate_limiter.local_fallback_multiplier",
		// NATS
		"nats.url",
		"nats.sales_subject",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		// URI
		"uri.ipfs_gateways",
		"uri.arweave_gateways",
		// Auth
		"auth.api_keys",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}
