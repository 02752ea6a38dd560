// Package config loads and validates configuration from file and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the performance core
type Config struct {
	Cache         CacheConfig         `mapstructure:"cache"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Warmup        WarmupConfig        `mapstructure:"warmup"`
}

// CacheConfig holds cache engine configuration
type CacheConfig struct {
	// Backend selects the persistent tier: disk, redis, dynamodb or none
	Backend string `mapstructure:"backend"`

	// Dir is the root directory of the disk tier
	Dir string `mapstructure:"dir"`

	// DynamoDBTable is the table backing the dynamodb tier
	DynamoDBTable string `mapstructure:"dynamodb_table"`

	FastMaxItems      int           `mapstructure:"fast_max_items"`
	FastMaxBytes      int64         `mapstructure:"fast_max_bytes"`
	FastValueMaxBytes int           `mapstructure:"fast_value_max_bytes"`
	PromoteThreshold  int           `mapstructure:"promote_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// TTLCategories maps a semantic category to a default TTL,
	// merged over the built-in presets.
	TTLCategories map[string]time.Duration `mapstructure:"ttl_categories"`
	DefaultTTL    time.Duration            `mapstructure:"default_ttl"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxPerEndpoint    int           `mapstructure:"max_per_endpoint"`
	MaxIdle           time.Duration `mapstructure:"max_idle"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ValidateTimeout   time.Duration `mapstructure:"validate_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`

	// Block controls whether Acquire waits for a slot when the cap is
	// reached (bounded by AcquireTimeout) or fails fast.
	Block bool `mapstructure:"block"`
}

// ExecutorConfig holds parallel executor configuration
type ExecutorConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// WarmupConfig declares requests the agent primes the cache with at boot.
type WarmupConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Parallel bool            `mapstructure:"parallel"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	Requests []WarmupRequest `mapstructure:"requests"`
}

// WarmupRequest is one cache-priming call.
type WarmupRequest struct {
	Key      string        `mapstructure:"key"`
	Category string        `mapstructure:"category"`
	TTL      time.Duration `mapstructure:"ttl"`
	Service  string        `mapstructure:"service"`
	Region   string        `mapstructure:"region"`
	Path     string        `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cache defaults
	v.SetDefault("cache.backend", "disk")
	v.SetDefault("cache.dir", "/tmp/awsperf-cache")
	v.SetDefault("cache.dynamodb_table", "awsperf-cache")
	v.SetDefault("cache.fast_max_items", 1000)
	v.SetDefault("cache.fast_max_bytes", 64*1024*1024)
	v.SetDefault("cache.fast_value_max_bytes", 256*1024)
	v.SetDefault("cache.promote_threshold", 3)
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.default_ttl", "10m")

	// Pool defaults
	v.SetDefault("pool.max_per_endpoint", 10)
	v.SetDefault("pool.max_idle", "300s")
	v.SetDefault("pool.connect_timeout", "30s")
	v.SetDefault("pool.validate_timeout", "5s")
	v.SetDefault("pool.keepalive_interval", "60s")
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.block", true)

	// Executor defaults
	v.SetDefault("executor.max_concurrent_jobs", 4)
	v.SetDefault("executor.job_timeout", "300s")
	v.SetDefault("executor.kill_grace", "500ms")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// AWS defaults
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.sns_topic_arn", "")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9091)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")

	// HTTP defaults
	v.SetDefault("http.port", 8080)

	// Warmup defaults
	v.SetDefault("warmup.enabled", true)
	v.SetDefault("warmup.parallel", true)
	v.SetDefault("warmup.timeout", "60s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "disk", "redis", "dynamodb", "none":
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}

	if c.Cache.Backend == "disk" && c.Cache.Dir == "" {
		return fmt.Errorf("cache dir is required for the disk backend")
	}

	if c.Cache.Backend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required for the redis backend")
	}

	if c.Cache.Backend == "dynamodb" && c.Cache.DynamoDBTable == "" {
		return fmt.Errorf("dynamodb table is required for the dynamodb backend")
	}

	if c.Cache.FastMaxItems <= 0 {
		return fmt.Errorf("fast tier item budget must be > 0")
	}

	if c.Pool.MaxPerEndpoint <= 0 {
		return fmt.Errorf("pool max per endpoint must be > 0")
	}

	if c.Executor.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("executor max concurrent jobs must be > 0")
	}

	if c.AWS.Region == "" {
		return fmt.Errorf("AWS region is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	for i, r := range c.Warmup.Requests {
		if r.Key == "" || r.Service == "" || r.Region == "" {
			return fmt.Errorf("warmup request %d: key, service and region are required", i)
		}
	}

	return nil
}
