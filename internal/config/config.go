package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Breaker   BreakerConfig
	RateLimit RateLimitConfig
	Pricing   PricingConfig
	Webhook   WebhookConfig
	Storage   StorageConfig
	Providers []ProviderConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	URL          string
	MaxConns     int
	TablePrefix  string
	AutoMigrate  bool
	SQLitePath   string
	InitialGrant int64
}

// QueueConfig selects the broker and sizes each pool.
type QueueConfig struct {
	Driver string // "asynq" or "memory"
	// LeaseTimeout is added to a pool's job timeout to lease a job. It also
	// paces the sweep that re-surfaces abandoned jobs.
	LeaseTimeout time.Duration
	Pools        map[model.JobKind]PoolConfig
}

type PoolConfig struct {
	Concurrency     int
	StartsPerSecond float64
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	JobTimeout      time.Duration
}

type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
	KeyPrefix string
}

type RateLimitConfig struct {
	SubmitPerMinute int
	ReadPerMinute   int
}

type PricingConfig struct {
	CacheTTL time.Duration
}

type WebhookConfig struct {
	Timeout     time.Duration
	MaxAttempts int
}

type StorageConfig struct {
	Driver          string // "r2" or "memory"
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Endpoint        string
}

type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Mock    bool   `mapstructure:"mock"`
}

type GatewayConfig struct {
	Enabled bool
}

// PoolDefaults holds the per-queue sizing: video gets fewer attempts because
// each provider call is expensive.
var PoolDefaults = map[model.JobKind]PoolConfig{
	model.JobKindImage:   {Concurrency: 5, StartsPerSecond: 10, MaxAttempts: 3, BaseBackoff: 5 * time.Second, MaxBackoff: 5 * time.Minute, JobTimeout: 2 * time.Minute},
	model.JobKindAudio:   {Concurrency: 5, StartsPerSecond: 10, MaxAttempts: 3, BaseBackoff: 5 * time.Second, MaxBackoff: 5 * time.Minute, JobTimeout: 5 * time.Minute},
	model.JobKindVideo:   {Concurrency: 3, StartsPerSecond: 10, MaxAttempts: 2, BaseBackoff: 30 * time.Second, MaxBackoff: 10 * time.Minute, JobTimeout: 10 * time.Minute},
	model.JobKindWebhook: {Concurrency: 10, StartsPerSecond: 10, MaxAttempts: 3, BaseBackoff: 10 * time.Second, MaxBackoff: 10 * time.Minute, JobTimeout: 45 * time.Second},
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return build(v)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.max_conns", "DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.table_prefix", "DATABASE_TABLE_PREFIX")
	_ = v.BindEnv("database.auto_migrate", "DATABASE_AUTO_MIGRATE")
	_ = v.BindEnv("database.sqlite_path", "DATABASE_SQLITE_PATH")
	_ = v.BindEnv("database.initial_grant", "INITIAL_CREDIT_GRANT")
	_ = v.BindEnv("queue.driver", "QUEUE_DRIVER")
	_ = v.BindEnv("queue.lease_timeout", "QUEUE_LEASE_TIMEOUT")
	_ = v.BindEnv("breaker.threshold", "BREAKER_THRESHOLD")
	_ = v.BindEnv("breaker.cooldown", "BREAKER_COOLDOWN")
	_ = v.BindEnv("breaker.key_prefix", "BREAKER_KEY_PREFIX")
	_ = v.BindEnv("ratelimit.submit_per_minute", "RATELIMIT_SUBMIT_PER_MINUTE")
	_ = v.BindEnv("ratelimit.read_per_minute", "RATELIMIT_READ_PER_MINUTE")
	_ = v.BindEnv("pricing.cache_ttl", "PRICING_CACHE_TTL")
	_ = v.BindEnv("webhook.timeout", "WEBHOOK_TIMEOUT")
	_ = v.BindEnv("webhook.max_attempts", "WEBHOOK_MAX_ATTEMPTS")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = v.BindEnv("storage.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("storage.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("storage.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	for _, kind := range model.JobKinds {
		for _, field := range []string{"concurrency", "starts_per_second", "max_attempts", "base_backoff", "max_backoff", "job_timeout"} {
			key := fmt.Sprintf("queue.pools.%s.%s", kind, field)
			_ = v.BindEnv(key, strings.ToUpper(fmt.Sprintf("QUEUE_%s_%s", kind, field)))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.table_prefix", "")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.sqlite_path", "agenciabase.db")
	v.SetDefault("database.initial_grant", 0)

	v.SetDefault("queue.driver", "asynq")
	v.SetDefault("queue.lease_timeout", "30s")
	for kind, p := range PoolDefaults {
		prefix := "queue.pools." + string(kind) + "."
		v.SetDefault(prefix+"concurrency", p.Concurrency)
		v.SetDefault(prefix+"starts_per_second", p.StartsPerSecond)
		v.SetDefault(prefix+"max_attempts", p.MaxAttempts)
		v.SetDefault(prefix+"base_backoff", p.BaseBackoff)
		v.SetDefault(prefix+"max_backoff", p.MaxBackoff)
		v.SetDefault(prefix+"job_timeout", p.JobTimeout)
	}

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("breaker.key_prefix", "circuit:")

	v.SetDefault("ratelimit.submit_per_minute", 30)
	v.SetDefault("ratelimit.read_per_minute", 300)

	v.SetDefault("pricing.cache_ttl", "5m")

	v.SetDefault("webhook.timeout", "30s")
	v.SetDefault("webhook.max_attempts", 3)

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("gateway.enabled", true)
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:          v.GetString("database.url"),
			MaxConns:     v.GetInt("database.max_conns"),
			TablePrefix:  v.GetString("database.table_prefix"),
			AutoMigrate:  v.GetBool("database.auto_migrate"),
			SQLitePath:   v.GetString("database.sqlite_path"),
			InitialGrant: v.GetInt64("database.initial_grant"),
		},
		Queue: QueueConfig{
			Driver:       v.GetString("queue.driver"),
			LeaseTimeout: v.GetDuration("queue.lease_timeout"),
			Pools:        make(map[model.JobKind]PoolConfig, len(model.JobKinds)),
		},
		Breaker: BreakerConfig{
			Threshold: v.GetInt("breaker.threshold"),
			Cooldown:  v.GetDuration("breaker.cooldown"),
			KeyPrefix: v.GetString("breaker.key_prefix"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMinute: v.GetInt("ratelimit.submit_per_minute"),
			ReadPerMinute:   v.GetInt("ratelimit.read_per_minute"),
		},
		Pricing: PricingConfig{
			CacheTTL: v.GetDuration("pricing.cache_ttl"),
		},
		Webhook: WebhookConfig{
			Timeout:     v.GetDuration("webhook.timeout"),
			MaxAttempts: v.GetInt("webhook.max_attempts"),
		},
		Storage: StorageConfig{
			Driver:          v.GetString("storage.driver"),
			AccountID:       v.GetString("storage.account_id"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			BucketName:      v.GetString("storage.bucket_name"),
			PublicURL:       v.GetString("storage.public_url"),
			Endpoint:        v.GetString("storage.endpoint"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	for _, kind := range model.JobKinds {
		prefix := "queue.pools." + string(kind) + "."
		cfg.Queue.Pools[kind] = PoolConfig{
			Concurrency:     v.GetInt(prefix + "concurrency"),
			StartsPerSecond: v.GetFloat64(prefix + "starts_per_second"),
			MaxAttempts:     v.GetInt(prefix + "max_attempts"),
			BaseBackoff:     v.GetDuration(prefix + "base_backoff"),
			MaxBackoff:      v.GetDuration(prefix + "max_backoff"),
			JobTimeout:      v.GetDuration(prefix + "job_timeout"),
		}
	}
	// webhook.max_attempts is the documented knob for delivery retries
	webhookPool := cfg.Queue.Pools[model.JobKindWebhook]
	webhookPool.MaxAttempts = cfg.Webhook.MaxAttempts
	cfg.Queue.Pools[model.JobKindWebhook] = webhookPool

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("failed to decode providers: %w", err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{Name: "mock", Mock: true}}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Driver {
	case "asynq", "memory":
	default:
		return fmt.Errorf("invalid queue.driver %q", c.Queue.Driver)
	}
	for kind, p := range c.Queue.Pools {
		if p.Concurrency <= 0 {
			return fmt.Errorf("queue.pools.%s.concurrency must be positive", kind)
		}
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("queue.pools.%s.max_attempts must be positive", kind)
		}
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive")
	}
	return nil
}
