package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	KVStore      KVStoreConfig      `mapstructure:"kvstore"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Realtime     RealtimeConfig     `mapstructure:"realtime"`
	Notification NotificationConfig `mapstructure:"notification"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	InstanceID   string             `mapstructure:"instance_id"`
	Debug        bool               `mapstructure:"debug"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 disables; SSE streams are long-lived
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	BodyLimit       int           `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig contains the Redis-compatible backend shared by pub/sub and the key-value store
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// PubSubConfig selects the cross-instance broker and its channel names
type PubSubConfig struct {
	Backend             string `mapstructure:"backend"` // local, redis or postgres
	BufferSize          int    `mapstructure:"buffer_size"`
	NotificationChannel string `mapstructure:"notification_channel"`
	CacheChannel        string `mapstructure:"cache_channel"`
	OutboxChannel       string `mapstructure:"outbox_channel"`
}

// KVStoreConfig selects the key-value store holding read state and idempotency claims
type KVStoreConfig struct {
	Backend    string        `mapstructure:"backend"` // memory or redis
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RealtimeConfig contains server-sent events settings
type RealtimeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"` // 0 means no timeout
	MaxTimeout        time.Duration `mapstructure:"max_timeout"`     // 0 means unbounded
	StreamRateLimit   int           `mapstructure:"stream_rate_limit"`
	StreamRateWindow  time.Duration `mapstructure:"stream_rate_window"`
}

// NotificationConfig contains notification history settings
type NotificationConfig struct {
	HistoryLimit   int64         `mapstructure:"history_limit"`
	MaxPageSize    int           `mapstructure:"max_page_size"`
	SendRateLimit  int           `mapstructure:"send_rate_limit"`
	SendRateWindow time.Duration `mapstructure:"send_rate_window"`
}

// CacheConfig lists the named local caches
type CacheConfig struct {
	Caches []NamedCacheConfig `mapstructure:"caches"`
}

// NamedCacheConfig configures a single local cache
type NamedCacheConfig struct {
	Name        string `mapstructure:"name"`
	Backing     string `mapstructure:"backing"` // lru or lfu
	MaxSize     int    `mapstructure:"max_size"`
	NumCounters int64  `mapstructure:"num_counters"`
	MaxCost     int64  `mapstructure:"max_cost"`
	BufferItems int64  `mapstructure:"buffer_items"`
}

// IdempotencyConfig contains the claim-once guard and HTTP middleware settings
type IdempotencyConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	HeaderName   string        `mapstructure:"header_name"`
	Methods      []string      `mapstructure:"methods"`
	PathPrefix   string        `mapstructure:"path_prefix"`
	MaxKeyLength int           `mapstructure:"max_key_length"`
}

// OutboxConfig contains the outbox relay settings
type OutboxConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryWindow     time.Duration `mapstructure:"retry_window"`
	StuckAfter      time.Duration `mapstructure:"stuck_after"`
	Retention       time.Duration `mapstructure:"retention"`
	PublishRate     float64       `mapstructure:"publish_rate"`
	PublishBurst    int           `mapstructure:"publish_burst"`
	LeaderElection  bool          `mapstructure:"leader_election"`
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	v := viper.New()
	v.SetConfigName("platform")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/platform")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("PLATFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	}

	return decode(v)
}

// decode unmarshals and normalizes a populated viper instance
func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if len(config.Cache.Caches) == 0 {
		config.Cache.Caches = DefaultCaches()
	}
	if config.InstanceID == "" {
		config.InstanceID = defaultInstanceID()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
		"../.env",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.body_limit", 4*1024*1024)
	v.SetDefault("server.shutdown_timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.dial_timeout", "5s")

	// Pub/sub defaults
	v.SetDefault("pubsub.backend", "local")
	v.SetDefault("pubsub.buffer_size", 100)
	v.SetDefault("pubsub.notification_channel", "platform.notifications")
	v.SetDefault("pubsub.cache_channel", "platform.cache.invalidation")
	v.SetDefault("pubsub.outbox_channel", "platform.outbox")

	// Key-value store defaults
	v.SetDefault("kvstore.backend", "memory")
	v.SetDefault("kvstore.gc_interval", "1m")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "platform")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.auto_migrate", true)

	// Realtime defaults
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.keepalive_interval", "30s")
	v.SetDefault("realtime.default_timeout", "0s")
	v.SetDefault("realtime.max_timeout", "0s")
	v.SetDefault("realtime.stream_rate_limit", 30)
	v.SetDefault("realtime.stream_rate_window", "1m")

	// Notification defaults
	v.SetDefault("notification.history_limit", 1000)
	v.SetDefault("notification.max_page_size", 100)
	v.SetDefault("notification.send_rate_limit", 120)
	v.SetDefault("notification.send_rate_window", "1m")

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.key_prefix", "platform:idempotency:")
	v.SetDefault("idempotency.header_name", "Idempotency-Key")
	v.SetDefault("idempotency.methods", []string{"POST", "PUT", "PATCH", "DELETE"})
	v.SetDefault("idempotency.path_prefix", "/api/")
	v.SetDefault("idempotency.max_key_length", 256)

	// Outbox defaults
	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.schedule", "@every 5s")
	v.SetDefault("outbox.cleanup_schedule", "0 0 3 * * *")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 3)
	v.SetDefault("outbox.retry_window", "1h")
	v.SetDefault("outbox.stuck_after", "5m")
	v.SetDefault("outbox.retention", "168h")
	v.SetDefault("outbox.publish_rate", 200.0)
	v.SetDefault("outbox.publish_burst", 50)
	v.SetDefault("outbox.leader_election", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// General defaults
	v.SetDefault("instance_id", "")
	v.SetDefault("debug", false)
}

// DefaultCaches returns the named caches registered when none are configured
func DefaultCaches() []NamedCacheConfig {
	return []NamedCacheConfig{
		{Name: "changeDetectionDetail", Backing: "lru", MaxSize: 1000},
		{Name: "changeDetectionSummary", Backing: "lru", MaxSize: 365},
		{Name: "changeDetectionResults", Backing: "lfu", NumCounters: 100000, MaxCost: 10000, BufferItems: 64},
		{Name: "aoiGeometry", Backing: "lru", MaxSize: 5000},
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "platform"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration error: %w", err)
	}

	if err := c.PubSub.Validate(); err != nil {
		return fmt.Errorf("pubsub configuration error: %w", err)
	}

	if err := c.KVStore.Validate(); err != nil {
		return fmt.Errorf("kvstore configuration error: %w", err)
	}

	if (c.PubSub.Backend == "redis" || c.KVStore.Backend == "redis") && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when a redis backend is selected")
	}

	if c.PubSub.Backend == "postgres" && !c.Database.Enabled {
		return fmt.Errorf("database must be enabled for the postgres pub/sub backend")
	}

	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database configuration error: %w", err)
		}
	}

	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("realtime configuration error: %w", err)
	}

	if c.Notification.HistoryLimit < 0 {
		return fmt.Errorf("notification.history_limit cannot be negative")
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration error: %w", err)
	}

	if err := c.Idempotency.Validate(); err != nil {
		return fmt.Errorf("idempotency configuration error: %w", err)
	}

	if c.Database.Enabled && c.Outbox.Enabled {
		if err := c.Outbox.Validate(); err != nil {
			return fmt.Errorf("outbox configuration error: %w", err)
		}
	}

	return nil
}

// Validate validates server configuration
func (sc *ServerConfig) Validate() error {
	if sc.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if sc.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got: %v", sc.ReadTimeout)
	}
	if sc.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout cannot be negative, got: %v", sc.WriteTimeout)
	}
	if sc.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got: %v", sc.IdleTimeout)
	}
	if sc.BodyLimit <= 0 {
		return fmt.Errorf("body_limit must be positive, got: %d", sc.BodyLimit)
	}
	return nil
}

// Validate validates pub/sub configuration
func (pc *PubSubConfig) Validate() error {
	switch pc.Backend {
	case "local", "redis", "postgres":
	default:
		return fmt.Errorf("invalid pubsub backend: %s (must be one of: local, redis, postgres)", pc.Backend)
	}
	if pc.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got: %d", pc.BufferSize)
	}
	if pc.NotificationChannel == "" || pc.CacheChannel == "" || pc.OutboxChannel == "" {
		return fmt.Errorf("channel names cannot be empty")
	}
	return nil
}

// Validate validates key-value store configuration
func (kc *KVStoreConfig) Validate() error {
	switch kc.Backend {
	case "memory", "redis":
		return nil
	default:
		return fmt.Errorf("invalid kvstore backend: %s (must be one of: memory, redis)", kc.Backend)
	}
}

// Validate validates database configuration
func (dc *DatabaseConfig) Validate() error {
	if dc.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if dc.Port < 1 || dc.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got: %d", dc.Port)
	}
	if dc.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if dc.MaxConnections < dc.MinConnections {
		return fmt.Errorf("max_connections must be greater than or equal to min_connections")
	}
	return nil
}

// Validate validates realtime configuration
func (rc *RealtimeConfig) Validate() error {
	if rc.KeepAliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive, got: %v", rc.KeepAliveInterval)
	}
	if rc.DefaultTimeout < 0 || rc.MaxTimeout < 0 {
		return fmt.Errorf("stream timeouts cannot be negative")
	}
	if rc.MaxTimeout > 0 && rc.DefaultTimeout > rc.MaxTimeout {
		return fmt.Errorf("default_timeout (%v) cannot exceed max_timeout (%v)", rc.DefaultTimeout, rc.MaxTimeout)
	}
	return nil
}

// Validate validates the named cache list
func (cc *CacheConfig) Validate() error {
	seen := make(map[string]bool, len(cc.Caches))
	for _, c := range cc.Caches {
		if c.Name == "" {
			return fmt.Errorf("cache name cannot be empty")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate cache name: %s", c.Name)
		}
		seen[c.Name] = true

		switch c.Backing {
		case "lru", "":
			if c.MaxSize <= 0 {
				return fmt.Errorf("cache %s: max_size must be positive", c.Name)
			}
		case "lfu":
			if c.NumCounters <= 0 || c.MaxCost <= 0 {
				return fmt.Errorf("cache %s: num_counters and max_cost must be positive", c.Name)
			}
		default:
			return fmt.Errorf("cache %s: invalid backing %q (must be lru or lfu)", c.Name, c.Backing)
		}
	}
	return nil
}

// Validate validates idempotency configuration
func (ic *IdempotencyConfig) Validate() error {
	if ic.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got: %v", ic.TTL)
	}
	if ic.KeyPrefix == "" {
		return fmt.Errorf("key_prefix cannot be empty")
	}
	if ic.HeaderName == "" {
		return fmt.Errorf("header_name cannot be empty")
	}
	if ic.MaxKeyLength <= 0 {
		return fmt.Errorf("max_key_length must be positive, got: %d", ic.MaxKeyLength)
	}
	return nil
}

// Validate validates outbox relay configuration
func (oc *OutboxConfig) Validate() error {
	if oc.Schedule == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if oc.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got: %d", oc.BatchSize)
	}
	if oc.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if oc.PublishRate <= 0 || oc.PublishBurst <= 0 {
		return fmt.Errorf("publish_rate and publish_burst must be positive")
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (dc *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Database, dc.SSLMode)
}
