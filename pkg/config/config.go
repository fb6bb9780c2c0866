// Package config loads the gatekeeper configuration from file and
// environment. Every subsystem keeps its own config struct; this package
// only assembles them with defaults applied.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/budget"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/cache"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/kv"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/ratelimit"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/writebehind"
)

// DatabaseConfig holds the relational store connection settings
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// MetricsConfig tunes the collector loop and exposition endpoint
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	CollectInterval time.Duration `mapstructure:"collect_interval"`
	ListenAddr      string        `mapstructure:"listen_addr"`
}

// Config is the full configuration surface
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	KV          kv.Config                      `mapstructure:"kv"`
	Cache       cache.MultiLayerConfig         `mapstructure:"cache"`
	RequestRate ratelimit.RequestLimiterConfig `mapstructure:"request_rate"`
	TenantRate  ratelimit.TenantLimiterConfig  `mapstructure:"tenant_rate"`
	Budget      budget.Config                  `mapstructure:"budget"`
	WriteBehind writebehind.Config             `mapstructure:"write_behind"`
	Database    DatabaseConfig                 `mapstructure:"database"`
	Metrics     MetricsConfig                  `mapstructure:"metrics"`
}

// IsDevelopment gates stack-trace inclusion in error payloads
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads configuration from the given file (optional) plus GATEKEEPER_*
// environment variables, with defaults for everything not set
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		KV:          *kv.DefaultConfig(),
		Cache:       cache.DefaultMultiLayerConfig(),
		RequestRate: ratelimit.DefaultRequestLimiterConfig(),
		TenantRate:  ratelimit.DefaultTenantLimiterConfig(),
		Budget:      budget.DefaultConfig(),
		WriteBehind: writebehind.DefaultConfig(),
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Cache.L1.MaxEntries <= 0 {
		return fmt.Errorf("cache.l1.max_entries must be positive, got %d", c.Cache.L1.MaxEntries)
	}
	if c.WriteBehind.BatchSize <= 0 {
		return fmt.Errorf("write_behind.batch_size must be positive, got %d", c.WriteBehind.BatchSize)
	}
	if c.WriteBehind.MaxPendingItems < c.WriteBehind.BatchSize {
		return fmt.Errorf("write_behind.max_pending_items (%d) must be >= batch_size (%d)",
			c.WriteBehind.MaxPendingItems, c.WriteBehind.BatchSize)
	}
	if c.Budget.DriftTolerance < 0 || c.Budget.DriftTolerance > 1 {
		return fmt.Errorf("budget.drift_tolerance must be in [0,1], got %f", c.Budget.DriftTolerance)
	}
	if c.Database.DSN != "" && c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive, got %d", c.Database.MaxOpenConns)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")

	v.SetDefault("cache.l1.max_entries", 10000)
	v.SetDefault("cache.l1.default_ttl", 5*time.Minute)
	v.SetDefault("cache.l1.cleanup_interval", time.Minute)
	v.SetDefault("cache.l1.enable_stats", true)
	v.SetDefault("cache.l2.default_ttl", 5*time.Minute)
	v.SetDefault("cache.l2.enable_stats", true)
	v.SetDefault("cache.warm_l1_on_l2_hit", true)

	v.SetDefault("budget.reservation_ttl", 5*time.Minute)
	v.SetDefault("budget.reap_interval", time.Minute)
	v.SetDefault("budget.drift_tolerance", 0.01)
	v.SetDefault("budget.circuit_breaker_threshold", 0.05)

	v.SetDefault("write_behind.sync_interval", 5*time.Second)
	v.SetDefault("write_behind.batch_size", 50)
	v.SetDefault("write_behind.max_pending_items", 1000)
	v.SetDefault("write_behind.max_retries", 3)
	v.SetDefault("write_behind.drain_timeout", 10*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.collect_interval", 15*time.Second)
	v.SetDefault("metrics.listen_addr", ":9090")
}
