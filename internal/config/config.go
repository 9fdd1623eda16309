// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Render   RenderConfig   `mapstructure:"render"`
	Pressure PressureConfig `mapstructure:"pressure"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	ShutdownGraceSec  int `mapstructure:"shutdown_grace_seconds"`
	RequestTimeoutSec int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig selects and tunes the cache tiers. The memory tier is always
// on; the others join the overlay when enabled.
type CacheConfig struct {
	OpTimeoutMs        int             `mapstructure:"op_timeout_ms"`
	HealTimeoutMs      int             `mapstructure:"heal_timeout_ms"`
	JanitorIntervalSec int             `mapstructure:"janitor_interval_seconds"`
	Redis              RedisTierConfig `mapstructure:"redis"`
	GCS                GCSTierConfig   `mapstructure:"gcs"`
	Local              LocalTierConfig `mapstructure:"local"`
}

// RedisTierConfig configures the network cache tier.
type RedisTierConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// GCSTierConfig configures the object storage tier.
type GCSTierConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// LocalTierConfig configures the filesystem tier.
type LocalTierConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseDir string `mapstructure:"base_dir"`
}

// PoolConfig bounds the rendering pool.
type PoolConfig struct {
	MaxRenderers           int `mapstructure:"max_renderers"`
	MaxPagesPerRenderer    int `mapstructure:"max_pages_per_renderer"`
	PageIdleTimeoutSec     int `mapstructure:"page_idle_timeout_seconds"`
	RendererIdleTimeoutSec int `mapstructure:"renderer_idle_timeout_seconds"`
	LaunchTimeoutSec       int `mapstructure:"launch_timeout_seconds"`
	SweepIntervalSec       int `mapstructure:"sweep_interval_seconds"`
}

// RenderConfig tunes capture attempts.
type RenderConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	OriginQPS      float64 `mapstructure:"origin_qps"`
	UserAgent      string  `mapstructure:"user_agent"`
}

// PressureConfig tunes the memory pressure monitor.
type PressureConfig struct {
	Threshold        float64 `mapstructure:"threshold"`
	SweepIntervalSec int     `mapstructure:"sweep_interval_seconds"`
}

// FetchConfig tunes the asset fetcher.
type FetchConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// DBConfig controls access to the render audit database.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for render event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GLIMPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace_seconds", 20)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("cache.op_timeout_ms", 2000)
	v.SetDefault("cache.heal_timeout_ms", 5000)
	v.SetDefault("cache.janitor_interval_seconds", 60)
	v.SetDefault("cache.redis.prefix", "glimpse")
	v.SetDefault("cache.gcs.prefix", "cache")
	v.SetDefault("cache.local.base_dir", "/var/cache/glimpse")
	v.SetDefault("pool.max_renderers", 2)
	v.SetDefault("pool.max_pages_per_renderer", 4)
	v.SetDefault("pool.page_idle_timeout_seconds", 120)
	v.SetDefault("pool.renderer_idle_timeout_seconds", 600)
	v.SetDefault("pool.launch_timeout_seconds", 30)
	v.SetDefault("pool.sweep_interval_seconds", 30)
	v.SetDefault("render.timeout_seconds", 15)
	v.SetDefault("render.max_attempts", 2)
	v.SetDefault("render.origin_qps", 1.0)
	v.SetDefault("render.user_agent", "glimpse-renderer/0.1")
	v.SetDefault("pressure.threshold", 0.85)
	v.SetDefault("pressure.sweep_interval_seconds", 300)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 8<<20)
	v.SetDefault("db.table", "render_events")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxRenderers <= 0 {
		return fmt.Errorf("pool.max_renderers must be > 0")
	}
	if c.Pool.MaxPagesPerRenderer <= 0 {
		return fmt.Errorf("pool.max_pages_per_renderer must be > 0")
	}
	if c.Render.TimeoutSeconds <= 0 {
		return fmt.Errorf("render.timeout_seconds must be > 0")
	}
	if c.Pressure.Threshold <= 0 || c.Pressure.Threshold >= 1 {
		return fmt.Errorf("pressure.threshold must be in (0, 1)")
	}
	if c.Cache.Redis.Enabled && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr must be set when the redis tier is enabled")
	}
	if c.Cache.GCS.Enabled && c.Cache.GCS.Bucket == "" {
		return fmt.Errorf("cache.gcs.bucket must be set when the gcs tier is enabled")
	}
	if c.Cache.Local.Enabled && c.Cache.Local.BaseDir == "" {
		return fmt.Errorf("cache.local.base_dir must be set when the local tier is enabled")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when the audit store is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RenderTimeout converts the render timeout into a duration.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// ShutdownGrace converts the shutdown grace into a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSec) * time.Second
}
