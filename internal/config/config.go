// Package config loads the daemon configuration: YAML file plus
// RELGRAPH_-prefixed environment overrides, with validated defaults for
// every knob.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Server      Server      `mapstructure:"server"`
	Storage     Storage     `mapstructure:"storage"`
	Namespace   Namespace   `mapstructure:"namespace"`
	Consistency Consistency `mapstructure:"consistency"`
	Cache       Cache       `mapstructure:"cache"`
	Evaluator   Evaluator   `mapstructure:"evaluator"`
	Breaker     Breaker     `mapstructure:"breaker"`
	Bitmap      Bitmap      `mapstructure:"bitmap"`
	Zookie      Zookie      `mapstructure:"zookie"`
	Log         Log         `mapstructure:"log"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Storage selects and configures the tuple store backend.
type Storage struct {
	// Backend is "sqlite" or "memory".
	Backend string `mapstructure:"backend"`

	// Path is the SQLite database file; ":memory:" for ephemeral.
	Path string `mapstructure:"path"`
}

// Namespace locates the schema file.
type Namespace struct {
	Path string `mapstructure:"path"`

	// Watch reloads the schema when the file changes.
	Watch bool `mapstructure:"watch"`
}

// Consistency sets the default mode and the bounded-wait deadline.
type Consistency struct {
	DefaultMode    string `mapstructure:"default_mode"`
	WaitDeadlineMS int    `mapstructure:"wait_deadline_ms"`
}

// WaitDeadline returns the deadline as a duration.
func (c Consistency) WaitDeadline() time.Duration {
	return time.Duration(c.WaitDeadlineMS) * time.Millisecond
}

// Cache configures the decision cache tiers.
type Cache struct {
	InProcessSize int    `mapstructure:"in_process_size"`
	DefaultTTLMS  int    `mapstructure:"default_ttl_ms"`
	SharedEnabled bool   `mapstructure:"shared_enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// DefaultTTL returns the entry TTL as a duration.
func (c Cache) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMS) * time.Millisecond
}

// Evaluator bounds the graph walk.
type Evaluator struct {
	MaxDepth    int `mapstructure:"max_depth"`
	Parallelism int `mapstructure:"parallelism"`
}

// Breaker tunes the per-tenant circuit breaker.
type Breaker struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	FailureWindowMS  int `mapstructure:"failure_window_ms"`
	ResetTimeoutMS   int `mapstructure:"reset_timeout_ms"`
	SuccessThreshold int `mapstructure:"success_threshold"`
}

// FailureWindow returns the rolling window as a duration.
func (b Breaker) FailureWindow() time.Duration {
	return time.Duration(b.FailureWindowMS) * time.Millisecond
}

// ResetTimeout returns the open interval as a duration.
func (b Breaker) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMS) * time.Millisecond
}

// Bitmap configures the listing index and its recompute workers.
type Bitmap struct {
	Enabled                bool `mapstructure:"enabled"`
	QueueCapacityPerTenant int  `mapstructure:"queue_capacity_per_tenant"`
	WorkerCount            int  `mapstructure:"worker_count"`
	RetryCap               int  `mapstructure:"retry_cap"`
}

// Zookie holds the MAC secret for consistency tokens.
type Zookie struct {
	MACKey string `mapstructure:"mac_key"`
}

// Log configures structured logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Server:    Server{Addr: "127.0.0.1:8443"},
		Storage:   Storage{Backend: "sqlite", Path: "relgraph.db"},
		Namespace: Namespace{Path: "namespaces.yaml", Watch: false},
		Consistency: Consistency{
			DefaultMode:    "minimize_latency",
			WaitDeadlineMS: 500,
		},
		Cache: Cache{
			InProcessSize: 8192,
			DefaultTTLMS:  30_000,
			SharedEnabled: false,
			RedisAddr:     "127.0.0.1:6379",
		},
		Evaluator: Evaluator{MaxDepth: 16, Parallelism: 4},
		Breaker: Breaker{
			FailureThreshold: 5,
			FailureWindowMS:  60_000,
			ResetTimeoutMS:   30_000,
			SuccessThreshold: 3,
		},
		Bitmap: Bitmap{
			Enabled:                true,
			QueueCapacityPerTenant: 1024,
			WorkerCount:            2,
			RetryCap:               5,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path (optional, "" skips the file), layers
// RELGRAPH_ environment variables on top, and validates the result.
// Environment keys replace dots with underscores: RELGRAPH_CACHE_SHARED_ENABLED.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("RELGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("namespace.path", d.Namespace.Path)
	v.SetDefault("namespace.watch", d.Namespace.Watch)
	v.SetDefault("consistency.default_mode", d.Consistency.DefaultMode)
	v.SetDefault("consistency.wait_deadline_ms", d.Consistency.WaitDeadlineMS)
	v.SetDefault("cache.in_process_size", d.Cache.InProcessSize)
	v.SetDefault("cache.default_ttl_ms", d.Cache.DefaultTTLMS)
	v.SetDefault("cache.shared_enabled", d.Cache.SharedEnabled)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("evaluator.max_depth", d.Evaluator.MaxDepth)
	v.SetDefault("evaluator.parallelism", d.Evaluator.Parallelism)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.failure_window_ms", d.Breaker.FailureWindowMS)
	v.SetDefault("breaker.reset_timeout_ms", d.Breaker.ResetTimeoutMS)
	v.SetDefault("breaker.success_threshold", d.Breaker.SuccessThreshold)
	v.SetDefault("bitmap.enabled", d.Bitmap.Enabled)
	v.SetDefault("bitmap.queue_capacity_per_tenant", d.Bitmap.QueueCapacityPerTenant)
	v.SetDefault("bitmap.worker_count", d.Bitmap.WorkerCount)
	v.SetDefault("bitmap.retry_cap", d.Bitmap.RetryCap)
	v.SetDefault("zookie.mac_key", d.Zookie.MACKey)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Consistency.DefaultMode {
	case "minimize_latency", "at_least_as_fresh", "fully_consistent":
	default:
		return fmt.Errorf("config: unknown consistency mode %q", c.Consistency.DefaultMode)
	}
	if c.Consistency.WaitDeadlineMS <= 0 {
		return fmt.Errorf("config: consistency.wait_deadline_ms must be positive")
	}
	if c.Evaluator.MaxDepth < 1 {
		return fmt.Errorf("config: evaluator.max_depth must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: breaker thresholds must be at least 1")
	}
	if c.Breaker.FailureWindowMS <= 0 || c.Breaker.ResetTimeoutMS <= 0 {
		return fmt.Errorf("config: breaker windows must be positive")
	}
	if c.Bitmap.Enabled {
		if c.Bitmap.QueueCapacityPerTenant < 1 {
			return fmt.Errorf("config: bitmap.queue_capacity_per_tenant must be at least 1")
		}
		if c.Bitmap.WorkerCount < 1 {
			return fmt.Errorf("config: bitmap.worker_count must be at least 1")
		}
	}
	if c.Cache.SharedEnabled && c.Cache.RedisAddr == "" {
		return fmt.Errorf("config: cache.redis_addr required when the shared tier is enabled")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}
