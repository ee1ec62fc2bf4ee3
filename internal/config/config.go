// Package config loads server settings from a config file, LATTICE_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/manpreetbhatti/lattice/internal/compaction"
	"github.com/manpreetbhatti/lattice/internal/observability"
	"github.com/manpreetbhatti/lattice/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/internal/session"
)

const (
	configName = "lattice"
	configType = "toml"
	envPrefix  = "LATTICE"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Session    SessionConfig    `mapstructure:"session"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type SessionConfig struct {
	PersistAttempts  uint          `mapstructure:"persist_attempts"`
	PersistQueueSize int           `mapstructure:"persist_queue_size"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	StoppedMessage   string        `mapstructure:"stopped_message"`
	BlockedMessage   string        `mapstructure:"blocked_message"`
}

type CompactionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	UpdateThreshold int           `mapstructure:"update_threshold"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxViolations     int     `mapstructure:"max_violations"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so environment variables and the config
// dump see the full key set.
func SetDefaults(v *viper.Viper) {
	sess := session.DefaultConfig()
	comp := compaction.DefaultConfig()
	rl := ratelimit.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "./data/lattice.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "lattice:")

	v.SetDefault("session.persist_attempts", sess.PersistAttempts)
	v.SetDefault("session.persist_queue_size", sess.PersistQueueSize)
	v.SetDefault("session.open_timeout", sess.OpenTimeout.String())
	v.SetDefault("session.stopped_message", sess.StoppedMessage)
	v.SetDefault("session.blocked_message", sess.BlockedMessage)

	v.SetDefault("compaction.interval", comp.Interval.String())
	v.SetDefault("compaction.update_threshold", comp.UpdateThreshold)

	v.SetDefault("ratelimit.messages_per_second", rl.MessagesPerSecond)
	v.SetDefault("ratelimit.burst", rl.Burst)
	v.SetDefault("ratelimit.max_violations", rl.MaxViolations)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration into v. An explicit path must exist; otherwise
// lattice.toml is looked up in the working directory and /etc/lattice.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Older deployments set these directly
	_ = v.BindEnv("store.sqlite_path", "LATTICE_STORE_SQLITE_PATH", "LATTICE_DB_PATH")
	_ = v.BindEnv("server.port", "LATTICE_SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lattice")
		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Session.PersistAttempts == 0 {
		return errors.New("session.persist_attempts must be at least 1")
	}
	if c.Compaction.Interval <= 0 {
		return errors.New("compaction.interval must be positive")
	}
	if c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("ratelimit.messages_per_second and ratelimit.burst must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.PersistAttempts = c.Session.PersistAttempts
	if c.Session.PersistQueueSize > 0 {
		cfg.PersistQueueSize = c.Session.PersistQueueSize
	}
	if c.Session.OpenTimeout > 0 {
		cfg.OpenTimeout = c.Session.OpenTimeout
	}
	if c.Session.StoppedMessage != "" {
		cfg.StoppedMessage = c.Session.StoppedMessage
	}
	if c.Session.BlockedMessage != "" {
		cfg.BlockedMessage = c.Session.BlockedMessage
	}
	return cfg
}

func (c *Config) CompactionConfig() compaction.Config {
	return compaction.Config{
		Interval:        c.Compaction.Interval,
		UpdateThreshold: c.Compaction.UpdateThreshold,
	}
}

func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		MessagesPerSecond: c.RateLimit.MessagesPerSecond,
		Burst:             c.RateLimit.Burst,
		MaxViolations:     c.RateLimit.MaxViolations,
	}
}

func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.Log.Level, Format: c.Log.Format}
}

// Dump renders the effective settings in v as a TOML document that Load
// accepts back.
func Dump(v *viper.Viper) ([]byte, error) {
	out, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
