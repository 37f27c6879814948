// Package config provides configuration management for scalerd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodyBytes    = 32 * 1024 * 1024
	defaultPoolCapacity    = 128
	defaultMaxSessions     = 32
	defaultCloseTimeout    = 5 * time.Second
	defaultTaskTimeout     = 10 * time.Second
	defaultQueueDepth      = 4
	defaultStatsCron       = "@every 1m"
)

// Backend names accepted in scaler.engines[].backend.
const (
	BackendBlit = "blit"
	BackendVFE  = "vfe"
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"  yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Scaler  ScalerConfig  `mapstructure:"scaler"  yaml:"scaler"`
	Stats   StatsConfig   `mapstructure:"stats"   yaml:"stats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"             yaml:"host"`
	Port            int           `mapstructure:"port"             yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"     yaml:"cors_origins"`
	// MaxBodyBytes caps the size of uploaded images.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"       yaml:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"      yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"  yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// ScalerConfig holds scaler engine configuration.
type ScalerConfig struct {
	PoolCapacity int `mapstructure:"pool_capacity" yaml:"pool_capacity"`
	MaxSessions  int `mapstructure:"max_sessions"  yaml:"max_sessions"`
	// CloseTimeout bounds the drain when a service session closes.
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	// TaskTimeout bounds how long a service request waits for its output.
	TaskTimeout time.Duration  `mapstructure:"task_timeout" yaml:"task_timeout"`
	Engines     []EngineConfig `mapstructure:"engines"      yaml:"engines"`
}

// EngineConfig declares one scaler engine.
type EngineConfig struct {
	ID           int           `mapstructure:"id"            yaml:"id"`
	Backend      string        `mapstructure:"backend"       yaml:"backend"` // blit, vfe
	Interpolator string        `mapstructure:"interpolator"  yaml:"interpolator"`
	ReleaseDelay time.Duration `mapstructure:"release_delay" yaml:"release_delay"` // vfe only
	QueueDepth   int           `mapstructure:"queue_depth"   yaml:"queue_depth"`   // vfe only
}

// StatsConfig holds the periodic statistics reporter configuration.
type StatsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Cron    string `mapstructure:"cron"    yaml:"cron"` // cron expression or descriptor such as "@every 1m"
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SCALERD_ and use underscores for nesting.
// Example: SCALERD_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/scalerd")
		v.AddConfigPath("$HOME/.scalerd")
	}

	v.SetEnvPrefix("SCALERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK - defaults and env vars apply
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", defaultMaxBodyBytes)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Scaler defaults
	v.SetDefault("scaler.pool_capacity", defaultPoolCapacity)
	v.SetDefault("scaler.max_sessions", defaultMaxSessions)
	v.SetDefault("scaler.close_timeout", defaultCloseTimeout)
	v.SetDefault("scaler.task_timeout", defaultTaskTimeout)
	v.SetDefault("scaler.engines", []map[string]any{
		{"id": 0, "backend": BackendBlit, "interpolator": "bilinear"},
		{"id": 1, "backend": BackendVFE, "interpolator": "catmull-rom", "release_delay": "5ms", "queue_depth": defaultQueueDepth},
	})

	// Stats defaults
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.cron", defaultStatsCron)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return invalid("server.port", "must be between 1 and %d", maxPort)
	}
	if c.Server.MaxBodyBytes < 1 {
		return invalid("server.max_body_bytes", "must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return invalid("logging.level", "must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return invalid("logging.format", "must be one of: json, text")
	}

	// Scaler validation
	if c.Scaler.PoolCapacity < 1 {
		return invalid("scaler.pool_capacity", "must be at least 1")
	}
	if c.Scaler.MaxSessions < 1 {
		return invalid("scaler.max_sessions", "must be at least 1")
	}
	if c.Scaler.CloseTimeout <= 0 {
		return invalid("scaler.close_timeout", "must be positive")
	}
	if c.Scaler.TaskTimeout <= 0 {
		return invalid("scaler.task_timeout", "must be positive")
	}
	if len(c.Scaler.Engines) == 0 {
		return invalid("scaler.engines", "must declare at least one engine")
	}
	seen := make(map[int]bool, len(c.Scaler.Engines))
	for i, e := range c.Scaler.Engines {
		field := fmt.Sprintf("scaler.engines[%d]", i)
		if e.ID < 0 {
			return invalid(field+".id", "must not be negative")
		}
		if seen[e.ID] {
			return invalid(field+".id", "duplicates engine %d", e.ID)
		}
		seen[e.ID] = true

		switch e.Backend {
		case BackendBlit, BackendVFE:
		default:
			return invalid(field+".backend", "must be one of: %s, %s", BackendBlit, BackendVFE)
		}
		if e.ReleaseDelay < 0 {
			return invalid(field+".release_delay", "must not be negative")
		}
		if e.QueueDepth < 0 {
			return invalid(field+".queue_depth", "must not be negative")
		}
	}

	// Stats validation
	if c.Stats.Enabled {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Stats.Cron); err != nil {
			return invalid("stats.cron", "is not a valid schedule: %v", err)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
