// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the Nexus chat service.
package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NEXUS_PORT or
// NEXUS_RATE_LIMIT_WINDOW.
const EnvPrefix = "NEXUS"

// HeartbeatConfig controls liveness probing of connections.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	MaxPerWindow  int           `mapstructure:"max_per_window"`
	PenaltyUnit   time.Duration `mapstructure:"penalty_unit"`
	DecayAfter    time.Duration `mapstructure:"decay_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PresenceConfig controls typing indicators.
type PresenceConfig struct {
	TypingTimeout time.Duration `mapstructure:"typing_timeout"`
}

// ConnectionLimitConfig bounds how fast a single IP may open connections.
type ConnectionLimitConfig struct {
	PerIPRate  float64 `mapstructure:"per_ip_rate"`
	PerIPBurst int     `mapstructure:"per_ip_burst"`
}

// AuthConfig selects the credential store and login policy.
type AuthConfig struct {
	// RequireLogin makes join valid only after a successful login or
	// registration on the same connection.
	RequireLogin bool          `mapstructure:"require_login"`
	DatabaseURL  string        `mapstructure:"database_url"`
	BcryptCost   int           `mapstructure:"bcrypt_cost"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// TransformConfig holds the payload transform key. An empty key disables it.
type TransformConfig struct {
	Key string `mapstructure:"key"`
}

// TracingConfig selects the span exporter. Exporter is "none" or "otlp";
// Endpoint is the OTLP gRPC collector address.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LogConfig selects the log level and output format (text or json).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string                `mapstructure:"port"`
	AllowedOrigins []string              `mapstructure:"allowed_origins"`
	MaxMessageSize int64                 `mapstructure:"max_message_size"`
	SendBuffer     int                   `mapstructure:"send_buffer"`
	Heartbeat      HeartbeatConfig       `mapstructure:"heartbeat"`
	RateLimit      RateLimitConfig       `mapstructure:"rate_limit"`
	Presence       PresenceConfig        `mapstructure:"presence"`
	Connections    ConnectionLimitConfig `mapstructure:"connections"`
	Auth           AuthConfig            `mapstructure:"auth"`
	Transform      TransformConfig       `mapstructure:"transform"`
	Tracing        TracingConfig         `mapstructure:"tracing"`
	Log            LogConfig             `mapstructure:"log"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 8 << 20,
		SendBuffer:     256,
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Grace:    10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:        5 * time.Second,
			MaxPerWindow:  5,
			PenaltyUnit:   10 * time.Second,
			DecayAfter:    time.Minute,
			SweepInterval: time.Minute,
		},
		Presence: PresenceConfig{
			TypingTimeout: 3 * time.Second,
		},
		Connections: ConnectionLimitConfig{
			PerIPRate:  5,
			PerIPBurst: 10,
		},
		Auth: AuthConfig{
			BcryptCost: 10,
			Timeout:    5 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			Endpoint:    "localhost:4317",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// sanitizeConfig replaces unset or non-positive values with defaults.
func sanitizeConfig(cfg Config) Config {
	d := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = d.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}

	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = d.Heartbeat.Interval
	}
	if cfg.Heartbeat.Grace <= 0 {
		cfg.Heartbeat.Grace = d.Heartbeat.Grace
	}

	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = d.RateLimit.Window
	}
	if cfg.RateLimit.MaxPerWindow <= 0 {
		cfg.RateLimit.MaxPerWindow = d.RateLimit.MaxPerWindow
	}
	if cfg.RateLimit.PenaltyUnit <= 0 {
		cfg.RateLimit.PenaltyUnit = d.RateLimit.PenaltyUnit
	}
	if cfg.RateLimit.DecayAfter <= 0 {
		cfg.RateLimit.DecayAfter = d.RateLimit.DecayAfter
	}
	if cfg.RateLimit.SweepInterval <= 0 {
		cfg.RateLimit.SweepInterval = d.RateLimit.SweepInterval
	}

	if cfg.Presence.TypingTimeout <= 0 {
		cfg.Presence.TypingTimeout = d.Presence.TypingTimeout
	}

	if cfg.Connections.PerIPRate <= 0 {
		cfg.Connections.PerIPRate = d.Connections.PerIPRate
	}
	if cfg.Connections.PerIPBurst <= 0 {
		cfg.Connections.PerIPBurst = d.Connections.PerIPBurst
	}

	if cfg.Auth.BcryptCost <= 0 {
		cfg.Auth.BcryptCost = d.Auth.BcryptCost
	}
	if cfg.Auth.Timeout <= 0 {
		cfg.Auth.Timeout = d.Auth.Timeout
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = d.Tracing.Exporter
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = d.Tracing.Endpoint
	}
	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		cfg.Tracing.SampleRatio = d.Tracing.SampleRatio
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewViper returns a viper instance carrying every default and reading
// NEXUS_* environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	d := defaultConfig()

	v.SetDefault("port", d.Port)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("send_buffer", d.SendBuffer)
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.grace", d.Heartbeat.Grace)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)
	v.SetDefault("rate_limit.max_per_window", d.RateLimit.MaxPerWindow)
	v.SetDefault("rate_limit.penalty_unit", d.RateLimit.PenaltyUnit)
	v.SetDefault("rate_limit.decay_after", d.RateLimit.DecayAfter)
	v.SetDefault("rate_limit.sweep_interval", d.RateLimit.SweepInterval)
	v.SetDefault("presence.typing_timeout", d.Presence.TypingTimeout)
	v.SetDefault("connections.per_ip_rate", d.Connections.PerIPRate)
	v.SetDefault("connections.per_ip_burst", d.Connections.PerIPBurst)
	v.SetDefault("auth.require_login", d.Auth.RequireLogin)
	v.SetDefault("auth.database_url", d.Auth.DatabaseURL)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)
	v.SetDefault("auth.timeout", d.Auth.Timeout)
	v.SetDefault("transform.key", d.Transform.Key)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the optional config file at path (YAML, TOML or JSON by
// extension) into v, applies environment overrides and returns the
// sanitized result.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	sanitized := sanitizeConfig(cfg)
	return &sanitized, nil
}

func validateConfig(cfg Config) error {
	if key := cfg.Transform.Key; key != "" && len(key) != 32 {
		return errors.New("config: transform.key must be exactly 32 bytes")
	}
	switch strings.ToLower(cfg.Tracing.Exporter) {
	case "", "none", "otlp":
	default:
		return fmt.Errorf("config: unknown tracing.exporter %q", cfg.Tracing.Exporter)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", cfg.Log.Format)
	}
	return nil
}

// Settings returns the configuration as a nested map suitable for printing.
// Secrets are redacted.
func (c Config) Settings() map[string]any {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "<redacted>"
	}
	return map[string]any{
		"port":             c.Port,
		"allowed_origins":  c.AllowedOrigins,
		"max_message_size": c.MaxMessageSize,
		"send_buffer":      c.SendBuffer,
		"heartbeat": map[string]any{
			"interval": c.Heartbeat.Interval.String(),
			"grace":    c.Heartbeat.Grace.String(),
		},
		"rate_limit": map[string]any{
			"window":         c.RateLimit.Window.String(),
			"max_per_window": c.RateLimit.MaxPerWindow,
			"penalty_unit":   c.RateLimit.PenaltyUnit.String(),
			"decay_after":    c.RateLimit.DecayAfter.String(),
			"sweep_interval": c.RateLimit.SweepInterval.String(),
		},
		"presence": map[string]any{
			"typing_timeout": c.Presence.TypingTimeout.String(),
		},
		"connections": map[string]any{
			"per_ip_rate":  c.Connections.PerIPRate,
			"per_ip_burst": c.Connections.PerIPBurst,
		},
		"auth": map[string]any{
			"require_login": c.Auth.RequireLogin,
			"database_url":  redact(c.Auth.DatabaseURL),
			"bcrypt_cost":   c.Auth.BcryptCost,
			"timeout":       c.Auth.Timeout.String(),
		},
		"transform": map[string]any{
			"key": redact(c.Transform.Key),
		},
		"tracing": map[string]any{
			"exporter":     c.Tracing.Exporter,
			"endpoint":     c.Tracing.Endpoint,
			"insecure":     c.Tracing.Insecure,
			"sample_ratio": c.Tracing.SampleRatio,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}
