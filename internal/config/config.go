package config

import (
	"log/slog"
	"strings"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for BirdStalk.
type Config struct {
	DB      string        `mapstructure:"db"      yaml:"db"`
	Proxy   string        `mapstructure:"proxy"   yaml:"proxy"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Pool    PoolConfig    `mapstructure:"pool"    yaml:"pool"`
	Login   LoginConfig   `mapstructure:"login"   yaml:"login"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// PoolConfig controls the account scheduler.
type PoolConfig struct {
	// OrderBy selects the lease ordering key: "username" or "random".
	OrderBy string `mapstructure:"order_by" yaml:"order_by"`

	// RaiseWhenNoAccount raises instead of waiting when no account is
	// leasable.
	RaiseWhenNoAccount bool `mapstructure:"raise_when_no_account" yaml:"raise_when_no_account"`
}

// LoginConfig controls the account login flow.
type LoginConfig struct {
	EmailFirst bool `mapstructure:"email_first" yaml:"email_first"`
	Manual     bool `mapstructure:"manual"      yaml:"manual"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DB: "accounts.db",
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Pool: PoolConfig{
			OrderBy: "username",
		},
	}
}

// ParseLevel maps a TWS_LOG_LEVEL name onto a slog level. TRACE maps to
// DEBUG, CRITICAL to ERROR.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
