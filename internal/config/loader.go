package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
// Environment variables use the TWS_ prefix: TWS_PROXY, TWS_LOG_LEVEL,
// TWS_RAISE_WHEN_NO_ACCOUNT.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("TWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("proxy", "TWS_PROXY")
	v.BindEnv("logging.level", "TWS_LOG_LEVEL")
	v.BindEnv("pool.raise_when_no_account", "TWS_RAISE_WHEN_NO_ACCOUNT")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("birdstalk")
		v.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".birdstalk"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("db", cfg.DB)
	v.SetDefault("proxy", cfg.Proxy)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("pool.order_by", cfg.Pool.OrderBy)
	v.SetDefault("pool.raise_when_no_account", cfg.Pool.RaiseWhenNoAccount)
	v.SetDefault("login.email_first", cfg.Login.EmailFirst)
	v.SetDefault("login.manual", cfg.Login.Manual)
}
