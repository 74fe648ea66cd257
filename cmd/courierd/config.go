package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the courierd configuration, loadable from flags, a config
// file, or COURIERD_* environment variables.
type Config struct {
	DBPath       string `mapstructure:"db_path"`
	APIURL       string `mapstructure:"api_url"`
	WSURL        string `mapstructure:"ws_url"`
	Account      string `mapstructure:"account"`
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	MetricsAddr  string `mapstructure:"metrics_addr"`

	MaxAttempts     int           `mapstructure:"max_attempts"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	ResetsPerSecond float64       `mapstructure:"resets_per_second"`

	SenderKeyRetryDisabled bool `mapstructure:"sender_key_retry_disabled"`
}

func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	v.SetDefault("metrics_addr", ":9480")
	v.SetDefault("max_attempts", 4)
	v.SetDefault("job_timeout", 90*time.Second)
	v.SetDefault("resets_per_second", 1.0)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix("COURIERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Password == "" && cfg.PasswordFile != "" {
		data, err := os.ReadFile(cfg.PasswordFile)
		if err != nil {
			return Config{}, fmt.Errorf("read password file: %w", err)
		}
		cfg.Password = strings.TrimSpace(string(data))
	}

	return cfg, nil
}
