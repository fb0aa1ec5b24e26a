package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "TASKQ"

// defaults lists every known key with its default value. Keys without a
// sensible default are listed with nil so that they are still bound to the
// environment.
var defaults = map[string]any{
	"server.port":                 8080,
	"server.log_level":            "info",
	"database.url":                nil,
	"database.max_open_conns":     10,
	"database.max_idle_conns":     5,
	"database.conn_max_lifetime":  "5m",
	"auth.jwt_secret":             nil,
	"redis.enabled":               false,
	"redis.addr":                  "localhost:6379",
	"redis.password":              "",
	"redis.channel":               "taskqueue:alerts",
	"redis.alerts_per_second":     5.0,
	"redis.alert_burst":           20,
	"queue.worker_count":          2,
	"queue.queues":                []string{"high-priority", "sync", "media", "batch", "default", "low-priority"},
	"queue.poll_interval":         "2s",
	"queue.batch_limit":           10,
	"queue.lock_ttl":              "10m",
	"queue.max_running_duration":  "30m",
	"queue.long_running_critical": 5,
	"queue.health_window":         "1h",
	"queue.sweep_interval":        "1m",
	"queue.retention_age":         "720h",
	"queue.default_max_retries":   3,
	"queue.deadlock_retries":      3,
	"batch.cache_clear_every":     10,
	"batch.slow_threshold":        "5s",
	"batch.min_success_rate":      0.9,
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given YAML file instead of searching
// the default locations. An empty path falls back to the search path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		if value != nil {
			v.SetDefault(key, value)
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskqueue")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskqueue/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are unknown to AutomaticEnv during Unmarshal
	for key := range defaults {
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
