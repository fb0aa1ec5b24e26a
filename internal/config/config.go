package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Batch    BatchConfig    `mapstructure:"batch" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AuthConfig contains the settings for the task control API.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// RedisConfig configures the optional Redis alert channel.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	Channel  string `mapstructure:"channel" validate:"required_if=Enabled true"`
	// AlertsPerSecond bounds how many alerts are published; bursts up to AlertBurst pass through.
	AlertsPerSecond float64 `mapstructure:"alerts_per_second" validate:"gte=0"`
	AlertBurst      int     `mapstructure:"alert_burst" validate:"gte=0"`
}

// QueueConfig tunes the worker loop, sweeps and health reporting.
type QueueConfig struct {
	WorkerCount         int           `mapstructure:"worker_count" validate:"gte=1"`
	Queues              []string      `mapstructure:"queues" validate:"min=1,dive,required"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchLimit          int           `mapstructure:"batch_limit" validate:"gte=1"`
	LockTTL             time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	MaxRunningDuration  time.Duration `mapstructure:"max_running_duration" validate:"gt=0"`
	LongRunningCritical int           `mapstructure:"long_running_critical" validate:"gte=1"`
	HealthWindow        time.Duration `mapstructure:"health_window" validate:"gt=0"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	RetentionAge        time.Duration `mapstructure:"retention_age" validate:"gt=0"`
	DefaultMaxRetries   int           `mapstructure:"default_max_retries" validate:"gte=0"`
	DeadlockRetries     int           `mapstructure:"deadlock_retries" validate:"gte=1"`
}

// BatchConfig tunes the adaptive batch processor.
type BatchConfig struct {
	CacheClearEvery int           `mapstructure:"cache_clear_every" validate:"gte=1"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold" validate:"gt=0"`
	MinSuccessRate  float64       `mapstructure:"min_success_rate" validate:"gt=0,lte=1"`
}
