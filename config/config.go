// Package config loads the SDRS configuration.
//
// A Config is a value: it is loaded once, validated, and handed to component
// constructors. Reloading produces a new Config; nothing mutates a loaded one.
package config

import "time"

// Config represents the full SDRS configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Pool      PoolConfig      `mapstructure:"pool" toml:"pool"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor" toml:"executor"`
	Transfer  TransferConfig  `mapstructure:"transfer" toml:"transfer"`
	DmQueue   DmQueueConfig   `mapstructure:"dmqueue" toml:"dmqueue"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig configures the zap logger and optional rotated file
type LogConfig struct {
	JSON       bool   `mapstructure:"json" toml:"json"`
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"` // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// PoolConfig configures the job manager worker pool
type PoolConfig struct {
	Size                 int `mapstructure:"size" toml:"size"` // threadPoolSize
	ShutdownGraceMinutes int `mapstructure:"shutdown_grace_minutes" toml:"shutdown_grace_minutes"`
	RecentResults        int `mapstructure:"recent_results" toml:"recent_results"`
}

// SchedulerConfig configures the fixed-rate job scheduler
type SchedulerConfig struct {
	PoolSize             int `mapstructure:"pool_size" toml:"pool_size"`
	InitialDelayMinutes  int `mapstructure:"initial_delay_minutes" toml:"initial_delay_minutes"`
	FrequencyMinutes     int `mapstructure:"frequency_minutes" toml:"frequency_minutes"`
	ShutdownGraceMinutes int `mapstructure:"shutdown_grace_minutes" toml:"shutdown_grace_minutes"`
}

// ExecutorConfig configures rule expansion
type ExecutorConfig struct {
	ShadowSuffix  string `mapstructure:"shadow_suffix" toml:"shadow_suffix"`
	BatchLimit    int    `mapstructure:"batch_limit" toml:"batch_limit"`
	LookbackHours int    `mapstructure:"lookback_hours" toml:"lookback_hours"`
}

// TransferConfig selects and configures the transfer service client
type TransferConfig struct {
	Backend           string  `mapstructure:"backend" toml:"backend"` // "memory" or "s3"
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" toml:"burst"`
	// MissingJobGraceMinutes is how long a submitted job may be absent from
	// the service before it is treated as lost
	MissingJobGraceMinutes int              `mapstructure:"missing_job_grace_minutes" toml:"missing_job_grace_minutes"`
	S3                     TransferS3Config `mapstructure:"s3" toml:"s3"`
}

// TransferS3Config configures the S3-compatible transfer backend
type TransferS3Config struct {
	Endpoint        string `mapstructure:"endpoint" toml:"endpoint"`
	Region          string `mapstructure:"region" toml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" toml:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style" toml:"use_path_style"`
}

// DmQueueConfig configures delete-marker queue processing
type DmQueueConfig struct {
	BatchSize           int    `mapstructure:"batch_size" toml:"batch_size"`
	MaxRetries          int    `mapstructure:"max_retries" toml:"max_retries"`
	Schedule            string `mapstructure:"schedule" toml:"schedule"` // cron expression; empty = scheduler frequency
	ClaimTimeoutMinutes int    `mapstructure:"claim_timeout_minutes" toml:"claim_timeout_minutes"`
}

// NotifyConfig selects the notification backend
type NotifyConfig struct {
	Backend string      `mapstructure:"backend" toml:"backend"` // "log" or "kafka"
	Kafka   KafkaConfig `mapstructure:"kafka" toml:"kafka"`
}

// KafkaConfig configures the Kafka notifier
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" toml:"brokers"`
	Topic   string   `mapstructure:"topic" toml:"topic"`
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Address string `mapstructure:"address" toml:"address"`
}

// ShutdownGrace returns the pool shutdown grace period.
func (p PoolConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceMinutes) * time.Minute
}

// InitialDelay returns the delay before the first scheduled run.
func (s SchedulerConfig) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayMinutes) * time.Minute
}

// Period returns the fixed rate between scheduled runs.
func (s SchedulerConfig) Period() time.Duration {
	return time.Duration(s.FrequencyMinutes) * time.Minute
}

// ShutdownGrace returns the scheduler shutdown grace period.
func (s SchedulerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMinutes) * time.Minute
}

// MissingJobGrace returns how long a job may be unknown to the service
func (t TransferConfig) MissingJobGrace() time.Duration {
	return time.Duration(t.MissingJobGraceMinutes) * time.Minute
}

// ClaimTimeout returns how long a queue claim may sit unadvanced
func (d DmQueueConfig) ClaimTimeout() time.Duration {
	return time.Duration(d.ClaimTimeoutMinutes) * time.Minute
}

// Lookback returns the window of hourly prefixes covered by one run.
func (e ExecutorConfig) Lookback() time.Duration {
	return time.Duration(e.LookbackHours) * time.Hour
}
