package config

import "github.com/spf13/viper"

// DefaultBatchLimit caps how many dataset rules one default-rule expansion
// may touch. The transfer service rejects larger fan-outs.
const DefaultBatchLimit = 1000

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "sdrs.db")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("pool.size", 10)
	v.SetDefault("pool.shutdown_grace_minutes", 1)
	v.SetDefault("pool.recent_results", 100)

	v.SetDefault("scheduler.pool_size", 3)
	v.SetDefault("scheduler.initial_delay_minutes", 1)
	v.SetDefault("scheduler.frequency_minutes", 60)
	v.SetDefault("scheduler.shutdown_grace_minutes", 1)

	v.SetDefault("executor.shadow_suffix", "shadow")
	v.SetDefault("executor.batch_limit", DefaultBatchLimit)
	v.SetDefault("executor.lookback_hours", 24)

	v.SetDefault("transfer.backend", "memory")
	v.SetDefault("transfer.requests_per_second", 5.0)
	v.SetDefault("transfer.burst", 5)
	v.SetDefault("transfer.missing_job_grace_minutes", 60)
	v.SetDefault("transfer.s3.region", "us-east-1")

	v.SetDefault("dmqueue.batch_size", 100)
	v.SetDefault("dmqueue.max_retries", 3)
	v.SetDefault("dmqueue.schedule", "")
	v.SetDefault("dmqueue.claim_timeout_minutes", 30)

	v.SetDefault("notify.backend", "log")
	v.SetDefault("notify.kafka.topic", "sdrs-events")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", ":8080")
}

// BindSensitiveEnvVars binds credentials to explicit environment variables
// so they never have to live in a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("transfer.s3.access_key_id", "SDRS_S3_ACCESS_KEY_ID")
	_ = v.BindEnv("transfer.s3.secret_access_key", "SDRS_S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("database.path", "SDRS_DATABASE_PATH")
}
