package config

import (
	"github.com/robfig/cron/v3"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return errors.Newf("pool.size must be > 0, got %d", c.Pool.Size)
	}
	if c.Pool.ShutdownGraceMinutes < 0 {
		return errors.Newf("pool.shutdown_grace_minutes must be >= 0, got %d", c.Pool.ShutdownGraceMinutes)
	}

	if c.Scheduler.PoolSize <= 0 {
		return errors.Newf("scheduler.pool_size must be > 0, got %d", c.Scheduler.PoolSize)
	}
	if c.Scheduler.InitialDelayMinutes < 0 {
		return errors.Newf("scheduler.initial_delay_minutes must be >= 0, got %d", c.Scheduler.InitialDelayMinutes)
	}
	if c.Scheduler.FrequencyMinutes <= 0 {
		return errors.Newf("scheduler.frequency_minutes must be > 0, got %d", c.Scheduler.FrequencyMinutes)
	}
	if c.Scheduler.ShutdownGraceMinutes < 0 {
		return errors.Newf("scheduler.shutdown_grace_minutes must be >= 0, got %d", c.Scheduler.ShutdownGraceMinutes)
	}

	if c.Executor.ShadowSuffix == "" {
		return errors.New("executor.shadow_suffix cannot be empty")
	}
	if c.Executor.BatchLimit <= 0 || c.Executor.BatchLimit > DefaultBatchLimit {
		return errors.Newf("executor.batch_limit must be in (0, %d], got %d", DefaultBatchLimit, c.Executor.BatchLimit)
	}
	if c.Executor.LookbackHours <= 0 {
		return errors.Newf("executor.lookback_hours must be > 0, got %d", c.Executor.LookbackHours)
	}

	switch c.Transfer.Backend {
	case "memory":
	case "s3":
		if c.Transfer.S3.Region == "" && c.Transfer.S3.Endpoint == "" {
			return errors.New("transfer.s3 needs a region or an endpoint")
		}
	default:
		return errors.Newf("transfer.backend must be memory or s3, got %q", c.Transfer.Backend)
	}
	if c.Transfer.RequestsPerSecond < 0 {
		return errors.Newf("transfer.requests_per_second must be >= 0, got %f", c.Transfer.RequestsPerSecond)
	}

	if c.Transfer.MissingJobGraceMinutes <= 0 {
		return errors.Newf("transfer.missing_job_grace_minutes must be > 0, got %d", c.Transfer.MissingJobGraceMinutes)
	}

	if c.DmQueue.BatchSize <= 0 {
		return errors.Newf("dmqueue.batch_size must be > 0, got %d", c.DmQueue.BatchSize)
	}
	if c.DmQueue.MaxRetries < 0 {
		return errors.Newf("dmqueue.max_retries must be >= 0, got %d", c.DmQueue.MaxRetries)
	}
	if c.DmQueue.ClaimTimeoutMinutes <= 0 {
		return errors.Newf("dmqueue.claim_timeout_minutes must be > 0, got %d", c.DmQueue.ClaimTimeoutMinutes)
	}
	if c.DmQueue.Schedule != "" {
		if _, err := cron.ParseStandard(c.DmQueue.Schedule); err != nil {
			return errors.Wrapf(err, "dmqueue.schedule %q is not a valid cron expression", c.DmQueue.Schedule)
		}
	}

	switch c.Notify.Backend {
	case "log":
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 {
			return errors.New("notify.kafka.brokers cannot be empty when backend is kafka")
		}
		if c.Notify.Kafka.Topic == "" {
			return errors.New("notify.kafka.topic cannot be empty when backend is kafka")
		}
	default:
		return errors.Newf("notify.backend must be log or kafka, got %q", c.Notify.Backend)
	}

	if c.Server.Enabled && c.Server.Address == "" {
		return errors.New("server.address cannot be empty when the admin server is enabled")
	}

	return nil
}
