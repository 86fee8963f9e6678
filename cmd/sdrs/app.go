package main

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/config"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/db"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/dmqueue"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/executor"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/metrics"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/notify"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/history"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/manager"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/schedule"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention/store"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/runner"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts/s3"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/validator"
)

// app holds the components every command builds from one Config
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	db      *sql.DB
	rules   *store.RuleStore
	jobs    *store.JobStore
	queue   *dmqueue.Store
	history *history.Store

	client      sts.Client
	closeClient func() error
	notifier    notify.Notifier

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	executor  *executor.Executor
	validator *validator.Validator
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}

	client, closeClient, err := newTransferClient(ctx, cfg.Transfer, log)
	if err != nil {
		database.Close()
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify, log)
	if err != nil {
		database.Close()
		_ = closeClient()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	jobs := store.NewJobStore(database)
	return &app{
		cfg:         cfg,
		log:         log,
		db:          database,
		rules:       store.NewRuleStore(database),
		jobs:        jobs,
		queue:       dmqueue.NewStore(database),
		history:     history.NewStore(database),
		client:      client,
		closeClient: closeClient,
		notifier:    notifier,
		registry:    registry,
		metrics:     m,
		executor: executor.New(client, jobs, executor.Config{
			ShadowSuffix: cfg.Executor.ShadowSuffix,
			BatchLimit:   cfg.Executor.BatchLimit,
			Lookback:     cfg.Executor.Lookback(),
		}, log, executor.WithObserver(m.Executor)),
		validator: validator.New(client, log, m.Validator,
			validator.WithMissingJobGrace(cfg.Transfer.MissingJobGrace())),
	}, nil
}

// newTransferClient builds the configured backend behind the rate limiter.
// The returned func releases the backend.
func newTransferClient(ctx context.Context, cfg config.TransferConfig, log *zap.SugaredLogger) (sts.Client, func() error, error) {
	var (
		backend sts.Client
		closeFn = func() error { return nil }
	)

	switch cfg.Backend {
	case "", "memory":
		backend = sts.NewMemoryClient()
	case "s3":
		client, err := s3.New(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		backend, closeFn = client, client.Close
	default:
		return nil, nil, errors.NewInvalidArgumentError("unknown transfer backend %q", cfg.Backend)
	}

	log.Infow("Transfer client ready",
		"backend", cfg.Backend,
		"requests_per_second", cfg.RequestsPerSecond)
	return sts.NewRateLimited(backend, cfg.RequestsPerSecond, cfg.Burst), closeFn, nil
}

func (a *app) executeTask() *runner.ExecuteRulesTask {
	return runner.NewExecuteRulesTask(a.rules, a.executor, a.log)
}

func (a *app) validateTask() *runner.ValidateJobsTask {
	return runner.NewValidateJobsTask(a.jobs, a.validator, a.notifier, a.log)
}

func (a *app) dmqueueTask() *runner.DmQueueTask {
	processor := dmqueue.NewProcessor(a.queue, a.client, dmqueue.Config{
		BatchSize:       a.cfg.DmQueue.BatchSize,
		MaxRetries:      a.cfg.DmQueue.MaxRetries,
		ShadowSuffix:    a.cfg.Executor.ShadowSuffix,
		ClaimTimeout:    a.cfg.DmQueue.ClaimTimeout(),
		MissingJobGrace: a.cfg.Transfer.MissingJobGrace(),
	}, a.log, dmqueue.WithObserver(a.metrics.DmQueue), dmqueue.WithNotifier(a.notifier))
	return runner.NewDmQueueTask(a.queue, processor, a.metrics.DmQueue, a.log)
}

func managerFactory(cfg *config.Config, log *zap.SugaredLogger, observers ...manager.Observer) func() *manager.Manager {
	opts := make([]manager.Option, 0, len(observers))
	for _, o := range observers {
		opts = append(opts, manager.WithObserver(o))
	}
	return func() *manager.Manager {
		return manager.New(manager.Config{
			PoolSize:      cfg.Pool.Size,
			ShutdownGrace: cfg.Pool.ShutdownGrace(),
			RecentResults: cfg.Pool.RecentResults,
		}, log, opts...)
	}
}

// observers are attached to every job manager the service builds
func (a *app) observers() []manager.Observer {
	return []manager.Observer{a.metrics.Pool, history.NewRecorder(a.history, a.log)}
}

func schedulerFactory(cfg *config.Config, log *zap.SugaredLogger) func() *schedule.Scheduler {
	return func() *schedule.Scheduler {
		return schedule.New(schedule.Config{
			PoolSize:      cfg.Scheduler.PoolSize,
			InitialDelay:  cfg.Scheduler.InitialDelay(),
			Period:        cfg.Scheduler.Period(),
			ShutdownGrace: cfg.Scheduler.ShutdownGrace(),
		}, log)
	}
}

// Close releases the notifier, transfer client and database
func (a *app) Close() error {
	var err error
	err = errors.CombineErrors(err, a.notifier.Close())
	err = errors.CombineErrors(err, a.closeClient())
	err = errors.CombineErrors(err, a.db.Close())
	return err
}
