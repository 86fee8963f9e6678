package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/config"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/lifecycle"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/manager"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/schedule"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/runner"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retention service",
	Long: `Run rule execution, job validation and deletion queue processing on
their schedules until SIGINT or SIGTERM.

Pool and scheduler settings are reloaded when the config file changes.
Other settings need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger.Logger)
	},
}

// schedulePlan registers the runners on a fresh scheduler
type schedulePlan struct {
	periodic []*runner.Runner
	dmqueue  *runner.Runner
}

func (p schedulePlan) register(s *schedule.Scheduler, dmSchedule string) error {
	for _, r := range p.periodic {
		if err := s.SubmitScheduledJob(r); err != nil {
			return err
		}
	}
	if dmSchedule != "" {
		return s.SubmitCron(dmSchedule, p.dmqueue)
	}
	return s.SubmitScheduledJob(p.dmqueue)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warnw("Failed to release resources", "error", err)
		}
	}()

	pool := lifecycle.NewHolder(managerFactory(cfg, log, a.observers()...))
	sched := lifecycle.NewHolder(schedulerFactory(cfg, log))

	plan := schedulePlan{
		periodic: []*runner.Runner{
			runner.NewRuleExecutionRunner(pool, a.executeTask(), log),
			runner.NewValidationRunner(pool, a.validateTask(), log),
		},
		dmqueue: runner.NewDmQueueRunner(pool, a.dmqueueTask(), log),
	}
	if err := plan.register(sched.Get(), cfg.DmQueue.Schedule); err != nil {
		return errors.Wrap(err, "failed to schedule runners")
	}

	var admin *server.Server
	if cfg.Server.Enabled {
		admin = server.New(cfg.Server.Address, server.Deps{
			Gatherer: a.registry,
			Recent:   func() []worker.Result { return pool.Get().Recent() },
			Queue:    a.queue,
			History:  a.history,
		}, log)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	watcher := watchConfig(log, pool, sched, plan, a.observers())

	pterm.Success.Printfln("SDRS running (runners: %v)", sched.Get().Runners())
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	<-ctx.Done()
	log.Infow("Shutdown requested")

	// Reverse order of startup: stop intake, then drain work
	var shutdownErr error
	if watcher != nil {
		shutdownErr = errors.CombineErrors(shutdownErr, watcher.Stop())
	}
	if admin != nil {
		shutdownErr = errors.CombineErrors(shutdownErr, admin.Shutdown(context.Background()))
	}
	shutdownErr = errors.CombineErrors(shutdownErr, sched.Shutdown(false))
	shutdownErr = errors.CombineErrors(shutdownErr, pool.Shutdown(false))

	pterm.Info.Println("SDRS stopped")
	return shutdownErr
}

// watchConfig rebuilds the pool and scheduler whenever the config file
// changes. It returns nil when there is no file to watch.
func watchConfig(
	log *zap.SugaredLogger,
	pool *lifecycle.Holder[*manager.Manager],
	sched *lifecycle.Holder[*schedule.Scheduler],
	plan schedulePlan,
	observers []manager.Observer,
) *config.Watcher {
	path := configPath
	if path == "" {
		path = config.Discover()
	}
	if path == "" {
		return nil
	}

	watcher, err := config.NewWatcher(path, log)
	if err != nil {
		log.Warnw("Config hot reload disabled", "error", err)
		return nil
	}

	watcher.OnReload(func(next *config.Config) error {
		if err := sched.Replace(schedulerFactory(next, log), false); err != nil {
			log.Warnw("Old scheduler did not stop cleanly", "error", err)
		}
		if err := pool.Replace(managerFactory(next, log, observers...), false); err != nil {
			log.Warnw("Old job manager did not stop cleanly", "error", err)
		}
		return plan.register(sched.Get(), next.DmQueue.Schedule)
	})
	watcher.Start()
	log.Infow("Watching config file", "path", path)
	return watcher
}
