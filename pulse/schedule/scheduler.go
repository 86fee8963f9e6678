// Package schedule triggers Runnables on a fixed rate or a cron expression.
//
// Each fixed-rate Runnable gets its own timer goroutine. Runs are bounded
// by PoolSize across all Runnables and never overlap for a single one: a
// run that outlasts its period delays the next tick rather than stacking.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
)

// ErrShutdown is returned by submissions after Shutdown
var ErrShutdown = errors.New("scheduler is shut down")

// Runnable is one recurring piece of work. Run should be short: runners
// hand real work to the job manager and return.
type Runnable interface {
	Name() string
	Run(ctx context.Context)
}

// Config controls the fixed-rate schedule and pool
type Config struct {
	PoolSize      int
	InitialDelay  time.Duration
	Period        time.Duration
	ShutdownGrace time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PoolSize:      3,
		InitialDelay:  time.Minute,
		Period:        time.Hour,
		ShutdownGrace: time.Minute,
	}
}

// Scheduler owns the timer goroutines and the cron engine
type Scheduler struct {
	cfg Config
	log *zap.SugaredLogger

	// ctx is passed to Run and cancelled on forced shutdown.
	// stop ends the timer loops so no new runs start.
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	slots  chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
	cron     *cron.Cron
	runners  []string
}

// New creates a Scheduler. Nothing runs until a Runnable is submitted.
func New(cfg Config, log *zap.SugaredLogger) *Scheduler {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if log == nil {
		log = logger.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		log:    log.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		slots:  make(chan struct{}, cfg.PoolSize),
	}
}

// SubmitScheduledJob runs r after InitialDelay and then every Period.
func (s *Scheduler) SubmitScheduledJob(r Runnable) error {
	if r == nil {
		return errors.NewInvalidArgumentError("nil runnable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.Wrapf(ErrShutdown, "schedule %s", r.Name())
	}

	s.runners = append(s.runners, r.Name())
	s.wg.Add(1)
	go s.loop(r)

	s.log.Infow("Runner scheduled",
		logger.FieldRunner, r.Name(),
		"initial_delay", s.cfg.InitialDelay,
		"period", s.cfg.Period)
	return nil
}

// SubmitCron runs r on a standard five-field cron expression (or a
// descriptor such as "@hourly"). Overlapping firings are skipped.
func (s *Scheduler) SubmitCron(spec string, r Runnable) error {
	if r == nil {
		return errors.NewInvalidArgumentError("nil runnable")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.Wrapf(errors.ErrInvalidArgument, "invalid cron schedule %q: %v", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.Wrapf(ErrShutdown, "schedule %s", r.Name())
	}

	if s.cron == nil {
		cl := cronLogger{s.log}
		s.cron = cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		s.cron.Start()
	}

	if _, err := s.cron.AddFunc(spec, func() { s.runOnce(r) }); err != nil {
		return errors.Wrapf(err, "failed to schedule %s", r.Name())
	}
	s.runners = append(s.runners, r.Name())

	s.log.Infow("Runner scheduled", logger.FieldRunner, r.Name(), "cron", spec)
	return nil
}

func (s *Scheduler) loop(r Runnable) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	select {
	case <-s.stop:
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		s.runOnce(r)

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// runOnce waits for a pool slot and runs r, recovering panics
func (s *Scheduler) runOnce(r Runnable) {
	select {
	case s.slots <- struct{}{}:
	case <-s.stop:
		return
	}
	defer func() { <-s.slots }()

	defer func() {
		if p := recover(); p != nil {
			s.log.Errorw("Runner panicked", logger.FieldRunner, r.Name(), "panic", p)
		}
	}()

	start := time.Now()
	r.Run(s.ctx)
	s.log.Debugw("Runner finished",
		logger.FieldRunner, r.Name(),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
}

// Runners returns the names of scheduled runnables in submission order
func (s *Scheduler) Runners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runners...)
}

// IsShutdown reports whether Shutdown has been called
func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops all timers. Without force, runs in progress get
// ShutdownGrace to return before their context is cancelled.
func (s *Scheduler) Shutdown(force bool) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		if force {
			s.cancel()
		}
		return nil
	}
	s.shutdown = true
	close(s.stop)
	c := s.cron
	s.mu.Unlock()

	if force {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if c != nil {
			<-c.Stop().Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warnw("Grace period elapsed, cancelling running runners", "grace", s.cfg.ShutdownGrace)
		s.cancel()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownGrace):
			return errors.Wrap(errors.ErrTimeout, "runners still active after cancellation")
		}
	}
	s.cancel()

	s.log.Infow("Scheduler stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
