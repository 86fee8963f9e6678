// Package manager runs worker tasks on a fixed-size pool.
//
// Submit never blocks: every submission gets its own goroutine that waits
// for one of PoolSize slots. Completed results flow through a single
// completion channel to the monitor goroutine, which is the only place the
// in-flight counter is decremented.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

// ErrShutdown is returned by Submit once Shutdown has been called.
// A shut-down manager is never restarted; build a new one.
var ErrShutdown = errors.New("job manager is shut down")

const (
	defaultPoolSize      = 10
	defaultRecentResults = 100
	defaultShutdownGrace = time.Minute
)

// Config sizes the pool
type Config struct {
	PoolSize      int
	ShutdownGrace time.Duration
	RecentResults int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PoolSize:      defaultPoolSize,
		ShutdownGrace: defaultShutdownGrace,
		RecentResults: defaultRecentResults,
	}
}

// Observer is notified by the monitor goroutine. Implemented by the
// metrics package.
type Observer interface {
	TaskSubmitted(t worker.Type)
	TaskCompleted(res worker.Result)
	InFlight(n int64)
}

// Option configures a Manager
type Option func(*Manager)

// WithObserver attaches an Observer. Repeat it to attach several; nil is
// ignored.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// Manager is a bounded pool of task goroutines
type Manager struct {
	cfg       Config
	log       *zap.SugaredLogger
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}

	completions chan *worker.Result
	monitorDone chan struct{}

	inFlight atomic.Int64
	tasks    sync.WaitGroup

	// mu orders Submit's wg.Add against Shutdown's wg.Wait
	mu       sync.RWMutex
	shutdown bool
	closed   sync.Once

	recentMu sync.Mutex
	recent   []worker.Result
}

// New creates a running Manager. The pool is ready for Submit on return.
func New(cfg Config, log *zap.SugaredLogger, opts ...Option) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.RecentResults <= 0 {
		cfg.RecentResults = defaultRecentResults
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if log == nil {
		log = logger.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		log:         log.Named("manager"),
		ctx:         ctx,
		cancel:      cancel,
		slots:       make(chan struct{}, cfg.PoolSize),
		completions: make(chan *worker.Result, cfg.PoolSize),
		monitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if warning := m.checkMemoryPressure(); warning != "" {
		m.log.Warnw("Memory pressure warning", "warning", warning, "pool_size", cfg.PoolSize)
	}

	go m.monitor()
	m.log.Infow("Job manager started", "pool_size", cfg.PoolSize)
	return m
}

// Submit schedules task on the pool and returns immediately.
func (m *Manager) Submit(task worker.Task) error {
	if task == nil {
		return errors.NewInvalidArgumentError("nil task")
	}

	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return errors.Wrapf(ErrShutdown, "submit %s", task.Type())
	}
	m.tasks.Add(1)
	n := m.inFlight.Add(1)
	m.mu.RUnlock()

	for _, o := range m.observers {
		o.TaskSubmitted(task.Type())
		o.InFlight(n)
	}
	m.log.Debugw("Task submitted", logger.FieldTaskType, task.Type(), logger.FieldInFlight, n)

	go m.execute(task)
	return nil
}

// execute waits for a slot and runs the task. Exactly one result is sent
// to the monitor per submission.
func (m *Manager) execute(task worker.Task) {
	defer m.tasks.Done()

	acquired := false
	select {
	case m.slots <- struct{}{}:
		acquired = true
	case <-m.ctx.Done():
	}
	// A cancelled pool never starts queued tasks
	if err := m.ctx.Err(); err != nil {
		if acquired {
			<-m.slots
		}
		if a, ok := task.(worker.Abandoner); ok {
			a.Abandon()
		}
		res := worker.NewResult(task.Type())
		res.Fail(errors.Wrap(err, "cancelled before start"))
		m.completions <- res
		return
	}
	defer func() { <-m.slots }()

	m.completions <- m.run(task)
}

func (m *Manager) run(task worker.Task) (res *worker.Result) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("Task panicked", logger.FieldTaskType, task.Type(), "panic", r)
			if res == nil {
				res = worker.NewResult(task.Type())
			}
			res.Fail(errors.Newf("panic: %v", r))
		}
	}()

	res = task.Run(m.ctx)
	if res == nil {
		res = worker.NewResult(task.Type())
		res.Fail(errors.AssertionFailedf("task %s returned no result", task.Type()))
	}
	// A task that returns while still RUNNING is treated as finished successfully
	if !res.Finished() {
		res.Succeed()
	}
	return res
}

// monitor drains the completion channel until Shutdown closes it
func (m *Manager) monitor() {
	defer close(m.monitorDone)

	for res := range m.completions {
		snap := res.Snapshot()
		m.remember(snap)
		n := m.inFlight.Add(-1)

		fields := []interface{}{
			logger.FieldTaskID, snap.ID,
			logger.FieldTaskType, snap.Type,
			logger.FieldDurationMS, snap.EndTime.Sub(snap.StartTime).Milliseconds(),
			logger.FieldInFlight, n,
		}
		if snap.Status == worker.StatusFailed {
			m.log.Warnw("Task failed", append(fields, "error", snap.Error)...)
		} else {
			m.log.Infow("Task completed", fields...)
		}

		for _, o := range m.observers {
			o.TaskCompleted(snap)
			o.InFlight(n)
		}
	}
}

func (m *Manager) remember(res worker.Result) {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()

	m.recent = append(m.recent, res)
	if over := len(m.recent) - m.cfg.RecentResults; over > 0 {
		m.recent = append(m.recent[:0], m.recent[over:]...)
	}
}

// Recent returns the latest completed results, newest last.
func (m *Manager) Recent() []worker.Result {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()

	out := make([]worker.Result, len(m.recent))
	copy(out, m.recent)
	return out
}

// InFlight returns submitted tasks whose result has not been processed yet.
func (m *Manager) InFlight() int64 {
	return m.inFlight.Load()
}

// PoolSize returns the configured concurrency
func (m *Manager) PoolSize() int {
	return m.cfg.PoolSize
}

// IsShutdown reports whether Shutdown has been called
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdown
}

// Shutdown stops accepting tasks and waits for in-flight ones.
//
// Without force, running tasks get up to ShutdownGrace to finish before
// their context is cancelled. With force, contexts are cancelled at once.
// Either way Shutdown waits one more grace period for tasks to observe the
// cancellation and returns ErrTimeout if they do not.
func (m *Manager) Shutdown(force bool) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	if force {
		m.log.Warnw("Forcing job manager shutdown", logger.FieldInFlight, m.InFlight())
		m.cancel()
	}

	if !m.waitTasks(m.cfg.ShutdownGrace) {
		m.log.Warnw("Grace period elapsed, cancelling running tasks",
			"grace", m.cfg.ShutdownGrace, logger.FieldInFlight, m.InFlight())
		m.cancel()
		if !m.waitTasks(m.cfg.ShutdownGrace) {
			return errors.Wrapf(errors.ErrTimeout, "%d tasks still running after cancellation", m.InFlight())
		}
	}
	m.cancel()

	m.closed.Do(func() { close(m.completions) })
	<-m.monitorDone

	m.log.Infow("Job manager stopped")
	return nil
}

func (m *Manager) waitTasks(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// String implements fmt.Stringer for log output
func (m *Manager) String() string {
	return fmt.Sprintf("Manager(pool=%d, in_flight=%d, shutdown=%t)", m.cfg.PoolSize, m.InFlight(), m.IsShutdown())
}
