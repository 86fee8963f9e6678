// Package runner connects the scheduler to the worker pool. A Runner is
// what the scheduler ticks; on each tick it submits its task to the live
// job manager and returns, so external calls never run on a timer
// goroutine.
package runner

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/lifecycle"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/manager"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/schedule"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

// Runner names
const (
	NameRuleExecution = "rule-execution"
	NameValidation    = "validation"
	NameDmQueue       = "dmqueue"
)

// Runner submits one task per tick. A tick is skipped while the previous
// submission is still in the pool.
type Runner struct {
	name string
	pool *lifecycle.Holder[*manager.Manager]
	task worker.Task
	log  *zap.SugaredLogger

	busy atomic.Bool
}

var _ schedule.Runnable = (*Runner)(nil)

func newRunner(name string, pool *lifecycle.Holder[*manager.Manager], task worker.Task, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = logger.Logger
	}
	return &Runner{
		name: name,
		pool: pool,
		task: task,
		log:  log.Named("runner").With(logger.FieldRunner, name),
	}
}

// NewRuleExecutionRunner ticks an ExecuteRulesTask
func NewRuleExecutionRunner(pool *lifecycle.Holder[*manager.Manager], task *ExecuteRulesTask, log *zap.SugaredLogger) *Runner {
	return newRunner(NameRuleExecution, pool, task, log)
}

// NewValidationRunner ticks a ValidateJobsTask
func NewValidationRunner(pool *lifecycle.Holder[*manager.Manager], task *ValidateJobsTask, log *zap.SugaredLogger) *Runner {
	return newRunner(NameValidation, pool, task, log)
}

// NewDmQueueRunner ticks a DmQueueTask
func NewDmQueueRunner(pool *lifecycle.Holder[*manager.Manager], task *DmQueueTask, log *zap.SugaredLogger) *Runner {
	return newRunner(NameDmQueue, pool, task, log)
}

// Name implements schedule.Runnable
func (r *Runner) Name() string {
	return r.name
}

// Run implements schedule.Runnable. It never blocks on the task itself.
func (r *Runner) Run(_ context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Infow("Previous run still in progress, skipping tick")
		return
	}

	task := guardedTask{Task: r.task, done: func() { r.busy.Store(false) }}
	if err := r.pool.Get().Submit(task); err != nil {
		r.busy.Store(false)
		r.log.Warnw("Failed to submit task", logger.FieldTaskType, r.task.Type(), "error", err)
		return
	}
	r.log.Debugw("Task submitted", logger.FieldTaskType, r.task.Type())
}

// Busy reports whether a submitted task has not finished yet
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

// guardedTask calls done once the pool is finished with the wrapped task:
// after Run returns or panics, or when the task is dropped unstarted.
type guardedTask struct {
	worker.Task
	done func()
}

func (g guardedTask) Run(ctx context.Context) *worker.Result {
	defer g.done()
	return g.Task.Run(ctx)
}

// Abandon implements worker.Abandoner
func (g guardedTask) Abandon() {
	g.done()
}
