// Package worker defines the unit of asynchronous work run by the job
// manager and the record describing its lifecycle.
//
// A Task is a capability, not a base class: anything with a Type and a Run
// method can be submitted. Each concrete task kind lives with the domain
// code it drives (see package runner) and is tagged by a Type constant.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
)

// Type identifies the kind of task that produced a Result
type Type string

const (
	TypeRuleExecution Type = "RULE_EXECUTION"
	TypeValidation    Type = "VALIDATION"
	TypeDmQueue       Type = "DM_QUEUE"
)

// Status is the lifecycle state of a Result
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusRunning, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Task is a unit of work the manager can run.
type Task interface {
	Type() Type
	Run(ctx context.Context) *Result
}

// Abandoner is implemented by tasks that need to know when the pool
// drops them without calling Run.
type Abandoner interface {
	Abandon()
}

// Result describes one task execution. It is created RUNNING when the task
// starts and becomes immutable once EndTime is set.
//
// Only results from NewResult are safe for concurrent use; snapshots and
// literals are plain values and may be copied freely.
type Result struct {
	ID        string     `json:"id"`
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`

	mu *sync.Mutex
}

// timeNow is swapped in tests
var timeNow = time.Now

// NewResult creates a RUNNING result with a fresh UUID.
func NewResult(t Type) *Result {
	return &Result{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusRunning,
		StartTime: timeNow(),
		mu:        &sync.Mutex{},
	}
}

func (r *Result) lock() (unlock func()) {
	if r.mu == nil {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

// Succeed marks the result SUCCESS. No-op once finished.
func (r *Result) Succeed() {
	r.finish(StatusSuccess, "")
}

// Fail marks the result FAILED with err's message. No-op once finished.
func (r *Result) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.finish(StatusFailed, msg)
}

func (r *Result) finish(status Status, msg string) {
	defer r.lock()()

	if r.EndTime != nil {
		return
	}
	end := timeNow()
	r.Status = status
	r.Error = msg
	r.EndTime = &end
}

// Finished reports whether EndTime is set.
func (r *Result) Finished() bool {
	defer r.lock()()
	return r.EndTime != nil
}

// Duration returns EndTime-StartTime, or zero while running.
func (r *Result) Duration() time.Duration {
	defer r.lock()()
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (r *Result) Snapshot() Result {
	defer r.lock()()
	out := Result{
		ID:        r.ID,
		Type:      r.Type,
		Status:    r.Status,
		StartTime: r.StartTime,
		Error:     r.Error,
	}
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	return out
}

// Track runs fn and records its outcome in a new Result of type t.
// Task implementations use it so they only have to return an error.
// The result ID travels in ctx as the correlation ID.
func Track(ctx context.Context, t Type, fn func(ctx context.Context) error) *Result {
	res := NewResult(t)
	ctx = logger.WithCorrelationID(ctx, res.ID)
	if err := fn(ctx); err != nil {
		res.Fail(err)
		return res
	}
	res.Succeed()
	return res
}

// Func adapts a function into a Task.
type Func struct {
	Kind Type
	Fn   func(ctx context.Context) error
}

// Type implements Task
func (f Func) Type() Type { return f.Kind }

// Run implements Task
func (f Func) Run(ctx context.Context) *Result {
	return Track(ctx, f.Kind, f.Fn)
}
