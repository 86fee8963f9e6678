package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := New(cfg, zap.NewNop().Sugar(), opts...)
	t.Cleanup(func() {
		if !m.IsShutdown() {
			_ = m.Shutdown(true)
		}
	})
	return m
}

// blockingTask runs until release is closed or its context is cancelled
type blockingTask struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingTask() *blockingTask {
	return &blockingTask{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTask) Type() worker.Type { return worker.TypeRuleExecution }

func (b *blockingTask) Run(ctx context.Context) *worker.Result {
	return worker.Track(ctx, b.Type(), func(ctx context.Context) error {
		close(b.started)
		select {
		case <-b.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func TestInFlightCounterReachesNThenZero(t *testing.T) {
	const n = 5
	m := newTestManager(t, Config{PoolSize: n, ShutdownGrace: time.Second})

	tasks := make([]*blockingTask, n)
	for i := range tasks {
		tasks[i] = newBlockingTask()
		require.NoError(t, m.Submit(tasks[i]))
	}
	for _, task := range tasks {
		<-task.started
	}

	assert.Equal(t, int64(n), m.InFlight())

	for _, task := range tasks {
		close(task.release)
	}
	assert.Eventually(t, func() bool { return m.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, m.Recent(), n)
	for _, res := range m.Recent() {
		assert.Equal(t, worker.StatusSuccess, res.Status)
	}
}

func TestSubmitDoesNotBlockWhenPoolIsFull(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1, ShutdownGrace: time.Second})

	first := newBlockingTask()
	require.NoError(t, m.Submit(first))
	<-first.started

	queued := newBlockingTask()
	done := make(chan error, 1)
	go func() { done <- m.Submit(queued) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full pool")
	}
	assert.Equal(t, int64(2), m.InFlight())

	select {
	case <-queued.started:
		t.Fatal("second task started while the only slot was taken")
	case <-time.After(50 * time.Millisecond):
	}

	close(first.release)
	<-queued.started
	close(queued.release)
	assert.Eventually(t, func() bool { return m.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPoolSizeBoundsConcurrency(t *testing.T) {
	const poolSize = 3
	m := newTestManager(t, Config{PoolSize: poolSize, ShutdownGrace: time.Second})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeValidation, Fn: func(ctx context.Context) error {
			defer wg.Done()
			now := running.Add(1)
			for {
				p := peak.Load()
				if now <= p || peak.CompareAndSwap(p, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(poolSize))
}

func TestFailingAndPanickingTasksAreRecordedAsFailed(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 2, ShutdownGrace: time.Second})

	require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeValidation, Fn: func(ctx context.Context) error {
		return errors.New("list operations failed")
	}}))
	require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeDmQueue, Fn: func(ctx context.Context) error {
		panic("nil rule")
	}}))

	require.Eventually(t, func() bool { return len(m.Recent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	errs := map[worker.Type]string{}
	for _, res := range m.Recent() {
		assert.Equal(t, worker.StatusFailed, res.Status)
		require.NotNil(t, res.EndTime)
		errs[res.Type] = res.Error
	}
	assert.Equal(t, "list operations failed", errs[worker.TypeValidation])
	assert.Contains(t, errs[worker.TypeDmQueue], "panic: nil rule")

	// Pool still works after a panic
	ok := newBlockingTask()
	require.NoError(t, m.Submit(ok))
	<-ok.started
	close(ok.release)
	assert.Eventually(t, func() bool { return m.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1, ShutdownGrace: time.Second})
	require.NoError(t, m.Shutdown(false))

	assert.True(t, m.IsShutdown())
	err := m.Submit(newBlockingTask())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShutdown))
	assert.Equal(t, int64(0), m.InFlight())
}

func TestGracefulShutdownWaitsForRunningTasks(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1, ShutdownGrace: 2 * time.Second})

	task := newBlockingTask()
	require.NoError(t, m.Submit(task))
	<-task.started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(task.release)
	}()
	require.NoError(t, m.Shutdown(false))

	recent := m.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, worker.StatusSuccess, recent[0].Status)
	assert.Equal(t, int64(0), m.InFlight())
}

func TestGracefulShutdownEscalatesAfterGrace(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1, ShutdownGrace: 50 * time.Millisecond})

	task := newBlockingTask()
	require.NoError(t, m.Submit(task))
	<-task.started

	// Never released: the grace period expires and the context is cancelled
	require.NoError(t, m.Shutdown(false))

	recent := m.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, worker.StatusFailed, recent[0].Status)
	assert.Contains(t, recent[0].Error, "context canceled")
}

func TestForceShutdownCancelsImmediately(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1, ShutdownGrace: time.Minute})

	running := newBlockingTask()
	queued := newBlockingTask()
	require.NoError(t, m.Submit(running))
	<-running.started
	require.NoError(t, m.Submit(queued))

	start := time.Now()
	require.NoError(t, m.Shutdown(true))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, int64(0), m.InFlight())
	for _, res := range m.Recent() {
		assert.Equal(t, worker.StatusFailed, res.Status)
	}
}

func TestShutdownTimesOutOnUncooperativeTask(t *testing.T) {
	m := New(Config{PoolSize: 1, ShutdownGrace: 20 * time.Millisecond}, zap.NewNop().Sugar())

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeRuleExecution, Fn: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	err := m.Shutdown(false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestRecentIsBounded(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 2, ShutdownGrace: time.Second, RecentResults: 3})

	for i := 0; i < 7; i++ {
		require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeValidation, Fn: func(ctx context.Context) error { return nil }}))
	}
	require.NoError(t, m.Shutdown(false))

	assert.Len(t, m.Recent(), 3)
}

type recordingObserver struct {
	mu        sync.Mutex
	submitted int
	completed []worker.Status
}

func (r *recordingObserver) TaskSubmitted(worker.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func (r *recordingObserver) TaskCompleted(res worker.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, res.Status)
}

func (r *recordingObserver) InFlight(int64) {}

func TestObserverSeesEveryTask(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, Config{PoolSize: 2, ShutdownGrace: time.Second}, WithObserver(obs))

	require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeValidation, Fn: func(ctx context.Context) error { return nil }}))
	require.NoError(t, m.Submit(worker.Func{Kind: worker.TypeValidation, Fn: func(ctx context.Context) error {
		return errors.New("nope")
	}}))
	require.NoError(t, m.Shutdown(false))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.submitted)
	assert.ElementsMatch(t, []worker.Status{worker.StatusSuccess, worker.StatusFailed}, obs.completed)
}

func TestCheckMemoryPressure(t *testing.T) {
	orig := memoryStats
	t.Cleanup(func() { memoryStats = orig })

	const gb = 1024 * 1024 * 1024
	memoryStats = func() (uint64, uint64, error) { return 16 * gb, 2 * gb, nil }

	m := &Manager{cfg: Config{PoolSize: 10}}
	assert.Contains(t, m.checkMemoryPressure(), "exceeds recommended (4)")

	m.cfg.PoolSize = 4
	assert.Empty(t, m.checkMemoryPressure())

	memoryStats = func() (uint64, uint64, error) { return 0, 0, errors.New("unsupported") }
	assert.Empty(t, m.checkMemoryPressure())
}

func TestCalculateSafePoolSize(t *testing.T) {
	assert.Equal(t, 1, calculateSafePoolSize(0.5))
	assert.Equal(t, 1, calculateSafePoolSize(1.1))
	assert.Equal(t, 4, calculateSafePoolSize(2))
	assert.Equal(t, 60, calculateSafePoolSize(16))
}

type abandoningTask struct {
	ran       atomic.Bool
	abandoned atomic.Bool
}

func (a *abandoningTask) Type() worker.Type { return worker.TypeDmQueue }

func (a *abandoningTask) Run(ctx context.Context) *worker.Result {
	a.ran.Store(true)
	return worker.Track(ctx, a.Type(), func(context.Context) error { return nil })
}

func (a *abandoningTask) Abandon() { a.abandoned.Store(true) }

func TestQueuedTaskIsAbandonedOnForceShutdown(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1, ShutdownGrace: time.Minute})

	running := newBlockingTask()
	require.NoError(t, m.Submit(running))
	<-running.started

	queued := &abandoningTask{}
	require.NoError(t, m.Submit(queued))
	require.NoError(t, m.Shutdown(true))

	assert.False(t, queued.ran.Load())
	assert.True(t, queued.abandoned.Load())
}
