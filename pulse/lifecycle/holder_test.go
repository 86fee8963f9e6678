package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/manager"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/schedule"
)

type fakeService struct {
	id   int
	mu   sync.Mutex
	down bool
}

func (f *fakeService) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *fakeService) Shutdown(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = true
	return nil
}

func counter() (func() *fakeService, *int) {
	n := 0
	return func() *fakeService {
		n++
		return &fakeService{id: n}
	}, &n
}

func TestHolderReturnsSameInstanceUntilShutdown(t *testing.T) {
	factory, built := counter()
	h := NewHolder(factory)

	first := h.Get()
	assert.Same(t, first, h.Get())
	assert.Same(t, first, h.Get())
	assert.Equal(t, 1, *built)

	require.NoError(t, first.Shutdown(false))

	second := h.Get()
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, second.id)
	assert.Same(t, second, h.Get())
}

func TestHolderShutdown(t *testing.T) {
	factory, built := counter()
	h := NewHolder(factory)

	// Nothing built yet
	require.NoError(t, h.Shutdown(false))
	assert.Equal(t, 0, *built)

	cur := h.Get()
	require.NoError(t, h.Shutdown(true))
	assert.True(t, cur.IsShutdown())
	assert.NotSame(t, cur, h.Get())
}

func TestHolderReplace(t *testing.T) {
	factory, _ := counter()
	h := NewHolder(factory)
	old := h.Get()

	require.NoError(t, h.Replace(func() *fakeService { return &fakeService{id: 99} }, false))
	assert.True(t, old.IsShutdown())
	assert.Equal(t, 99, h.Get().id)
}

func TestHolderConcurrentGet(t *testing.T) {
	factory, built := counter()
	h := NewHolder(factory)

	var wg sync.WaitGroup
	got := make([]*fakeService, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = h.Get()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, *built)
	for _, g := range got {
		assert.Same(t, got[0], g)
	}
}

func TestHolderWithManagerAndScheduler(t *testing.T) {
	log := zap.NewNop().Sugar()
	managers := NewHolder(func() *manager.Manager {
		return manager.New(manager.Config{PoolSize: 1, ShutdownGrace: time.Second}, log)
	})
	schedulers := NewHolder(func() *schedule.Scheduler {
		return schedule.New(schedule.Config{PoolSize: 1, Period: time.Hour}, log)
	})

	m := managers.Get()
	s := schedulers.Get()
	require.NoError(t, m.Shutdown(false))
	require.NoError(t, s.Shutdown(false))

	m2 := managers.Get()
	s2 := schedulers.Get()
	assert.NotSame(t, m, m2)
	assert.NotSame(t, s, s2)
	assert.False(t, m2.IsShutdown())

	require.NoError(t, managers.Shutdown(false))
	require.NoError(t, schedulers.Shutdown(false))
}
