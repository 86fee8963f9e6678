package dmqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	sdrstest "github.com/GoogleCloudPlatform/storage-sdrs-sub001/internal/testing"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/notify"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts"
)

type recordingNotifier struct {
	mu      sync.Mutex
	success []notify.Event
}

func (n *recordingNotifier) SendSuccessDelete(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.success = append(n.success, ev)
}

func (n *recordingNotifier) SendInactiveDataset(context.Context, notify.Event) {}
func (n *recordingNotifier) Close() error { return nil }

type outcomeCounter map[Outcome]int

func (c outcomeCounter) RequestProcessed(o Outcome) { c[o]++ }

func newProcessor(t *testing.T, client sts.Client, opts ...Option) (*Processor, *Store) {
	t.Helper()
	store := NewStore(sdrstest.CreateTestDB(t))
	cfg := Config{Owner: "runner-1", BatchSize: 10, MaxRetries: 2, ShadowSuffix: "shadow"}
	return NewProcessor(store, client, cfg, zap.NewNop().Sugar(), opts...), store
}

func TestProcessSubmitsShadowJob(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	req := enqueue(t, store, "gs://bucket/ds/2020/01")

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Submitted: 1}, sum)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSTSExecution, got.Status)
	assert.Equal(t, "runner-1", got.ClaimedBy)
	assert.Equal(t, req.AttemptJobName(), got.JobName)

	job, ok := client.Job(got.JobName)
	require.True(t, ok)
	assert.Equal(t, "gs://bucket/ds/2020/01", job.Source)
	assert.Equal(t, "gs://bucket/dsshadow/2020/01", job.Destination)
	assert.Equal(t, "sdrs-test", job.ProjectID)

	// Nothing left to claim
	sum, err = p.Process(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Claimed)
}

func TestProcessRetriesThenFails(t *testing.T) {
	client := sts.NewMemoryClient()
	client.SetCreateHook(func(sts.CreateJobRequest) error {
		return errors.Wrap(errors.ErrServiceUnavailable, "503")
	})
	counts := outcomeCounter{}
	p, store := newProcessor(t, client, WithObserver(counts))
	req := enqueue(t, store, "gs://bucket/ds")

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyRetry, got.Status)
	assert.Contains(t, got.LastError, "503")

	// READY_RETRY is picked up again and exhausts MaxRetries
	sum, err = p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got, err = store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, outcomeCounter{OutcomeRetried: 1, OutcomeFailed: 1}, counts)
}

func TestProcessFailsBadTarget(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	bad := &Request{ProjectID: "sdrs-test", DataStorageName: "ftp://bucket/ds"}
	require.NoError(t, store.Enqueue(bad))

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got, err := store.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, got.Status)
	create, _, _ := client.Calls()
	assert.Zero(t, create)
}

func TestProcessFailsTargetOverlappingItsShadow(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	bucketRoot := &Request{ProjectID: "sdrs-test", DataStorageName: "gs://bucket"}
	require.NoError(t, store.Enqueue(bucketRoot))

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got, err := store.Get(bucketRoot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, got.Status)
	assert.Contains(t, got.LastError, "overlaps source")
	create, _, _ := client.Calls()
	assert.Zero(t, create, "no transfer job may copy a location onto itself")
}

func TestProcessAdoptsExistingJob(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	req := enqueue(t, store, "gs://bucket/ds")

	// A previous attempt created the job but crashed before recording it
	_, err := client.CreateJob(context.Background(), sts.CreateJobRequest{ProjectID: "sdrs-test", Name: req.AttemptJobName()})
	require.NoError(t, err)

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Submitted)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSTSExecution, got.Status)
}

func TestProcessCancelledContextReleasesClaims(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	req := enqueue(t, store, "gs://bucket/ds")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := p.Process(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Retried)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyRetry, got.Status)
}

func TestReconcile(t *testing.T) {
	client := sts.NewMemoryClient()
	notifier := &recordingNotifier{}
	p, store := newProcessor(t, client, WithNotifier(notifier))

	done := enqueue(t, store, "gs://bucket/done")
	failed := enqueue(t, store, "gs://bucket/failed")
	running := enqueue(t, store, "gs://bucket/running")

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.Submitted)

	require.NoError(t, client.CompleteOperation(done.AttemptJobName(), sts.Counters{ObjectsFound: 5}))
	require.NoError(t, client.FailOperation(failed.AttemptJobName(), "permission denied"))

	sum, err = p.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Completed: 1, Retried: 1}, sum)

	_, list, _ := client.Calls()
	assert.Equal(t, 1, list, "one listing per project")

	archived, err := store.Archived(done.ID)
	require.NoError(t, err)
	assert.True(t, archived)

	require.Len(t, notifier.success, 1)
	assert.Equal(t, "gs://bucket/done", notifier.success[0].DataStorageName)
	assert.Equal(t, int64(5), notifier.success[0].ObjectsFound)
	assert.Equal(t, string(TriggerUser), notifier.success[0].Trigger)

	got, err := store.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyRetry, got.Status)
	assert.Contains(t, got.LastError, "permission denied")

	got, err = store.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSTSExecution, got.Status)

	// The retried request is resubmitted under a new job name
	sum, err = p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Submitted)
	got, err = store.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "transferJobs/sdrs-dm-"+failed.ID+"-1", got.JobName)
}

func TestReconcileRetriesJobsUnknownToService(t *testing.T) {
	base := time.Date(2020, 3, 1, 6, 0, 0, 0, time.UTC)
	now := base
	restore := timeNow
	timeNow = func() time.Time { return now }
	defer func() { timeNow = restore }()

	p, store := newProcessor(t, sts.NewMemoryClient())
	req := enqueue(t, store, "gs://bucket/ds")
	_, err := p.Process(context.Background())
	require.NoError(t, err)

	// Restarted against a transfer service that no longer knows the job
	cfg := Config{Owner: "runner-2", MaxRetries: 3, MissingJobGrace: time.Hour}
	restarted := NewProcessor(store, sts.NewMemoryClient(), cfg, zap.NewNop().Sugar())

	now = base.Add(10 * time.Minute)
	sum, err := restarted.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Retried, "inside the grace period the job may still appear")

	now = base.Add(2 * time.Hour)
	sum, err = restarted.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Retried: 1}, sum)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyRetry, got.Status)
	assert.Contains(t, got.LastError, "unknown to the transfer service")
}

func TestReleaseStaleUsesClaimTimeout(t *testing.T) {
	base := time.Date(2020, 3, 1, 6, 0, 0, 0, time.UTC)
	now := base
	restore := timeNow
	timeNow = func() time.Time { return now }
	defer func() { timeNow = restore }()

	store := NewStore(sdrstest.CreateTestDB(t))
	p := NewProcessor(store, sts.NewMemoryClient(), Config{Owner: "runner-1", ClaimTimeout: 15 * time.Minute}, zap.NewNop().Sugar())
	req := enqueue(t, store, "gs://bucket/ds")
	won, err := store.Claim(req.ID, "crashed-runner")
	require.NoError(t, err)
	require.True(t, won)

	now = base.Add(10 * time.Minute)
	n, err := p.ReleaseStale()
	require.NoError(t, err)
	assert.Zero(t, n)

	now = base.Add(20 * time.Minute)
	n, err = p.ReleaseStale()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Submitted: 1}, sum)
}

func TestReconcileSkipsProjectOnListError(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	req := enqueue(t, store, "gs://bucket/ds")

	_, err := p.Process(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.CompleteOperation(req.AttemptJobName(), sts.Counters{}))

	client.SetListError(errors.Wrap(errors.ErrServiceUnavailable, "503"))
	sum, err := p.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Completed)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSTSExecution, got.Status)
}

func TestReconcileRejectsMalformedOperation(t *testing.T) {
	client := sts.NewMemoryClient()
	p, store := newProcessor(t, client)
	req := enqueue(t, store, "gs://bucket/ds")

	_, err := p.Process(context.Background())
	require.NoError(t, err)

	client.InjectOperation(sts.Operation{
		Name:            "bogus",
		ProjectID:       "sdrs-test",
		TransferJobName: req.AttemptJobName(),
		Done:            true,
	})

	_, err = p.Reconcile(context.Background())
	assert.True(t, errors.IsOutOfRange(err))
}

func TestDefaultOwner(t *testing.T) {
	p := NewProcessor(NewStore(sdrstest.CreateTestDB(t)), sts.NewMemoryClient(), Config{}, nil)
	assert.NotEmpty(t, p.Owner())
	assert.Equal(t, DefaultConfig().MaxRetries, p.cfg.MaxRetries)
}
