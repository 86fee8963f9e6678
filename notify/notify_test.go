package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/config"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	fail    error
	flushed int
	closed  int
}

func (p *fakeProducer) TryProduce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.mu.Lock()
	p.records = append(p.records, r)
	err := p.fail
	p.mu.Unlock()
	promise(r, err)
}

func (p *fakeProducer) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed++
	return nil
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func TestKafkaNotifierPublishesJSON(t *testing.T) {
	fake := &fakeProducer{}
	n := newKafkaNotifier(fake, "sdrs-events", zap.NewNop().Sugar())

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	n.SendSuccessDelete(context.Background(), Event{
		ProjectID:       "sdrs-test",
		DataStorageName: "gs://bucket/ds",
		JobName:         "transferJobs/sdrs-1",
		Trigger:         TriggerRetention,
		ObjectsFound:    3,
		Timestamp:       at,
	})
	n.SendInactiveDataset(context.Background(), Event{ProjectID: "sdrs-test", DataStorageName: "gs://bucket/empty"})

	require.Len(t, fake.records, 2)
	assert.Equal(t, "sdrs-events", fake.records[0].Topic)
	assert.Equal(t, []byte("sdrs-test"), fake.records[0].Key)

	var first Event
	require.NoError(t, json.Unmarshal(fake.records[0].Value, &first))
	assert.Equal(t, KindSuccessDelete, first.Kind)
	assert.Equal(t, int64(3), first.ObjectsFound)
	assert.True(t, at.Equal(first.Timestamp))

	var second Event
	require.NoError(t, json.Unmarshal(fake.records[1].Value, &second))
	assert.Equal(t, KindInactiveDataset, second.Kind)
	assert.False(t, second.Timestamp.IsZero())
}

func TestKafkaNotifierLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fake := &fakeProducer{fail: errors.New("buffer full")}
	n := newKafkaNotifier(fake, "sdrs-events", zap.New(core).Sugar())

	// Never panics or blocks the caller
	n.SendSuccessDelete(context.Background(), Event{ProjectID: "p", JobName: "transferJobs/x"})

	entries := logs.FilterMessage("Failed to publish event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "transferJobs/x", entries[0].ContextMap()["job_name"])
}

func TestKafkaNotifierCloseOnce(t *testing.T) {
	fake := &fakeProducer{}
	n := newKafkaNotifier(fake, "t", zap.NewNop().Sugar())

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, 1, fake.flushed)
	assert.Equal(t, 1, fake.closed)
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	_, err := NewKafkaNotifier(config.KafkaConfig{Topic: "t"}, nil)
	assert.True(t, errors.IsInvalidArgument(err))

	_, err = NewKafkaNotifier(config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, nil)
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestNew(t *testing.T) {
	n, err := New(config.NotifyConfig{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &LogNotifier{}, n)

	n, err = New(config.NotifyConfig{
		Backend: "kafka",
		Kafka:   config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "sdrs-events"},
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &KafkaNotifier{}, n)
	n.(*KafkaNotifier).client.Close()

	_, err = New(config.NotifyConfig{Backend: "pubsub"}, nil)
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLogNotifier(zap.New(core).Sugar())

	n.SendInactiveDataset(context.Background(), Event{ProjectID: "p", DataStorageName: "gs://b/ds"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, string(KindInactiveDataset), entries[0].ContextMap()["kind"])
	assert.NoError(t, n.Close())
}
