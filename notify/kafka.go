package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/config"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
)

const flushTimeout = 10 * time.Second

// producer is the part of *kgo.Client the notifier uses
type producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaNotifier publishes events as JSON records keyed by project, so
// events of one project stay ordered within a partition.
type KafkaNotifier struct {
	client producer
	topic  string
	log    *zap.SugaredLogger

	closeOnce sync.Once
}

// NewKafkaNotifier creates a franz-go client for cfg. The client connects
// lazily; an unreachable broker surfaces as logged produce failures.
func NewKafkaNotifier(cfg config.KafkaConfig, log *zap.SugaredLogger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.NewInvalidArgumentError("kafka notifier needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.NewInvalidArgumentError("kafka notifier needs a topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("sdrs"),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kafka client")
	}
	return newKafkaNotifier(client, cfg.Topic, log), nil
}

func newKafkaNotifier(client producer, topic string, log *zap.SugaredLogger) *KafkaNotifier {
	if log == nil {
		log = logger.Logger
	}
	return &KafkaNotifier{client: client, topic: topic, log: log.Named("notify.kafka")}
}

func (n *KafkaNotifier) SendSuccessDelete(ctx context.Context, ev Event) {
	n.produce(ctx, stamp(ev, KindSuccessDelete))
}

func (n *KafkaNotifier) SendInactiveDataset(ctx context.Context, ev Event) {
	n.produce(ctx, stamp(ev, KindInactiveDataset))
}

func (n *KafkaNotifier) produce(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		n.log.Errorw("Failed to encode event", "kind", ev.Kind, "error", err)
		return
	}

	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(ev.ProjectID),
		Value: value,
	}
	// TryProduce fails fast instead of blocking when the buffer is full
	n.client.TryProduce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			n.log.Warnw("Failed to publish event",
				"kind", ev.Kind,
				logger.FieldProjectID, ev.ProjectID,
				logger.FieldJobName, ev.JobName,
				"error", err)
		}
	})
}

// Close flushes buffered records and closes the client
func (n *KafkaNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		err = n.client.Flush(ctx)
		n.client.Close()
	})
	return err
}
