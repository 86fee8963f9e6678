// Package notify publishes retention events for downstream consumers.
// Sends are fire-and-forget: a notifier logs its own failures and never
// blocks or fails the caller.
package notify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/config"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
)

// Kind names an event type on the wire
type Kind string

const (
	KindSuccessDelete   Kind = "SUCCESS_DELETE"
	KindInactiveDataset Kind = "INACTIVE_DATASET"
)

// Event describes one finished deletion
type Event struct {
	Kind            Kind      `json:"kind"`
	ProjectID       string    `json:"project_id"`
	DataStorageName string    `json:"data_storage_name"`
	JobName         string    `json:"job_name,omitempty"`
	Trigger         string    `json:"trigger,omitempty"` // RETENTION, MARKER or USER
	ObjectsFound    int64     `json:"objects_found"`
	Timestamp       time.Time `json:"timestamp"`
}

// TriggerRetention marks events from scheduled rule execution
const TriggerRetention = "RETENTION"

// Notifier delivers events
type Notifier interface {
	// SendSuccessDelete reports a deletion that completed
	SendSuccessDelete(ctx context.Context, ev Event)
	// SendInactiveDataset reports a dataset whose deletion found no objects
	SendInactiveDataset(ctx context.Context, ev Event)
	Close() error
}

// New builds the notifier selected by cfg.Backend
func New(cfg config.NotifyConfig, log *zap.SugaredLogger) (Notifier, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "log":
		return NewLogNotifier(log), nil
	case "kafka":
		return NewKafkaNotifier(cfg.Kafka, log)
	default:
		return nil, errors.NewInvalidArgumentError("unknown notify backend %q", cfg.Backend)
	}
}

// stamp fills in the fields every event carries
func stamp(ev Event, kind Kind) Event {
	ev.Kind = kind
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// LogNotifier writes events to the log only
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	if log == nil {
		log = logger.Logger
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) SendSuccessDelete(_ context.Context, ev Event) {
	n.emit(stamp(ev, KindSuccessDelete))
}

func (n *LogNotifier) SendInactiveDataset(_ context.Context, ev Event) {
	n.emit(stamp(ev, KindInactiveDataset))
}

func (n *LogNotifier) emit(ev Event) {
	n.log.Infow("Retention event",
		"kind", string(ev.Kind),
		logger.FieldProjectID, ev.ProjectID,
		logger.FieldDataStorage, ev.DataStorageName,
		logger.FieldJobName, ev.JobName,
		"trigger", ev.Trigger,
		"objects_found", ev.ObjectsFound)
}

// Close implements Notifier
func (n *LogNotifier) Close() error { return nil }
