// Package validator reconciles recorded retention jobs with the transfer
// service. It reads operation state in one batched call per project and
// reports it; writing the result back is a separate step (Apply).
package validator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts"
)

// Observer receives validation outcomes. Implemented by the metrics package.
type Observer interface {
	JobValidated(status retention.JobStatus)
}

// DefaultMissingJobGrace is how long a recorded job may go without an
// operation at the service before it is reported as ERROR.
const DefaultMissingJobGrace = time.Hour

// Option configures a Validator
type Option func(*Validator)

// WithMissingJobGrace overrides DefaultMissingJobGrace
func WithMissingJobGrace(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.missingGrace = d
		}
	}
}

// WithClock overrides the time source used to age jobs
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// Validator polls the transfer service for job state
type Validator struct {
	client       sts.Client
	log          *zap.SugaredLogger
	observer     Observer
	missingGrace time.Duration
	now          func() time.Time
}

// New creates a Validator. observer may be nil.
func New(client sts.Client, log *zap.SugaredLogger, observer Observer, opts ...Option) *Validator {
	if log == nil {
		log = logger.Logger
	}
	v := &Validator{
		client:       client,
		log:          log.Named("validator"),
		observer:     observer,
		missingGrace: DefaultMissingJobGrace,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateRetentionJobs returns one validation per job that has an
// operation at the service. All jobs must belong to one project. Jobs the
// service has no operation for yet are left out until they are older than
// the missing-job grace; after that the service has lost them and they are
// reported as ERROR with no operation name.
func (v *Validator) ValidateRetentionJobs(ctx context.Context, jobs []*retention.Job) ([]*retention.JobValidation, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	projectID := jobs[0].RetentionRuleProjectID
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.NewInvalidArgumentError("job %d has no projectId", jobs[0].ID)
	}

	byName := make(map[string]*retention.Job, len(jobs))
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.RetentionRuleProjectID != projectID {
			return nil, errors.NewInvalidArgumentError("jobs span projects %q and %q", projectID, j.RetentionRuleProjectID)
		}
		if _, dup := byName[j.Name]; !dup {
			names = append(names, j.Name)
		}
		byName[j.Name] = j
	}

	ops, err := v.client.ListOperations(ctx, projectID, names)
	if err != nil {
		return nil, errors.Wrapf(err, "list operations for project %s", projectID)
	}

	// Latest operation per job wins
	latest := make(map[string]*sts.Operation, len(ops))
	for _, op := range ops {
		if _, err := OperationID(op.Name); err != nil {
			return nil, err
		}
		if prev, ok := latest[op.TransferJobName]; !ok || op.StartTime.After(prev.StartTime) {
			latest[op.TransferJobName] = op
		}
	}

	validations := make([]*retention.JobValidation, 0, len(latest))
	now := v.now()
	for _, name := range names {
		job := byName[name]
		op, ok := latest[name]
		var val *retention.JobValidation
		switch {
		case ok:
			id, _ := OperationID(op.Name)
			val = &retention.JobValidation{
				JobOperationName: id,
				RetentionJobID:   job.ID,
				Status:           operationStatus(op),
				ObjectsFound:     op.ObjectsFound(),
			}
		case now.Sub(job.CreatedAt) >= v.missingGrace:
			v.log.Warnw("Transfer job unknown to the service",
				logger.FieldJobName, name,
				"job_id", job.ID,
				"created_at", job.CreatedAt)
			val = &retention.JobValidation{RetentionJobID: job.ID, Status: retention.JobStatusError}
		default:
			continue
		}
		validations = append(validations, val)
		if v.observer != nil {
			v.observer.JobValidated(val.Status)
		}
	}

	v.log.Infow("Jobs validated",
		logger.FieldProjectID, projectID,
		"jobs", len(jobs),
		"operations", len(ops),
		"validations", len(validations))
	return validations, nil
}

// OperationID extracts <id> from "transferOperations/<id>". Any other
// shape is a contract violation by the service.
func OperationID(name string) (string, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[1] == "" {
		return "", errors.NewOutOfRangeError("malformed operation name %q", name)
	}
	return parts[1], nil
}

func operationStatus(op *sts.Operation) retention.JobStatus {
	switch {
	case !op.Done:
		return retention.JobStatusPending
	case op.Error != "":
		return retention.JobStatusError
	default:
		return retention.JobStatusSuccess
	}
}

// Apply writes finished validations back to store, one UPDATE per job.
// PENDING validations are not written. Failures are collected and the
// remaining jobs are still updated. Returns the validations that were
// written.
func Apply(validations []*retention.JobValidation, store retention.JobStore) ([]*retention.JobValidation, error) {
	var (
		errs    error
		written []*retention.JobValidation
	)
	for _, val := range validations {
		if val.Status == retention.JobStatusPending {
			continue
		}
		if err := store.UpdateStatus(val.RetentionJobID, val.Status); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "job %d", val.RetentionJobID))
			continue
		}
		written = append(written, val)
	}
	return written, errs
}
