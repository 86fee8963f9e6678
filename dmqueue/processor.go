package dmqueue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/notify"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/validator"
)

// Config configures a Processor
type Config struct {
	// Owner identifies this runner in claimed_by. Defaults to host-pid-random.
	Owner        string
	BatchSize    int
	MaxRetries   int
	ShadowSuffix string
	// ClaimTimeout is how long a PROCESSING claim may sit before another
	// runner may take it.
	ClaimTimeout time.Duration
	// MissingJobGrace is how long a STS_EXECUTION request may wait for its
	// job to appear in the transfer service before it is retried.
	MissingJobGrace time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		MaxRetries:      3,
		ShadowSuffix:    "shadow",
		ClaimTimeout:    30 * time.Minute,
		MissingJobGrace: time.Hour,
	}
}

// Outcome is what one processing step did to a request
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
)

// Observer receives request outcomes. Implemented by the metrics package.
type Observer interface {
	RequestProcessed(outcome Outcome)
}

// Summary counts the outcomes of one Process or Reconcile call
type Summary struct {
	Claimed   int `json:"claimed"`
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeSubmitted:
		s.Submitted++
	case OutcomeCompleted:
		s.Completed++
	case OutcomeRetried:
		s.Retried++
	case OutcomeFailed:
		s.Failed++
	}
}

// Option configures a Processor
type Option func(*Processor)

// WithObserver reports outcomes to o
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// WithNotifier sends a SuccessDelete event for every archived request
func WithNotifier(n notify.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// Processor advances queued requests: Process submits transfer jobs for
// claimable requests, Reconcile settles submitted ones.
type Processor struct {
	store    *Store
	client   sts.Client
	cfg      Config
	log      *zap.SugaredLogger
	observer Observer
	notifier notify.Notifier
}

// NewProcessor creates a Processor
func NewProcessor(store *Store, client sts.Client, cfg Config, log *zap.SugaredLogger, opts ...Option) *Processor {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.ShadowSuffix == "" {
		cfg.ShadowSuffix = defaults.ShadowSuffix
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}
	if cfg.MissingJobGrace <= 0 {
		cfg.MissingJobGrace = defaults.MissingJobGrace
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if log == nil {
		log = logger.Logger
	}

	p := &Processor{
		store:  store,
		client: client,
		cfg:    cfg,
		log:    log.Named("dmqueue").With("owner", cfg.Owner),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "sdrs"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the claim owner of this processor
func (p *Processor) Owner() string {
	return p.cfg.Owner
}

// ReleaseStale returns claims older than ClaimTimeout to READY_RETRY so a
// runner that died mid-submission does not strand its requests.
func (p *Processor) ReleaseStale() (int, error) {
	n, err := p.store.ReleaseStale(p.cfg.ClaimTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Warnw("Released stale claims", logger.FieldCount, n, "older_than", p.cfg.ClaimTimeout)
	}
	return n, nil
}

// Process claims up to BatchSize READY or READY_RETRY requests and submits
// one transfer job for each. Submission failures go to READY_RETRY.
func (p *Processor) Process(ctx context.Context) (Summary, error) {
	var sum Summary

	claimed, err := p.store.ClaimBatch(p.cfg.Owner, p.cfg.BatchSize)
	sum.Claimed = len(claimed)
	if err != nil && len(claimed) == 0 {
		return sum, errors.Wrap(err, "claim requests")
	}
	if err != nil {
		p.log.Warnw("Claim batch ended early", "claimed", len(claimed), "error", err)
	}

	for _, req := range claimed {
		var outcome Outcome
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Release what we hold so the next cycle can pick it up
			outcome = p.retry(req, ctxErr)
		} else {
			outcome = p.submit(ctx, req)
		}
		sum.add(outcome)
	}

	if sum.Claimed > 0 {
		p.log.Infow("Queue processed",
			logger.FieldCount, sum.Claimed,
			"submitted", sum.Submitted,
			"retried", sum.Retried,
			"failed", sum.Failed)
	}
	return sum, ctx.Err()
}

func (p *Processor) submit(ctx context.Context, req *Request) Outcome {
	log := p.log.With(logger.FieldRequestID, req.ID, logger.FieldProjectID, req.ProjectID)

	dest, err := shadowOf(req.DataStorageName, p.cfg.ShadowSuffix)
	if err != nil {
		// A bad target never becomes valid
		if ferr := p.store.Fail(req.ID, err.Error()); ferr != nil {
			log.Errorw("Failed to mark request failed", "error", ferr)
		}
		return p.observe(OutcomeFailed)
	}

	name := req.AttemptJobName()
	_, err = p.client.CreateJob(ctx, sts.CreateJobRequest{
		ProjectID:   req.ProjectID,
		Name:        name,
		Description: fmt.Sprintf("sdrs %s delete %s", strings.ToLower(string(req.Trigger)), req.DataStorageName),
		Source:      req.DataStorageName,
		Destination: dest,
		StartAt:     timeNow(),
	})
	// A conflict means an earlier attempt created the job but did not
	// record it; the job is ours.
	if err != nil && !errors.IsConflict(err) {
		log.Warnw("Transfer job submission failed", logger.FieldJobName, name, "error", err)
		return p.retry(req, err)
	}

	if err := p.store.MarkExecuting(req.ID, p.cfg.Owner, name); err != nil {
		if errors.IsConflict(err) {
			// The claim expired; whoever holds it now owns the job
			log.Warnw("Claim lost before the job was recorded", logger.FieldJobName, name, "error", err)
			return ""
		}
		log.Errorw("Failed to record submitted job", logger.FieldJobName, name, "error", err)
		return p.retry(req, err)
	}
	log.Infow("Deletion submitted", logger.FieldJobName, name, logger.FieldDataStorage, req.DataStorageName)
	return p.observe(OutcomeSubmitted)
}

// shadowOf is the destination for a request target. Targets whose shadow
// would overlap them are rejected before any job is created.
func shadowOf(dataStorageName, suffix string) (string, error) {
	loc, err := retention.ParseLocation(dataStorageName)
	if err != nil {
		return "", err
	}
	return retention.ShadowDestination(dataStorageName, loc.Dataset, suffix)
}

func (p *Processor) retry(req *Request, cause error) Outcome {
	status, err := p.store.Retry(req.ID, cause.Error(), p.cfg.MaxRetries)
	if err != nil {
		p.log.Errorw("Failed to record retry", logger.FieldRequestID, req.ID, "error", err)
		return ""
	}
	if status == StatusFail {
		p.log.Warnw("Request failed after retries",
			logger.FieldRequestID, req.ID,
			"retries", p.cfg.MaxRetries,
			"error", cause)
		return p.observe(OutcomeFailed)
	}
	return p.observe(OutcomeRetried)
}

func (p *Processor) observe(o Outcome) Outcome {
	if p.observer != nil {
		p.observer.RequestProcessed(o)
	}
	return o
}

// Reconcile polls the transfer service for every STS_EXECUTION request,
// one batched call per project. Successful operations archive the
// request, failed ones send it back for retry, running ones are left.
// A request whose job the service has not known for MissingJobGrace is
// retried; the transfer service may have lost it. A project whose listing
// fails is skipped until the next cycle.
func (p *Processor) Reconcile(ctx context.Context) (Summary, error) {
	var sum Summary

	executing, err := p.store.ListByStatus(StatusSTSExecution, 0)
	if err != nil {
		return sum, errors.Wrap(err, "list executing requests")
	}

	byProject := make(map[string][]*Request)
	var projects []string
	for _, req := range executing {
		if _, ok := byProject[req.ProjectID]; !ok {
			projects = append(projects, req.ProjectID)
		}
		byProject[req.ProjectID] = append(byProject[req.ProjectID], req)
	}

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := p.reconcileProject(ctx, project, byProject[project], &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (p *Processor) reconcileProject(ctx context.Context, project string, reqs []*Request, sum *Summary) error {
	names := make([]string, 0, len(reqs))
	for _, req := range reqs {
		names = append(names, req.JobName)
	}

	ops, err := p.client.ListOperations(ctx, project, names)
	if err != nil {
		p.log.Warnw("Listing operations failed, skipping project",
			logger.FieldProjectID, project,
			logger.FieldCount, len(reqs),
			"error", err)
		return nil
	}

	latest := make(map[string]*sts.Operation, len(ops))
	for _, op := range ops {
		if _, err := validator.OperationID(op.Name); err != nil {
			return err
		}
		if prev, ok := latest[op.TransferJobName]; !ok || op.StartTime.After(prev.StartTime) {
			latest[op.TransferJobName] = op
		}
	}

	for _, req := range reqs {
		op, ok := latest[req.JobName]
		if !ok {
			if timeNow().Sub(req.UpdatedAt) >= p.cfg.MissingJobGrace {
				p.log.Warnw("Transfer job unknown to the service, retrying",
					logger.FieldRequestID, req.ID,
					logger.FieldJobName, req.JobName,
					"submitted_at", req.UpdatedAt)
				sum.add(p.retry(req, errors.Newf("transfer job %s unknown to the transfer service", req.JobName)))
			}
			continue
		}
		if !op.Done {
			continue
		}
		if !op.Succeeded() {
			sum.add(p.retry(req, errors.Newf("operation %s: %s", op.Name, op.Error)))
			continue
		}

		if err := p.store.Complete(req.ID); err != nil {
			p.log.Errorw("Failed to archive request", logger.FieldRequestID, req.ID, "error", err)
			continue
		}
		sum.add(p.observe(OutcomeCompleted))
		p.log.Infow("Deletion completed",
			logger.FieldRequestID, req.ID,
			logger.FieldJobName, req.JobName,
			"objects_found", op.ObjectsFound())

		if p.notifier != nil {
			p.notifier.SendSuccessDelete(ctx, notify.Event{
				ProjectID:       req.ProjectID,
				DataStorageName: req.DataStorageName,
				JobName:         req.JobName,
				Trigger:         string(req.Trigger),
				ObjectsFound:    op.ObjectsFound(),
			})
		}
	}
	return nil
}
