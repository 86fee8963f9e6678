// Package executor turns retention rules into transfer jobs.
//
// Dataset rules with their own period produce one job each. A GLOBAL rule
// is the project default: it produces one job per dataset rule of the same
// project that does not override it, tagged with the default rule's
// identity and the dataset rule's location and version.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts"
)

// DefaultBatchLimit caps how many dataset rules one default-rule expansion
// may touch.
const DefaultBatchLimit = 1000

// Config controls job construction
type Config struct {
	ShadowSuffix string
	BatchLimit   int
	Lookback     time.Duration
}

// Observer receives per-job outcomes. Implemented by the metrics package.
type Observer interface {
	JobSubmitted(ruleType retention.RuleType)
	JobFailed(ruleType retention.RuleType)
}

// Option configures an Executor
type Option func(*Executor)

// WithObserver attaches an Observer
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithClock overrides the time source used for dataset rule runs
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor submits transfer jobs and records them
type Executor struct {
	client   sts.Client
	jobs     retention.JobStore
	cfg      Config
	log      *zap.SugaredLogger
	observer Observer
	now      func() time.Time
}

// New creates an Executor
func New(client sts.Client, jobs retention.JobStore, cfg Config, log *zap.SugaredLogger, opts ...Option) *Executor {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if log == nil {
		log = logger.Logger
	}
	e := &Executor{
		client: client,
		jobs:   jobs,
		cfg:    cfg,
		log:    log.Named("executor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteDatasetRule submits one job per dataset rule for projectID. Every
// rule must be DATASET and belong to projectID; otherwise nothing is
// submitted. Rules without their own period inherit the project default
// and are skipped here.
func (e *Executor) ExecuteDatasetRule(ctx context.Context, rules []*retention.Rule, projectID string) ([]*retention.Job, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.NewInvalidArgumentError("projectId is empty")
	}
	for _, r := range rules {
		if r == nil {
			return nil, errors.NewInvalidArgumentError("nil rule")
		}
		if r.Type != retention.RuleTypeDataset {
			return nil, errors.NewInvalidArgumentError("rule %d has type %s, expected %s", r.ID, r.Type, retention.RuleTypeDataset)
		}
		if r.ProjectID != projectID {
			return nil, errors.NewInvalidArgumentError("rule %d belongs to project %q, not %q", r.ID, r.ProjectID, projectID)
		}
	}

	scheduled := e.now()
	var jobs []*retention.Job
	for _, r := range rules {
		if !r.OverridesDefault() {
			e.log.Debugw("Dataset rule inherits the default, skipping", logger.FieldRuleID, r.ID)
			continue
		}
		job, err := e.submit(ctx, projectID, r, r, r.RetentionPeriod, scheduled)
		if err != nil {
			e.logSkipped(r, err)
			continue
		}
		jobs = append(jobs, job)
	}

	e.log.Infow("Dataset rules executed",
		logger.FieldProjectID, projectID,
		"rules", len(rules),
		"jobs", len(jobs))
	return jobs, nil
}

// ExecuteDefaultRule expands defaultRule across the dataset rules of its
// project that do not override it.
func (e *Executor) ExecuteDefaultRule(ctx context.Context, defaultRule *retention.Rule, datasetRules []*retention.Rule, scheduledTime time.Time) ([]*retention.Job, error) {
	affected, err := e.affectedRules(defaultRule, datasetRules)
	if err != nil {
		return nil, err
	}
	return e.expand(ctx, defaultRule, affected, scheduledTime), nil
}

// UpdateDefaultRule submits jobs for affected dataset rules that no
// existing job of defaultRule already covers at the same location and
// version.
func (e *Executor) UpdateDefaultRule(ctx context.Context, existingJobs []*retention.Job, defaultRule *retention.Rule, datasetRules []*retention.Rule) ([]*retention.Job, error) {
	affected, err := e.affectedRules(defaultRule, datasetRules)
	if err != nil {
		return nil, err
	}

	type coverage struct {
		location string
		version  int
	}
	covered := make(map[coverage]bool)
	for _, j := range existingJobs {
		if !ownedBy(j, defaultRule) || j.Status == retention.JobStatusCancelled {
			continue
		}
		covered[coverage{j.RetentionRuleDataStorageName, j.RetentionRuleVersion}] = true
	}

	var missing []*retention.Rule
	for _, r := range affected {
		if !covered[coverage{r.DataStorageName, r.Version}] {
			missing = append(missing, r)
		}
	}

	e.log.Infow("Default rule updated",
		logger.FieldRuleID, defaultRule.ID,
		"affected", len(affected),
		"uncovered", len(missing))
	return e.expand(ctx, defaultRule, missing, e.now()), nil
}

// CancelDefaultJobs cancels the pending jobs of defaultRule at the
// service and marks them CANCELLED. Jobs of other rules are ignored.
// Returns the jobs that were cancelled.
func (e *Executor) CancelDefaultJobs(ctx context.Context, jobs []*retention.Job, defaultRule *retention.Rule) ([]*retention.Job, error) {
	if err := checkDefaultRule(defaultRule); err != nil {
		return nil, err
	}

	var cancelled []*retention.Job
	for _, j := range jobs {
		if !ownedBy(j, defaultRule) || j.Status.IsTerminal() {
			continue
		}
		if err := e.client.CancelJob(ctx, j.RetentionRuleProjectID, j.Name); err != nil && !errors.IsNotFoundError(err) {
			e.log.Warnw("Failed to cancel transfer job, skipping",
				logger.FieldJobName, j.Name, "error", err)
			continue
		}
		if err := e.jobs.UpdateStatus(j.ID, retention.JobStatusCancelled); err != nil {
			e.log.Warnw("Failed to mark job cancelled",
				logger.FieldJobID, j.ID, "error", err)
			continue
		}
		j.Status = retention.JobStatusCancelled
		cancelled = append(cancelled, j)
	}

	e.log.Infow("Default rule jobs cancelled",
		logger.FieldRuleID, defaultRule.ID,
		"cancelled", len(cancelled))
	return cancelled, nil
}

func checkDefaultRule(defaultRule *retention.Rule) error {
	if defaultRule == nil {
		return errors.NewInvalidArgumentError("default rule is nil")
	}
	if defaultRule.Type != retention.RuleTypeGlobal {
		return errors.NewInvalidArgumentError("rule %d has type %s, expected %s", defaultRule.ID, defaultRule.Type, retention.RuleTypeGlobal)
	}
	if strings.TrimSpace(defaultRule.ProjectID) == "" {
		return errors.NewInvalidArgumentError("default rule %d projectId is empty", defaultRule.ID)
	}
	return nil
}

// affectedRules validates the inputs of a default-rule expansion and
// returns the dataset rules it applies to. It never calls the service.
func (e *Executor) affectedRules(defaultRule *retention.Rule, datasetRules []*retention.Rule) ([]*retention.Rule, error) {
	if err := checkDefaultRule(defaultRule); err != nil {
		return nil, err
	}

	var affected []*retention.Rule
	for _, r := range datasetRules {
		if r == nil {
			return nil, errors.NewInvalidArgumentError("nil dataset rule")
		}
		if r.Type != retention.RuleTypeDataset {
			return nil, errors.NewInvalidArgumentError("rule %d has type %s, expected %s", r.ID, r.Type, retention.RuleTypeDataset)
		}
		if strings.TrimSpace(r.ProjectID) == "" {
			return nil, errors.NewInvalidArgumentError("dataset rule %d projectId is empty", r.ID)
		}
		if r.ProjectID != defaultRule.ProjectID || r.OverridesDefault() {
			continue
		}
		affected = append(affected, r)
	}

	if len(affected) > e.cfg.BatchLimit {
		err := errors.NewInvalidArgumentError("default rule %d affects %d dataset rules, limit is %d",
			defaultRule.ID, len(affected), e.cfg.BatchLimit)
		return nil, errors.WithHint(err, "split the project's datasets or raise executor.batch_limit")
	}
	return affected, nil
}

func (e *Executor) expand(ctx context.Context, defaultRule *retention.Rule, affected []*retention.Rule, scheduled time.Time) []*retention.Job {
	var jobs []*retention.Job
	for _, r := range affected {
		job, err := e.submit(ctx, defaultRule.ProjectID, defaultRule, r, defaultRule.RetentionPeriod, scheduled)
		if err != nil {
			e.logSkipped(r, err)
			continue
		}
		jobs = append(jobs, job)
	}

	e.log.Infow("Default rule executed",
		logger.FieldRuleID, defaultRule.ID,
		logger.FieldProjectID, defaultRule.ProjectID,
		"affected", len(affected),
		"jobs", len(jobs))
	return jobs
}

// submit creates one transfer job for target's location and records it.
// owner is the rule the job is attributed to.
func (e *Executor) submit(ctx context.Context, projectID string, owner, target *retention.Rule, period retention.Period, scheduled time.Time) (*retention.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	location := target.DataStorageName
	dest, err := retention.ShadowDestination(location, target.Dataset(), e.cfg.ShadowSuffix)
	if err != nil {
		e.observe(owner.Type, err)
		return nil, err
	}

	cutoff := retention.Cutoff(scheduled, period)
	req := sts.CreateJobRequest{
		ProjectID:       projectID,
		Name:            retention.JobName(owner.ID, target.Version, location, scheduled),
		Description:     fmt.Sprintf("sdrs %s rule %d: %s older than %s", strings.ToLower(string(owner.Type)), owner.ID, location, cutoff.Format(time.RFC3339)),
		Source:          location,
		Destination:     dest,
		IncludePrefixes: retention.TimePrefixes(cutoff, e.cfg.Lookback),
		StartAt:         scheduled,
	}

	tj, err := e.client.CreateJob(ctx, req)
	if err != nil {
		e.observe(owner.Type, err)
		return nil, errors.Wrapf(err, "create transfer job %s", req.Name)
	}

	job := BuildRetentionJob(tj, target)
	job.RetentionRuleID = owner.ID
	job.RetentionRuleType = owner.Type

	if err := e.jobs.Save(job); err != nil {
		e.observe(owner.Type, err)
		return nil, errors.Wrapf(err, "record transfer job %s", tj.Name)
	}
	e.observe(owner.Type, nil)

	e.log.Debugw("Transfer job submitted",
		logger.FieldJobName, job.Name,
		logger.FieldRuleID, owner.ID,
		logger.FieldDataStorage, location,
		"prefixes", len(req.IncludePrefixes))
	return job, nil
}

func (e *Executor) observe(t retention.RuleType, err error) {
	if e.observer == nil {
		return
	}
	if err != nil {
		e.observer.JobFailed(t)
		return
	}
	e.observer.JobSubmitted(t)
}

func (e *Executor) logSkipped(r *retention.Rule, err error) {
	e.log.Warnw("Skipping rule, no job submitted",
		logger.FieldRuleID, r.ID,
		logger.FieldDataStorage, r.DataStorageName,
		"error", err)
}

// ownedBy reports whether job was created for defaultRule
func ownedBy(job *retention.Job, defaultRule *retention.Rule) bool {
	return job.RetentionRuleID == defaultRule.ID && job.RetentionRuleType == retention.RuleTypeGlobal
}

// BuildRetentionJob snapshots a created transfer job and the rule it was
// created for.
func BuildRetentionJob(tj *sts.TransferJob, rule *retention.Rule) *retention.Job {
	meta := retention.JobMetadata{
		Source:      tj.Source,
		Destination: tj.Destination,
		PrefixCount: len(tj.IncludePrefixes),
	}
	if !tj.StartAt.IsZero() {
		meta.ScheduledAt = tj.StartAt.UTC().Format(time.RFC3339)
	}
	return retention.BuildJob(tj.Name, rule, meta)
}
