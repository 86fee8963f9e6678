package runner

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/dmqueue"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/executor"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/notify"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/validator"
)

// ExecuteRulesTask runs one rule execution cycle: dataset rules per
// project, then every GLOBAL rule across its project's dataset rules.
type ExecuteRulesTask struct {
	rules    retention.RuleStore
	executor *executor.Executor
	log      *zap.SugaredLogger
	now      func() time.Time
}

var _ worker.Task = (*ExecuteRulesTask)(nil)

// NewExecuteRulesTask creates an ExecuteRulesTask
func NewExecuteRulesTask(rules retention.RuleStore, exec *executor.Executor, log *zap.SugaredLogger) *ExecuteRulesTask {
	if log == nil {
		log = logger.Logger
	}
	return &ExecuteRulesTask{
		rules:    rules,
		executor: exec,
		log:      log.Named("task.execute"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Type implements worker.Task
func (t *ExecuteRulesTask) Type() worker.Type { return worker.TypeRuleExecution }

// Run implements worker.Task
func (t *ExecuteRulesTask) Run(ctx context.Context) *worker.Result {
	return worker.Track(ctx, t.Type(), t.run)
}

// run keeps going after a failing project; the combined error fails the result
func (t *ExecuteRulesTask) run(ctx context.Context) error {
	datasets, err := t.rules.ListActive(retention.RuleTypeDataset)
	if err != nil {
		return errors.Wrap(err, "list dataset rules")
	}
	globals, err := t.rules.ListActive(retention.RuleTypeGlobal)
	if err != nil {
		return errors.Wrap(err, "list global rules")
	}

	byProject := groupByProject(datasets)
	scheduled := t.now()
	var errs error
	submitted := 0

	for _, project := range sortedKeys(byProject) {
		if err := ctx.Err(); err != nil {
			return errors.CombineErrors(errs, err)
		}
		jobs, err := t.executor.ExecuteDatasetRule(ctx, byProject[project], project)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "project %s", project))
			continue
		}
		submitted += len(jobs)
	}

	for _, g := range globals {
		if err := ctx.Err(); err != nil {
			return errors.CombineErrors(errs, err)
		}
		jobs, err := t.executor.ExecuteDefaultRule(ctx, g, byProject[g.ProjectID], scheduled)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "global rule %d", g.ID))
			continue
		}
		submitted += len(jobs)
	}

	logger.FromContext(ctx, t.log).Infow("Rule execution cycle finished",
		"dataset_rules", len(datasets),
		"global_rules", len(globals),
		"jobs", submitted)
	return errs
}

func groupByProject(rules []*retention.Rule) map[string][]*retention.Rule {
	out := make(map[string][]*retention.Rule)
	for _, r := range rules {
		out[r.ProjectID] = append(out[r.ProjectID], r)
	}
	return out
}

func sortedKeys(m map[string][]*retention.Rule) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateJobsTask validates pending jobs project by project, writes the
// resolved statuses back, and notifies on successful deletions.
type ValidateJobsTask struct {
	jobs      retention.JobStore
	validator *validator.Validator
	notifier  notify.Notifier
	log       *zap.SugaredLogger
}

var _ worker.Task = (*ValidateJobsTask)(nil)

// NewValidateJobsTask creates a ValidateJobsTask. notifier may be nil.
func NewValidateJobsTask(jobs retention.JobStore, v *validator.Validator, notifier notify.Notifier, log *zap.SugaredLogger) *ValidateJobsTask {
	if log == nil {
		log = logger.Logger
	}
	return &ValidateJobsTask{jobs: jobs, validator: v, notifier: notifier, log: log.Named("task.validate")}
}

// Type implements worker.Task
func (t *ValidateJobsTask) Type() worker.Type { return worker.TypeValidation }

// Run implements worker.Task
func (t *ValidateJobsTask) Run(ctx context.Context) *worker.Result {
	return worker.Track(ctx, t.Type(), t.run)
}

func (t *ValidateJobsTask) run(ctx context.Context) error {
	projects, err := t.jobs.ListPendingProjects()
	if err != nil {
		return errors.Wrap(err, "list projects with pending jobs")
	}

	var errs error
	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return errors.CombineErrors(errs, err)
		}
		if err := t.validateProject(ctx, project); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "project %s", project))
		}
	}
	return errs
}

func (t *ValidateJobsTask) validateProject(ctx context.Context, project string) error {
	pending, err := t.jobs.FindPendingByProject(project)
	if err != nil {
		return err
	}

	validations, err := t.validator.ValidateRetentionJobs(ctx, pending)
	if err != nil {
		return err
	}

	written, err := validator.Apply(validations, t.jobs)
	if err != nil {
		logger.FromContext(ctx, t.log).Warnw("Some job statuses were not written", logger.FieldProjectID, project, "error", err)
	}

	// Only written statuses are announced; the rest are revalidated next cycle
	byID := make(map[int64]*retention.Job, len(pending))
	for _, j := range pending {
		byID[j.ID] = j
	}
	for _, val := range written {
		if val.Status != retention.JobStatusSuccess {
			continue
		}
		t.notify(ctx, byID[val.RetentionJobID], val)
	}

	logger.FromContext(ctx, t.log).Infow("Project validated",
		logger.FieldProjectID, project,
		"pending", len(pending),
		"updated", len(written))
	return err
}

func (t *ValidateJobsTask) notify(ctx context.Context, job *retention.Job, val *retention.JobValidation) {
	if t.notifier == nil || job == nil {
		return
	}
	ev := notify.Event{
		ProjectID:       job.RetentionRuleProjectID,
		DataStorageName: job.RetentionRuleDataStorageName,
		JobName:         job.Name,
		Trigger:         notify.TriggerRetention,
		ObjectsFound:    val.ObjectsFound,
	}
	t.notifier.SendSuccessDelete(ctx, ev)
	if val.ObjectsFound == 0 {
		t.notifier.SendInactiveDataset(ctx, ev)
	}
}

// DepthObserver receives queue depth after each DmQueueTask run
type DepthObserver interface {
	SetDepth(counts map[dmqueue.Status]int)
}

// DmQueueTask releases expired claims, submits claimable queue requests and
// then settles executing ones.
type DmQueueTask struct {
	store     *dmqueue.Store
	processor *dmqueue.Processor
	depth     DepthObserver
	log       *zap.SugaredLogger
}

var _ worker.Task = (*DmQueueTask)(nil)

// NewDmQueueTask creates a DmQueueTask. depth may be nil.
func NewDmQueueTask(store *dmqueue.Store, p *dmqueue.Processor, depth DepthObserver, log *zap.SugaredLogger) *DmQueueTask {
	if log == nil {
		log = logger.Logger
	}
	return &DmQueueTask{store: store, processor: p, depth: depth, log: log.Named("task.dmqueue")}
}

// Type implements worker.Task
func (t *DmQueueTask) Type() worker.Type { return worker.TypeDmQueue }

// Run implements worker.Task
func (t *DmQueueTask) Run(ctx context.Context) *worker.Result {
	return worker.Track(ctx, t.Type(), t.run)
}

func (t *DmQueueTask) run(ctx context.Context) error {
	log := logger.FromContext(ctx, t.log)
	if _, err := t.processor.ReleaseStale(); err != nil {
		log.Warnw("Failed to release stale claims", "error", err)
	}

	processed, err := t.processor.Process(ctx)
	if err != nil {
		return errors.Wrap(err, "process queue")
	}
	reconciled, err := t.processor.Reconcile(ctx)
	if err != nil {
		return errors.Wrap(err, "reconcile queue")
	}

	if t.depth != nil {
		if counts, err := t.store.Counts(); err != nil {
			log.Warnw("Failed to count queue", "error", err)
		} else {
			t.depth.SetDepth(counts)
		}
	}

	log.Debugw("Queue cycle finished", "processed", processed, "reconciled", reconciled)
	return nil
}
