package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	sdrstest "github.com/GoogleCloudPlatform/storage-sdrs-sub001/internal/testing"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
)

func datasetRule(project, path string, days int) *retention.Rule {
	return &retention.Rule{
		Type:            retention.RuleTypeDataset,
		ProjectID:       project,
		DataStorageName: path,
		RetentionPeriod: retention.Period{Value: days, Unit: retention.PeriodDay},
	}
}

func globalRule(project string, days int) *retention.Rule {
	return &retention.Rule{
		Type:            retention.RuleTypeGlobal,
		ProjectID:       project,
		DataStorageName: "global",
		RetentionPeriod: retention.Period{Value: days, Unit: retention.PeriodDay},
	}
}

func TestRuleStoreSaveAndFind(t *testing.T) {
	rules := NewRuleStore(sdrstest.CreateTestDB(t))

	r := datasetRule("sdrs-test", "gs://bucket/ds", 30)
	require.NoError(t, rules.Save(r))
	assert.NotZero(t, r.ID)
	assert.Equal(t, 1, r.Version)
	assert.True(t, r.IsActive)
	assert.Equal(t, "ds", r.DatasetName)

	byKey, err := rules.FindByBusinessKey("sdrs-test", "gs://bucket/ds", retention.RuleTypeDataset)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byKey.ID)
	assert.Equal(t, retention.Period{Value: 30, Unit: retention.PeriodDay}, byKey.RetentionPeriod)
	assert.WithinDuration(t, r.CreatedAt, byKey.CreatedAt, time.Second)

	byID, err := rules.FindByID(r.ID)
	require.NoError(t, err)
	assert.Equal(t, byKey.DataStorageName, byID.DataStorageName)

	_, err = rules.FindByID(9999)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = rules.FindByBusinessKey("sdrs-test", "gs://bucket/other", retention.RuleTypeDataset)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRuleStoreRejectsDuplicateActiveKey(t *testing.T) {
	rules := NewRuleStore(sdrstest.CreateTestDB(t))

	first := datasetRule("sdrs-test", "gs://bucket/ds", 30)
	require.NoError(t, rules.Save(first))

	err := rules.Save(datasetRule("sdrs-test", "gs://bucket/ds", 10))
	assert.True(t, errors.IsConflict(err), "got %v", err)

	// Same key is free again once the first rule is cancelled
	require.NoError(t, rules.Delete(first.ID))
	require.NoError(t, rules.Save(datasetRule("sdrs-test", "gs://bucket/ds", 10)))
}

func TestRuleStoreRejectsInvalidRule(t *testing.T) {
	rules := NewRuleStore(sdrstest.CreateTestDB(t))
	err := rules.Save(datasetRule("", "gs://bucket/ds", 30))
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestRuleStoreUpdateBumpsVersion(t *testing.T) {
	rules := NewRuleStore(sdrstest.CreateTestDB(t))

	r := datasetRule("sdrs-test", "gs://bucket/ds", 30)
	require.NoError(t, rules.Save(r))

	r.RetentionPeriod = retention.Period{Value: 2, Unit: retention.PeriodMonth}
	require.NoError(t, rules.Update(r))
	assert.Equal(t, 2, r.Version)

	stored, err := rules.FindByID(r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, 60, stored.RetentionPeriod.Days())

	require.NoError(t, rules.Delete(r.ID))
	assert.True(t, errors.IsNotFoundError(rules.Update(r)))
}

func TestRuleStoreSoftDelete(t *testing.T) {
	rules := NewRuleStore(sdrstest.CreateTestDB(t))

	r := datasetRule("sdrs-test", "gs://bucket/ds", 30)
	require.NoError(t, rules.Save(r))
	require.NoError(t, rules.Delete(r.ID))

	stored, err := rules.FindByID(r.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	active, err := rules.ListActive(retention.RuleTypeDataset)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := rules.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.True(t, errors.IsNotFoundError(rules.Delete(r.ID)))
}

func TestRuleStoreListActive(t *testing.T) {
	rules := NewRuleStore(sdrstest.CreateTestDB(t))

	require.NoError(t, rules.Save(globalRule("p1", 30)))
	require.NoError(t, rules.Save(datasetRule("p1", "gs://b1/a", 10)))
	require.NoError(t, rules.Save(datasetRule("p1", "gs://b1/b", 0)))
	require.NoError(t, rules.Save(datasetRule("p2", "gs://b2/c", 5)))

	datasets, err := rules.ListActive(retention.RuleTypeDataset)
	require.NoError(t, err)
	assert.Len(t, datasets, 3)

	globals, err := rules.ListActive(retention.RuleTypeGlobal)
	require.NoError(t, err)
	require.Len(t, globals, 1)
	assert.Equal(t, "p1", globals[0].ProjectID)

	p1, err := rules.ListActiveByProject("p1")
	require.NoError(t, err)
	assert.Len(t, p1, 3)
}

func savedRule(t *testing.T, rules *RuleStore) *retention.Rule {
	t.Helper()
	r := datasetRule("sdrs-test", "gs://bucket/ds", 30)
	require.NoError(t, rules.Save(r))
	return r
}

func TestJobStoreSaveAndQuery(t *testing.T) {
	db := sdrstest.CreateTestDB(t)
	rules := NewRuleStore(db)
	jobs := NewJobStore(db)
	rule := savedRule(t, rules)

	meta := retention.JobMetadata{Source: "gs://bucket/ds", Destination: "gs://bucket/dsshadow", PrefixCount: 24}
	job := retention.BuildJob("transferJobs/sdrs-1", rule, meta)
	require.NoError(t, jobs.Save(job))
	assert.NotZero(t, job.ID)

	pending, err := jobs.FindPendingByProject("sdrs-test")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	got := pending[0]
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, rule.ID, got.RetentionRuleID)
	assert.Equal(t, rule.DataStorageName, got.RetentionRuleDataStorageName)
	assert.Equal(t, rule.Type, got.RetentionRuleType)
	assert.Equal(t, rule.Version, got.RetentionRuleVersion)
	assert.Equal(t, meta, got.Metadata)

	projects, err := jobs.ListPendingProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"sdrs-test"}, projects)

	require.NoError(t, jobs.UpdateStatus(job.ID, retention.JobStatusSuccess))
	pending, err = jobs.FindPendingByProject("sdrs-test")
	require.NoError(t, err)
	assert.Empty(t, pending)

	byRule, err := jobs.ListByRule(rule.ID)
	require.NoError(t, err)
	require.Len(t, byRule, 1)
	assert.Equal(t, retention.JobStatusSuccess, byRule[0].Status)

	assert.True(t, errors.IsNotFoundError(jobs.UpdateStatus(12345, retention.JobStatusError)))
}

func TestJobStoreRejectsDuplicateName(t *testing.T) {
	db := sdrstest.CreateTestDB(t)
	jobs := NewJobStore(db)
	rule := savedRule(t, NewRuleStore(db))

	require.NoError(t, jobs.Save(retention.BuildJob("transferJobs/dup", rule, retention.JobMetadata{})))
	err := jobs.Save(retention.BuildJob("transferJobs/dup", rule, retention.JobMetadata{}))
	assert.True(t, errors.IsConflict(err))
}

func TestJobSnapshotSurvivesRuleUpdate(t *testing.T) {
	db := sdrstest.CreateTestDB(t)
	rules := NewRuleStore(db)
	jobs := NewJobStore(db)
	rule := savedRule(t, rules)

	require.NoError(t, jobs.Save(retention.BuildJob("transferJobs/v1", rule, retention.JobMetadata{})))

	rule.RetentionPeriod.Value = 7
	require.NoError(t, rules.Update(rule))

	byRule, err := jobs.ListByRule(rule.ID)
	require.NoError(t, err)
	require.Len(t, byRule, 1)
	assert.Equal(t, 1, byRule[0].RetentionRuleVersion)
}

// --- Sqlmock Tests ---

func TestUpdateStatus_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE retention_job SET status = \?, updated_at = \? WHERE id = \?`).
		WithArgs("SUCCESS", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewJobStore(db).UpdateStatus(7, retention.JobStatusSuccess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleUpdate_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE retention_rule\s+SET dataset_name = \?,\s+retention_period_value = \?,\s+retention_period_unit = \?,\s+version = version \+ 1`).
		WithArgs("ds", 14, "DAY", sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := datasetRule("sdrs-test", "gs://bucket/ds", 14)
	r.ID = 3
	r.DatasetName = "ds"
	r.Version = 1

	err = NewRuleStore(db).Update(r)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Equal(t, 1, r.Version, "version only moves when a row changed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingProjects_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT retention_rule_project_id FROM retention_job`).
		WithArgs("PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"retention_rule_project_id"}).AddRow("p1").AddRow("p2"))

	projects, err := NewJobStore(db).ListPendingProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, projects)
	assert.NoError(t, mock.ExpectationsWereMet())
}
