package store

import (
	"database/sql"
	"encoding/json"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/db"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
)

const jobColumns = `id, name, retention_rule_id, retention_rule_project_id,
	retention_rule_data_storage_name, retention_rule_type, retention_rule_version,
	status, metadata, created_at, updated_at`

// JobStore is the SQLite retention.JobStore
type JobStore struct {
	db *sql.DB
}

var _ retention.JobStore = (*JobStore)(nil)

// NewJobStore creates a job store on a migrated database
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func scanJob(row rowScanner) (*retention.Job, error) {
	var j retention.Job
	var metadata sql.NullString
	err := row.Scan(
		&j.ID,
		&j.Name,
		&j.RetentionRuleID,
		&j.RetentionRuleProjectID,
		&j.RetentionRuleDataStorageName,
		&j.RetentionRuleType,
		&j.RetentionRuleVersion,
		&j.Status,
		&metadata,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal metadata for job %d", j.ID)
		}
	}
	return &j, nil
}

func (s *JobStore) queryJobs(query string, args ...interface{}) ([]*retention.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*retention.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// Save implements retention.JobStore
func (s *JobStore) Save(job *retention.Job) error {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job metadata")
	}
	if job.Status == "" {
		job.Status = retention.JobStatusPending
	}

	now := timeNow()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO retention_job (
			name, retention_rule_id, retention_rule_project_id,
			retention_rule_data_storage_name, retention_rule_type, retention_rule_version,
			status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Exec(query,
		job.Name,
		job.RetentionRuleID,
		job.RetentionRuleProjectID,
		job.RetentionRuleDataStorageName,
		job.RetentionRuleType,
		job.RetentionRuleVersion,
		job.Status,
		string(metadata),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("job %s already recorded", job.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to save job %s", job.Name)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read job id")
	}
	job.ID = id
	return nil
}

// FindPendingByProject implements retention.JobStore
func (s *JobStore) FindPendingByProject(projectID string) ([]*retention.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM retention_job
		WHERE retention_rule_project_id = ? AND status = ?
		ORDER BY id`, projectID, retention.JobStatusPending)
}

// UpdateStatus implements retention.JobStore
func (s *JobStore) UpdateStatus(id int64, status retention.JobStatus) error {
	res, err := s.db.Exec(`UPDATE retention_job SET status = ?, updated_at = ? WHERE id = ?`,
		status, timeNow(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %d", id)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	} else if n == 0 {
		return errors.NewNotFoundError("job %d", id)
	}
	return nil
}

// ListByRule implements retention.JobStore
func (s *JobStore) ListByRule(ruleID int64) ([]*retention.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM retention_job
		WHERE retention_rule_id = ?
		ORDER BY id`, ruleID)
}

// ListPendingProjects implements retention.JobStore
func (s *JobStore) ListPendingProjects() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT retention_rule_project_id FROM retention_job
		WHERE status = ? ORDER BY retention_rule_project_id`, retention.JobStatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending projects")
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "failed to scan project")
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
