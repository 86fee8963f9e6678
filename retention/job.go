package retention

import (
	"time"
)

// JobStatus is the persisted state of a retention job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusError     JobStatus = "ERROR"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether a job in this status is never polled again
func (s JobStatus) IsTerminal() bool {
	return s != JobStatusPending
}

// JobMetadata describes what the transfer job was asked to do
type JobMetadata struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	PrefixCount int    `json:"prefix_count"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
}

// Job is a snapshot of one transfer job submitted for a rule. The rule
// fields are copied at creation and never rewritten by later rule edits.
type Job struct {
	ID                           int64       `json:"id"`
	Name                         string      `json:"name"`
	RetentionRuleID              int64       `json:"retention_rule_id"`
	RetentionRuleProjectID       string      `json:"retention_rule_project_id"`
	RetentionRuleDataStorageName string      `json:"retention_rule_data_storage_name"`
	RetentionRuleType            RuleType    `json:"retention_rule_type"`
	RetentionRuleVersion         int         `json:"retention_rule_version"`
	Status                       JobStatus   `json:"status"`
	Metadata                     JobMetadata `json:"metadata"`
	CreatedAt                    time.Time   `json:"created_at"`
	UpdatedAt                    time.Time   `json:"updated_at"`
}

// BuildJob snapshots rule into a new PENDING job named name.
func BuildJob(name string, rule *Rule, meta JobMetadata) *Job {
	return &Job{
		Name:                         name,
		RetentionRuleID:              rule.ID,
		RetentionRuleProjectID:       rule.ProjectID,
		RetentionRuleDataStorageName: rule.DataStorageName,
		RetentionRuleType:            rule.Type,
		RetentionRuleVersion:         rule.Version,
		Status:                       JobStatusPending,
		Metadata:                     meta,
	}
}

// JobValidation is the service-side state of one job, as found by the validator
type JobValidation struct {
	JobOperationName string    `json:"job_operation_name"`
	RetentionJobID   int64     `json:"retention_job_id"`
	Status           JobStatus `json:"status"`
	ObjectsFound     int64     `json:"objects_found"`
}

// JobStore persists jobs. Implementations are safe for concurrent use.
type JobStore interface {
	// Save inserts job and sets its ID. A duplicate Name is an ErrConflict.
	Save(job *Job) error
	FindPendingByProject(projectID string) ([]*Job, error)
	// UpdateStatus is one atomic UPDATE; ErrNotFound if id is unknown
	UpdateStatus(id int64, status JobStatus) error
	ListByRule(ruleID int64) ([]*Job, error)
	ListPendingProjects() ([]string, error)
}
