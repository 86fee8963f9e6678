// Package retention holds the retention data model: rules, the jobs they
// produce, and the pure path and time transforms used to build jobs.
package retention

import (
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// RuleType is the cascade level of a rule
type RuleType string

const (
	// RuleTypeGlobal is the project default. It applies to every dataset of
	// the project that has no period of its own.
	RuleTypeGlobal RuleType = "GLOBAL"
	// RuleTypeDataset applies to one dataset location
	RuleTypeDataset RuleType = "DATASET"
)

// GlobalStorageName is the DataStorageName a GLOBAL rule is keyed under
const GlobalStorageName = "global"

// ParseRuleType accepts GLOBAL, DEFAULT (an alias of GLOBAL) or DATASET,
// case-insensitively.
func ParseRuleType(s string) (RuleType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GLOBAL", "DEFAULT":
		return RuleTypeGlobal, nil
	case "DATASET":
		return RuleTypeDataset, nil
	default:
		return "", errors.NewInvalidArgumentError("unknown rule type %q", s)
	}
}

// PeriodUnit is the unit of a retention period
type PeriodUnit string

const (
	PeriodDay     PeriodUnit = "DAY"
	PeriodMonth   PeriodUnit = "MONTH"
	PeriodVersion PeriodUnit = "VERSION"
)

// daysPerMonth is the fixed month length used for retention arithmetic
const daysPerMonth = 30

// Period is a retention duration as entered by the user
type Period struct {
	Value int        `json:"value" yaml:"value"`
	Unit  PeriodUnit `json:"unit" yaml:"unit"`
}

// Days normalises the period to days. VERSION periods count as days.
func (p Period) Days() int {
	switch p.Unit {
	case PeriodMonth:
		return p.Value * daysPerMonth
	default:
		return p.Value
	}
}

// IsZero reports whether the period is unset
func (p Period) IsZero() bool {
	return p.Value == 0
}

// Rule is a retention rule. Business key is (ProjectID, DataStorageName, Type).
type Rule struct {
	ID              int64     `json:"id"`
	Type            RuleType  `json:"type"`
	ProjectID       string    `json:"project_id"`
	DataStorageName string    `json:"data_storage_name"`
	DatasetName     string    `json:"dataset_name"`
	RetentionPeriod Period    `json:"retention_period"`
	Version         int       `json:"version"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OverridesDefault reports whether a dataset rule carries its own period.
// A DATASET rule with a zero period only registers the dataset and
// inherits its project's GLOBAL rule.
func (r *Rule) OverridesDefault() bool {
	return r.Type == RuleTypeDataset && !r.RetentionPeriod.IsZero()
}

// Dataset returns DatasetName, falling back to the first path segment of
// DataStorageName.
func (r *Rule) Dataset() string {
	if r.DatasetName != "" {
		return r.DatasetName
	}
	loc, err := ParseLocation(r.DataStorageName)
	if err != nil {
		return ""
	}
	return loc.Dataset
}

// Validate checks the fields a rule must have before it is stored
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.NewInvalidArgumentError("rule projectId is empty")
	}
	switch r.Type {
	case RuleTypeGlobal:
		if r.RetentionPeriod.IsZero() {
			return errors.NewInvalidArgumentError("global rule for project %s needs a retention period", r.ProjectID)
		}
	case RuleTypeDataset:
		loc, err := ParseLocation(r.DataStorageName)
		if err != nil {
			return err
		}
		if loc.Dataset == "" {
			return errors.NewInvalidArgumentError("dataset rule %q has no dataset segment after the bucket", r.DataStorageName)
		}
		if r.DatasetName != "" && !loc.HasSegment(r.DatasetName) {
			return errors.NewInvalidArgumentError("dataset name %q is not a segment of %q", r.DatasetName, r.DataStorageName)
		}
	default:
		return errors.NewInvalidArgumentError("unknown rule type %q", r.Type)
	}
	if r.RetentionPeriod.Value < 0 {
		return errors.NewInvalidArgumentError("negative retention period %d", r.RetentionPeriod.Value)
	}
	switch r.RetentionPeriod.Unit {
	case PeriodDay, PeriodMonth, PeriodVersion:
	default:
		return errors.NewInvalidArgumentError("unknown retention period unit %q", r.RetentionPeriod.Unit)
	}
	return nil
}

// Key returns the business key as a single string, for logs and maps
func (r *Rule) Key() string {
	return r.ProjectID + "|" + r.DataStorageName + "|" + string(r.Type)
}

// RuleStore persists rules. Implementations are safe for concurrent use.
type RuleStore interface {
	// FindByBusinessKey returns the active rule with the given key, or an
	// ErrNotFound error.
	FindByBusinessKey(projectID, dataStorageName string, ruleType RuleType) (*Rule, error)
	FindByID(id int64) (*Rule, error)
	// Save inserts a new rule at version 1 and sets its ID
	Save(rule *Rule) error
	// Update bumps Version and persists the mutable fields
	Update(rule *Rule) error
	// Delete is a soft delete: the rule becomes inactive
	Delete(id int64) error
	ListActive(ruleType RuleType) ([]*Rule, error)
	ListActiveByProject(projectID string) ([]*Rule, error)
}
