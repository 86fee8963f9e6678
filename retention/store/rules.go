package store

import (
	"database/sql"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/db"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
)

const ruleColumns = `id, type, project_id, data_storage_name, dataset_name,
	retention_period_value, retention_period_unit, version, is_active,
	created_at, updated_at`

// RuleStore is the SQLite retention.RuleStore
type RuleStore struct {
	db *sql.DB
}

var _ retention.RuleStore = (*RuleStore)(nil)

// NewRuleStore creates a rule store on a migrated database
func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*retention.Rule, error) {
	var r retention.Rule
	var active int
	err := row.Scan(
		&r.ID,
		&r.Type,
		&r.ProjectID,
		&r.DataStorageName,
		&r.DatasetName,
		&r.RetentionPeriod.Value,
		&r.RetentionPeriod.Unit,
		&r.Version,
		&active,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.IsActive = active == 1
	return &r, nil
}

func (s *RuleStore) queryRules(query string, args ...interface{}) ([]*retention.Rule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rules")
	}
	defer rows.Close()

	var rules []*retention.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rules")
	}
	return rules, nil
}

// FindByBusinessKey implements retention.RuleStore
func (s *RuleStore) FindByBusinessKey(projectID, dataStorageName string, ruleType retention.RuleType) (*retention.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM retention_rule
		WHERE project_id = ? AND data_storage_name = ? AND type = ? AND is_active = 1`

	r, err := scanRule(s.db.QueryRow(query, projectID, dataStorageName, ruleType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("rule %s/%s/%s", projectID, dataStorageName, ruleType)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find rule by business key")
	}
	return r, nil
}

// FindByID implements retention.RuleStore. Inactive rules are returned too.
func (s *RuleStore) FindByID(id int64) (*retention.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM retention_rule WHERE id = ?`

	r, err := scanRule(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("rule %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get rule %d", id)
	}
	return r, nil
}

// Save implements retention.RuleStore
func (s *RuleStore) Save(rule *retention.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.DatasetName == "" && rule.Type == retention.RuleTypeDataset {
		rule.DatasetName = rule.Dataset()
	}

	now := timeNow()
	rule.Version = 1
	rule.IsActive = true
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO retention_rule (
			type, project_id, data_storage_name, dataset_name,
			retention_period_value, retention_period_unit,
			version, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Exec(query,
		rule.Type,
		rule.ProjectID,
		rule.DataStorageName,
		rule.DatasetName,
		rule.RetentionPeriod.Value,
		rule.RetentionPeriod.Unit,
		rule.Version,
		boolToInt(rule.IsActive),
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("active rule %s already exists", rule.Key())
	}
	if err != nil {
		return errors.Wrap(err, "failed to save rule")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read rule id")
	}
	rule.ID = id
	return nil
}

// Update implements retention.RuleStore. Only the dataset name and period
// are mutable; the business key is not.
func (s *RuleStore) Update(rule *retention.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	now := timeNow()
	query := `
		UPDATE retention_rule
		SET dataset_name = ?,
		    retention_period_value = ?,
		    retention_period_unit = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND is_active = 1
	`
	res, err := s.db.Exec(query,
		rule.DatasetName,
		rule.RetentionPeriod.Value,
		rule.RetentionPeriod.Unit,
		now,
		rule.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update rule %d", rule.ID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	} else if n == 0 {
		return errors.NewNotFoundError("active rule %d", rule.ID)
	}

	rule.Version++
	rule.UpdatedAt = now
	return nil
}

// Delete implements retention.RuleStore
func (s *RuleStore) Delete(id int64) error {
	res, err := s.db.Exec(
		`UPDATE retention_rule SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		timeNow(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to delete rule %d", id)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	} else if n == 0 {
		return errors.NewNotFoundError("active rule %d", id)
	}
	return nil
}

// ListActive implements retention.RuleStore
func (s *RuleStore) ListActive(ruleType retention.RuleType) ([]*retention.Rule, error) {
	return s.queryRules(`SELECT `+ruleColumns+` FROM retention_rule
		WHERE type = ? AND is_active = 1
		ORDER BY project_id, id`, ruleType)
}

// ListActiveByProject implements retention.RuleStore
func (s *RuleStore) ListActiveByProject(projectID string) ([]*retention.Rule, error) {
	return s.queryRules(`SELECT `+ruleColumns+` FROM retention_rule
		WHERE project_id = ? AND is_active = 1
		ORDER BY id`, projectID)
}

// ListAll returns every rule including inactive ones, for the CLI
func (s *RuleStore) ListAll() ([]*retention.Rule, error) {
	return s.queryRules(`SELECT ` + ruleColumns + ` FROM retention_rule ORDER BY project_id, id`)
}
