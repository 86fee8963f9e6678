// Package history persists finished task results so runs survive a restart
// and can be inspected after the manager's in-memory window has moved on.
package history

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/manager"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

// DefaultLimit caps List when no limit is given
const DefaultLimit = 100

// Entry is one finished task run
type Entry struct {
	ID          string        `json:"id"`
	Type        worker.Type   `json:"type"`
	Status      worker.Status `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	DurationMS  int64         `json:"duration_ms"`
	Error       string        `json:"error,omitempty"`
}

// Store handles persistence of task run history
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record stores a finished result. Recording the same result twice keeps
// the first copy. A running result is rejected.
func (s *Store) Record(res worker.Result) error {
	if res.EndTime == nil || res.Status == worker.StatusRunning {
		return errors.NewInvalidArgumentError("task %s has not finished", res.ID)
	}

	var errMsg interface{}
	if res.Error != "" {
		errMsg = res.Error
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO task_history (
			id, task_type, status, started_at, completed_at, duration_ms, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ID,
		string(res.Type),
		string(res.Status),
		res.StartTime.UTC(),
		res.EndTime.UTC(),
		res.EndTime.Sub(res.StartTime).Milliseconds(),
		errMsg,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record task %s", res.ID)
	}
	return nil
}

// Get retrieves one run by result ID
func (s *Store) Get(id string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(`SELECT `+entryColumns+` FROM task_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task run %s", id)
	}
	return e, nil
}

// List returns the newest runs first. An empty taskType lists every type;
// limit <= 0 uses DefaultLimit.
func (s *Store) List(taskType worker.Type, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT ` + entryColumns + ` FROM task_history`
	args := []interface{}{}
	if taskType != "" {
		query += ` WHERE task_type = ?`
		args = append(args, string(taskType))
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task runs")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task run")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task runs")
	}
	return entries, nil
}

// Cleanup deletes runs that started more than retentionDays ago and
// returns how many were removed.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, errors.NewInvalidArgumentError("retention days must be positive, got %d", retentionDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	result, err := s.db.Exec(`DELETE FROM task_history WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up task history")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

const entryColumns = `id, task_type, status, started_at, completed_at, duration_ms, error_message`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e      Entry
		errMsg sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Type, &e.Status, &e.StartedAt, &e.CompletedAt, &e.DurationMS, &errMsg); err != nil {
		return nil, err
	}
	e.Error = errMsg.String
	return &e, nil
}

// Recorder writes every completed task to a Store. It implements
// manager.Observer; failures are logged and never reach the pool.
type Recorder struct {
	store *Store
	log   *zap.SugaredLogger
}

var _ manager.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder
func NewRecorder(store *Store, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = logger.Logger
	}
	return &Recorder{store: store, log: log.Named("history")}
}

// TaskSubmitted implements manager.Observer
func (r *Recorder) TaskSubmitted(worker.Type) {}

// InFlight implements manager.Observer
func (r *Recorder) InFlight(int64) {}

// TaskCompleted implements manager.Observer
func (r *Recorder) TaskCompleted(res worker.Result) {
	if err := r.store.Record(res); err != nil {
		r.log.Warnw("Failed to record task run",
			logger.FieldTaskID, res.ID,
			logger.FieldTaskType, res.Type,
			"error", err)
	}
}
