package dmqueue

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/db"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

const requestColumns = `id, project_id, data_storage_name, trigger_type, status,
	retry_count, job_name, claimed_by, last_error, created_at, updated_at`

// timeNow is swapped in tests
var timeNow = func() time.Time { return time.Now().UTC() }

// Store persists queue requests in dm_queue. Every state transition is a
// single conditional UPDATE, so concurrent runners never both win.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over a migrated database
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                             Request
		jobName, claimedBy, lastError sql.NullString
	)
	err := row.Scan(
		&r.ID,
		&r.ProjectID,
		&r.DataStorageName,
		&r.Trigger,
		&r.Status,
		&r.RetryCount,
		&jobName,
		&claimedBy,
		&lastError,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.JobName = jobName.String
	r.ClaimedBy = claimedBy.String
	r.LastError = lastError.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Enqueue inserts req as READY. An empty ID is filled with a UUID.
func (s *Store) Enqueue(req *Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Trigger == "" {
		req.Trigger = TriggerUser
	}
	now := timeNow()
	req.Status = StatusReady
	req.RetryCount = 0
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO dm_queue (id, project_id, data_storage_name, trigger_type, status,
			retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		req.ID, req.ProjectID, req.DataStorageName, req.Trigger, req.Status, now, now)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("request %s already queued", req.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue request %s", req.ID)
	}
	return nil
}

// Get returns one request, ErrNotFound if it is not queued (archived
// requests are not returned).
func (s *Store) Get(id string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRow(`SELECT `+requestColumns+` FROM dm_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("request %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get request %s", id)
	}
	return r, nil
}

// ListByStatus returns requests in status, oldest first. limit <= 0 means no limit.
func (s *Store) ListByStatus(status Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM dm_queue
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s requests", status)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan request")
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate requests")
	}
	return requests, nil
}

// Claim moves a READY or READY_RETRY request to PROCESSING for owner.
// It returns false when another runner got there first or the request is
// in any other state.
func (s *Store) Claim(id, owner string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE dm_queue
		SET status = ?, claimed_by = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusProcessing, owner, timeNow(), id, StatusReady, StatusReadyRetry)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim request %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

// ClaimBatch claims up to limit claimable requests, oldest first, and
// returns the ones this owner won.
func (s *Store) ClaimBatch(owner string, limit int) ([]*Request, error) {
	if limit <= 0 {
		return nil, errors.NewInvalidArgumentError("claim limit must be positive, got %d", limit)
	}

	ids, err := s.claimableIDs(limit)
	if err != nil {
		return nil, err
	}

	var claimed []*Request
	for _, id := range ids {
		won, err := s.Claim(id, owner)
		if err != nil {
			return claimed, err
		}
		if !won {
			continue
		}
		r, err := s.Get(id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func (s *Store) claimableIDs(limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM dm_queue
		WHERE status IN (?, ?)
		ORDER BY created_at, id
		LIMIT ?`, StatusReady, StatusReadyRetry, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select claimable requests")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan request id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate claimable requests")
	}
	return ids, nil
}

// MarkExecuting records the submitted transfer job of a request owner has
// claimed. A claim released by ReleaseStale, or since taken by another
// runner, is a conflict.
func (s *Store) MarkExecuting(id, owner, jobName string) error {
	res, err := s.db.Exec(`
		UPDATE dm_queue
		SET status = ?, job_name = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		StatusSTSExecution, jobName, timeNow(), id, StatusProcessing, owner)
	if err != nil {
		return errors.Wrapf(err, "failed to update request %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewConflictError("request %s is not claimed by %s", id, owner)
	}
	return nil
}

// ReleaseStale sends PROCESSING requests whose claim has not moved for
// olderThan back to READY_RETRY and returns how many it released. The
// retry count is kept, so the next attempt reuses the job name and a job
// the lost runner already created comes back as a conflict.
func (s *Store) ReleaseStale(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.NewInvalidArgumentError("stale claim age must be positive, got %s", olderThan)
	}
	now := timeNow()
	res, err := s.db.Exec(`
		UPDATE dm_queue
		SET status = ?, claimed_by = NULL, last_error = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		StatusReadyRetry, "claim expired", now, StatusProcessing, now.Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale claims")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}

// Fail moves a PROCESSING or STS_EXECUTION request to the terminal FAIL state
func (s *Store) Fail(id, reason string) error {
	return s.transition(id, `status = ?, last_error = ?, claimed_by = NULL`,
		[]interface{}{StatusFail, nullString(reason)}, StatusProcessing, StatusSTSExecution)
}

// Retry records a failed attempt. The request goes back to READY_RETRY,
// or to FAIL once it has failed maxRetries times. Returns the new status.
func (s *Store) Retry(id, reason string, maxRetries int) (Status, error) {
	err := s.transition(id,
		`retry_count = retry_count + 1,
		 last_error = ?,
		 claimed_by = NULL,
		 status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END`,
		[]interface{}{nullString(reason), maxRetries, StatusFail, StatusReadyRetry},
		StatusProcessing, StatusSTSExecution)
	if err != nil {
		return "", err
	}
	r, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// transition applies set to id when its current status is one of from.
// Zero affected rows means the request is gone or in another state.
func (s *Store) transition(id, set string, args []interface{}, from ...Status) error {
	query := `UPDATE dm_queue SET ` + set + `, updated_at = ? WHERE id = ? AND status IN (?` +
		strings.Repeat(", ?", len(from)-1) + `)`

	args = append(args, timeNow(), id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update request %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewConflictError("request %s is not in %v", id, from)
	}
	return nil
}

// Complete archives a STS_EXECUTION request and removes it from the queue
// in one transaction.
func (s *Store) Complete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO dm_queue_archive (id, project_id, data_storage_name, trigger_type,
			retry_count, job_name, created_at, archived_at)
		SELECT id, project_id, data_storage_name, trigger_type, retry_count, job_name, created_at, ?
		FROM dm_queue
		WHERE id = ? AND status = ?`,
		timeNow(), id, StatusSTSExecution)
	if err != nil {
		return errors.Wrapf(err, "failed to archive request %s", id)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	} else if n == 0 {
		return errors.NewConflictError("request %s is not in %s", id, StatusSTSExecution)
	}

	if _, err := tx.Exec(`DELETE FROM dm_queue WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to remove request %s", id)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit archive")
	}
	return nil
}

// Archived reports whether id has been completed
func (s *Store) Archived(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dm_queue_archive WHERE id = ?`, id).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "failed to look up archive for %s", id)
	}
	return n > 0, nil
}

// Counts returns the number of queued requests per status
func (s *Store) Counts() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM dm_queue GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count requests")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
