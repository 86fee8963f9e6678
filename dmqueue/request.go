// Package dmqueue is the delete-marker queue: user or marker triggered
// deletion requests that are claimed, submitted to the transfer service,
// and retried until they are archived or fail.
//
// State machine:
//
//	READY ──claim──▶ PROCESSING ──submit──▶ STS_EXECUTION ──done──▶ archived
//	  ▲                  │                        │
//	  └── READY_RETRY ◀──┴────── transient ───────┘
//	                     └──── retries exhausted ────▶ FAIL
package dmqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
)

// Trigger is what caused a request
type Trigger string

const (
	TriggerMarker Trigger = "MARKER"
	TriggerUser   Trigger = "USER"
)

// ParseTrigger accepts MARKER or USER, case-insensitive
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(strings.ToUpper(strings.TrimSpace(s))); t {
	case TriggerMarker, TriggerUser:
		return t, nil
	default:
		return "", errors.NewInvalidArgumentError("unknown trigger %q", s)
	}
}

// Status is the queue state of a request
type Status string

const (
	StatusReady        Status = "READY"
	StatusProcessing   Status = "PROCESSING"
	StatusReadyRetry   Status = "READY_RETRY"
	StatusSTSExecution Status = "STS_EXECUTION"
	StatusFail         Status = "FAIL"
)

// Claimable reports whether a runner may take the request
func (s Status) Claimable() bool {
	return s == StatusReady || s == StatusReadyRetry
}

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusReady, StatusProcessing, StatusReadyRetry, StatusSTSExecution, StatusFail:
		return st, nil
	default:
		return "", errors.NewInvalidArgumentError("unknown queue status %q", s)
	}
}

// Request is one queued deletion
type Request struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	DataStorageName string    `json:"data_storage_name"`
	Trigger         Trigger   `json:"trigger"`
	Status          Status    `json:"status"`
	RetryCount      int       `json:"retry_count"`
	JobName         string    `json:"job_name,omitempty"`
	ClaimedBy       string    `json:"claimed_by,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewRequest validates the target and returns a READY request with a fresh ID
func NewRequest(projectID, dataStorageName string, trigger Trigger) (*Request, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.NewInvalidArgumentError("request projectId is empty")
	}
	loc, err := retention.ParseLocation(dataStorageName)
	if err != nil {
		return nil, err
	}
	if loc.Dataset == "" {
		return nil, errors.NewInvalidArgumentError("data storage name %q has no dataset segment after the bucket", dataStorageName)
	}
	if _, err := ParseTrigger(string(trigger)); err != nil {
		return nil, err
	}
	return &Request{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		DataStorageName: dataStorageName,
		Trigger:         trigger,
		Status:          StatusReady,
	}, nil
}

// AttemptJobName is the transfer job name for the current attempt. Each
// retry gets a distinct name so a failed job never blocks resubmission.
func (r *Request) AttemptJobName() string {
	return fmt.Sprintf("transferJobs/sdrs-dm-%s-%d", r.ID, r.RetryCount)
}
