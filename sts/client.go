// Package sts describes the external transfer service that executes
// retention jobs: a job moves objects under the include prefixes from a
// source location to its shadow destination, and each run of a job is an
// operation whose progress is polled.
package sts

import (
	"context"
	"strings"
	"time"
)

// Job statuses as reported by the service
const (
	JobStatusEnabled = "ENABLED"
	JobStatusDeleted = "DELETED"
)

// OperationPrefix is the collection segment of operation names
const OperationPrefix = "transferOperations/"

// CreateJobRequest is the input to Client.CreateJob
type CreateJobRequest struct {
	ProjectID       string
	Name            string
	Description     string
	Source          string
	Destination     string
	IncludePrefixes []string
	StartAt         time.Time
}

// TransferJob is a job as created by the service
type TransferJob struct {
	Name            string    `json:"name"`
	ProjectID       string    `json:"project_id"`
	Description     string    `json:"description"`
	Source          string    `json:"source"`
	Destination     string    `json:"destination"`
	IncludePrefixes []string  `json:"include_prefixes"`
	Status          string    `json:"status"`
	StartAt         time.Time `json:"start_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Counters summarise an operation's work
type Counters struct {
	ObjectsFound   int64 `json:"objects_found"`
	ObjectsCopied  int64 `json:"objects_copied"`
	ObjectsDeleted int64 `json:"objects_deleted"`
	BytesCopied    int64 `json:"bytes_copied"`
}

// Operation is one execution of a transfer job. Name has the form
// "transferOperations/<id>".
type Operation struct {
	Name            string     `json:"name"`
	ProjectID       string     `json:"project_id"`
	TransferJobName string     `json:"transfer_job_name"`
	Done            bool       `json:"done"`
	Error           string     `json:"error,omitempty"`
	Response        *Counters  `json:"response,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
}

// Succeeded reports a finished operation without error
func (o *Operation) Succeeded() bool {
	return o.Done && o.Error == ""
}

// ObjectsFound returns the found counter, zero when there is no response
func (o *Operation) ObjectsFound() int64 {
	if o.Response == nil {
		return 0
	}
	return o.Response.ObjectsFound
}

// Client is the transfer service contract. Implementations must be safe
// for concurrent use.
type Client interface {
	// CreateJob submits a job. A name that already exists is an ErrConflict.
	CreateJob(ctx context.Context, req CreateJobRequest) (*TransferJob, error)
	// ListOperations returns the operations of the named jobs in one call
	ListOperations(ctx context.Context, projectID string, jobNames []string) ([]*Operation, error)
	// CancelJob disables the job and cancels its unfinished operations
	CancelJob(ctx context.Context, projectID, name string) error
}

// SourceObject joins a location and a relative prefix with one slash
func SourceObject(location, prefix string) string {
	return strings.TrimRight(location, "/") + "/" + strings.TrimLeft(prefix, "/")
}
