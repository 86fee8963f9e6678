package sts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// MemoryClient is an in-process transfer service. Operations never make
// progress on their own: callers complete them with CompleteOperation or
// FailOperation. It backs local runs and tests.
type MemoryClient struct {
	mu          sync.Mutex
	jobs        map[string]*TransferJob
	operations  map[string]*Operation
	byJob       map[string][]string
	createHook  func(CreateJobRequest) error
	listErr     error
	createCalls int
	listCalls   int
	cancelCalls int
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates an empty MemoryClient
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		jobs:       make(map[string]*TransferJob),
		operations: make(map[string]*Operation),
		byJob:      make(map[string][]string),
	}
}

// CreateJob implements Client. Every job gets one pending operation.
func (c *MemoryClient) CreateJob(ctx context.Context, req CreateJobRequest) (*TransferJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++

	if c.createHook != nil {
		if err := c.createHook(req); err != nil {
			return nil, err
		}
	}
	if req.Name == "" || req.ProjectID == "" {
		return nil, errors.NewInvalidArgumentError("job name and project are required")
	}
	if _, exists := c.jobs[req.Name]; exists {
		return nil, errors.NewConflictError("transfer job %s already exists", req.Name)
	}

	now := time.Now().UTC()
	job := &TransferJob{
		Name:            req.Name,
		ProjectID:       req.ProjectID,
		Description:     req.Description,
		Source:          req.Source,
		Destination:     req.Destination,
		IncludePrefixes: append([]string(nil), req.IncludePrefixes...),
		Status:          JobStatusEnabled,
		StartAt:         req.StartAt,
		CreatedAt:       now,
	}
	c.jobs[job.Name] = job

	op := &Operation{
		Name:            OperationPrefix + uuid.NewString(),
		ProjectID:       req.ProjectID,
		TransferJobName: job.Name,
		StartTime:       now,
	}
	c.operations[op.Name] = op
	c.byJob[job.Name] = append(c.byJob[job.Name], op.Name)

	cp := *job
	return &cp, nil
}

// ListOperations implements Client
func (c *MemoryClient) ListOperations(ctx context.Context, projectID string, jobNames []string) ([]*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++

	if c.listErr != nil {
		return nil, c.listErr
	}

	var ops []*Operation
	for _, name := range jobNames {
		for _, opName := range c.byJob[name] {
			op := c.operations[opName]
			if op.ProjectID != projectID {
				continue
			}
			cp := *op
			if op.Response != nil {
				counters := *op.Response
				cp.Response = &counters
			}
			ops = append(ops, &cp)
		}
	}
	return ops, nil
}

// CancelJob implements Client
func (c *MemoryClient) CancelJob(ctx context.Context, projectID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++

	job, ok := c.jobs[name]
	if !ok || job.ProjectID != projectID {
		return errors.NewNotFoundError("transfer job %s", name)
	}
	job.Status = JobStatusDeleted

	now := time.Now().UTC()
	for _, opName := range c.byJob[name] {
		op := c.operations[opName]
		if !op.Done {
			op.Done = true
			op.Error = "cancelled"
			op.EndTime = &now
		}
	}
	return nil
}

// Job returns a copy of the named job
func (c *MemoryClient) Job(name string) (*TransferJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[name]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Jobs returns the number of jobs created
func (c *MemoryClient) Jobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// CompleteOperation finishes every operation of jobName successfully
func (c *MemoryClient) CompleteOperation(jobName string, counters Counters) error {
	return c.finish(jobName, &counters, "")
}

// FailOperation finishes every operation of jobName with msg
func (c *MemoryClient) FailOperation(jobName, msg string) error {
	return c.finish(jobName, nil, msg)
}

func (c *MemoryClient) finish(jobName string, counters *Counters, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	names, ok := c.byJob[jobName]
	if !ok {
		return errors.NewNotFoundError("transfer job %s", jobName)
	}
	now := time.Now().UTC()
	for _, opName := range names {
		op := c.operations[opName]
		op.Done = true
		op.Response = counters
		op.Error = msg
		op.EndTime = &now
	}
	return nil
}

// InjectOperation adds an operation verbatim, for exercising malformed
// service responses.
func (c *MemoryClient) InjectOperation(op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations[op.Name] = &op
	c.byJob[op.TransferJobName] = append(c.byJob[op.TransferJobName], op.Name)
}

// SetCreateHook installs fn to run before each CreateJob; a non-nil error
// fails that call.
func (c *MemoryClient) SetCreateHook(fn func(CreateJobRequest) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createHook = fn
}

// SetListError makes ListOperations fail with err until reset with nil
func (c *MemoryClient) SetListError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// Calls returns how often each method was called
func (c *MemoryClient) Calls() (create, list, cancel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCalls, c.listCalls, c.cancelCalls
}
