package sts

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// RateLimited throttles every call to the wrapped Client. Calls wait for a
// token rather than failing, and give up only when ctx is done.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

var _ Client = (*RateLimited)(nil)

// NewRateLimited allows perSecond calls per second with the given burst.
// perSecond <= 0 disables throttling.
func NewRateLimited(next Client, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limit wait for %s", op)
	}
	return nil
}

// CreateJob implements Client
func (r *RateLimited) CreateJob(ctx context.Context, req CreateJobRequest) (*TransferJob, error) {
	if err := r.wait(ctx, "CreateJob"); err != nil {
		return nil, err
	}
	return r.next.CreateJob(ctx, req)
}

// ListOperations implements Client
func (r *RateLimited) ListOperations(ctx context.Context, projectID string, jobNames []string) ([]*Operation, error) {
	if err := r.wait(ctx, "ListOperations"); err != nil {
		return nil, err
	}
	return r.next.ListOperations(ctx, projectID, jobNames)
}

// CancelJob implements Client
func (r *RateLimited) CancelJob(ctx context.Context, projectID, name string) error {
	if err := r.wait(ctx, "CancelJob"); err != nil {
		return err
	}
	return r.next.CancelJob(ctx, projectID, name)
}
