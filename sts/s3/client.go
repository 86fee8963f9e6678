// Package s3 runs transfer jobs against S3-compatible storage.
//
// A job copies every object under the include prefixes of its source
// location to the destination location and deletes the source object.
// Each job runs as a single background operation; progress is reported
// through ListOperations like any other transfer service.
package s3

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/sts"
)

// Config configures the S3 endpoint
type Config struct {
	// Endpoint is the S3 endpoint URL (e.g. "http://localhost:9000" for MinIO).
	// Empty uses the AWS endpoint for the region.
	Endpoint string
	// Region defaults to us-east-1
	Region string
	// AccessKeyID and SecretAccessKey select static credentials. If either
	// is empty the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle is required for MinIO and most S3-compatible stores
	UsePathStyle bool
}

// objectAPI is the subset of *s3.Client used here
type objectAPI interface {
	s3.ListObjectsV2APIClient
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type runningJob struct {
	job    *sts.TransferJob
	op     *sts.Operation
	cancel context.CancelFunc
}

// Client implements sts.Client on S3
type Client struct {
	api objectAPI
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*runningJob
}

var _ sts.Client = (*Client)(nil)

// New creates a Client from cfg.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	opts := []func(*config.LoadOptions) error{}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	} else {
		opts = append(opts, config.WithRegion("us-east-1"))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3: failed to load AWS config")
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.DisableLogOutputChecksumValidationSkipped = true
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newWithAPI(s3.NewFromConfig(awsCfg, s3Opts...), log), nil
}

func newWithAPI(api objectAPI, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = logger.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		api:    api,
		log:    log.Named("sts.s3"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*runningJob),
	}
}

// CreateJob implements sts.Client. The job starts at req.StartAt, or
// immediately if that is in the past.
func (c *Client) CreateJob(ctx context.Context, req sts.CreateJobRequest) (*sts.TransferJob, error) {
	if req.Name == "" || req.ProjectID == "" {
		return nil, errors.NewInvalidArgumentError("job name and project are required")
	}
	src, err := retention.ParseLocation(req.Source)
	if err != nil {
		return nil, err
	}
	dst, err := retention.ParseLocation(req.Destination)
	if err != nil {
		return nil, err
	}
	if src.Scheme != "s3" || dst.Scheme != "s3" {
		return nil, errors.NewInvalidArgumentError("s3 backend cannot transfer %s to %s", req.Source, req.Destination)
	}
	if src.Overlaps(dst) {
		// Each copied object would be deleted from under its own copy
		return nil, errors.NewInvalidArgumentError("destination %s overlaps source %s", req.Destination, req.Source)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "s3 transfer client closed")
	}
	if _, exists := c.jobs[req.Name]; exists {
		return nil, errors.NewConflictError("transfer job %s already exists", req.Name)
	}

	now := time.Now().UTC()
	job := &sts.TransferJob{
		Name:            req.Name,
		ProjectID:       req.ProjectID,
		Description:     req.Description,
		Source:          req.Source,
		Destination:     req.Destination,
		IncludePrefixes: append([]string(nil), req.IncludePrefixes...),
		Status:          sts.JobStatusEnabled,
		StartAt:         req.StartAt,
		CreatedAt:       now,
	}
	op := &sts.Operation{
		Name:            sts.OperationPrefix + uuid.NewString(),
		ProjectID:       req.ProjectID,
		TransferJobName: job.Name,
		StartTime:       now,
	}

	jobCtx, cancel := context.WithCancel(c.ctx)
	c.jobs[job.Name] = &runningJob{job: job, op: op, cancel: cancel}

	c.wg.Add(1)
	go c.run(jobCtx, job, op, src, dst)

	cp := *job
	return &cp, nil
}

func (c *Client) run(ctx context.Context, job *sts.TransferJob, op *sts.Operation, src, dst retention.Location) {
	defer c.wg.Done()

	log := c.log.With(logger.FieldJobName, job.Name, logger.FieldOperationID, op.Name)

	if wait := time.Until(job.StartAt); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.finish(op, sts.Counters{}, ctx.Err())
			return
		case <-timer.C:
		}
	}

	// No prefixes moves the whole source
	prefixes := job.IncludePrefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}

	var counters sts.Counters
	var runErr error
	for _, prefix := range prefixes {
		if err := c.transferPrefix(ctx, src, dst, prefix, &counters); err != nil {
			runErr = errors.Wrapf(err, "prefix %s", prefix)
			break
		}
	}

	if runErr != nil {
		log.Warnw("Transfer operation failed", "error", runErr, "objects_found", counters.ObjectsFound)
	} else {
		log.Infow("Transfer operation finished",
			"objects_found", counters.ObjectsFound,
			"objects_deleted", counters.ObjectsDeleted,
			"bytes_copied", counters.BytesCopied)
	}
	c.finish(op, counters, runErr)
}

// transferPrefix moves every object under src/prefix to the same relative
// key under dst.
func (c *Client) transferPrefix(ctx context.Context, src, dst retention.Location, prefix string, counters *sts.Counters) error {
	srcRoot := joinKey(src.Path, "")
	listPrefix := joinKey(src.Path, prefix)

	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(src.Bucket),
		Prefix: aws.String(listPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrapf(err, "list s3://%s/%s", src.Bucket, listPrefix)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			counters.ObjectsFound++

			destKey := joinKey(dst.Path, strings.TrimPrefix(key, srcRoot))
			if _, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(dst.Bucket),
				Key:        aws.String(destKey),
				CopySource: aws.String(fmt.Sprintf("%s/%s", src.Bucket, key)),
			}); err != nil {
				return errors.Wrapf(err, "copy %s", key)
			}
			counters.ObjectsCopied++
			counters.BytesCopied += aws.ToInt64(obj.Size)

			if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(src.Bucket),
				Key:    aws.String(key),
			}); err != nil {
				return errors.Wrapf(err, "delete %s", key)
			}
			counters.ObjectsDeleted++
		}
	}
	return nil
}

// joinKey joins a dataset path and a relative key. An empty rel yields the
// path with a trailing slash, which is the listing root of the dataset.
func joinKey(path, rel string) string {
	path = strings.Trim(path, "/")
	rel = strings.TrimLeft(rel, "/")
	if path == "" {
		return rel
	}
	return path + "/" + rel
}

func (c *Client) finish(op *sts.Operation, counters sts.Counters, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op.Done {
		return
	}
	now := time.Now().UTC()
	op.Done = true
	op.EndTime = &now
	op.Response = &counters
	if err != nil {
		op.Error = err.Error()
	}
}

// ListOperations implements sts.Client
func (c *Client) ListOperations(ctx context.Context, projectID string, jobNames []string) ([]*sts.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ops []*sts.Operation
	for _, name := range jobNames {
		rj, ok := c.jobs[name]
		if !ok || rj.job.ProjectID != projectID {
			continue
		}
		cp := *rj.op
		if rj.op.Response != nil {
			counters := *rj.op.Response
			cp.Response = &counters
		}
		ops = append(ops, &cp)
	}
	return ops, nil
}

// CancelJob implements sts.Client
func (c *Client) CancelJob(ctx context.Context, projectID, name string) error {
	c.mu.Lock()
	rj, ok := c.jobs[name]
	if !ok || rj.job.ProjectID != projectID {
		c.mu.Unlock()
		return errors.NewNotFoundError("transfer job %s", name)
	}
	rj.job.Status = sts.JobStatusDeleted
	if !rj.op.Done {
		now := time.Now().UTC()
		rj.op.Done = true
		rj.op.Error = "cancelled"
		rj.op.EndTime = &now
	}
	c.mu.Unlock()

	rj.cancel()
	return nil
}

// Close cancels running operations and waits for them to stop
func (c *Client) Close() error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
