package retention

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// Location is a parsed data storage name such as gs://bucket/dataset/sub
type Location struct {
	Scheme  string
	Bucket  string
	Dataset string
	// Path is everything after the bucket, without leading slash
	Path string
}

// ParseLocation splits a "<scheme>://bucket/dataset[/...]" path. Supported
// schemes are gs and s3.
func ParseLocation(path string) (Location, error) {
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		return Location{}, errors.NewInvalidArgumentError("data storage name %q has no scheme", path)
	}
	if scheme != "gs" && scheme != "s3" {
		return Location{}, errors.NewInvalidArgumentError("unsupported scheme %q in %q", scheme, path)
	}

	bucket, sub, _ := strings.Cut(strings.TrimRight(rest, "/"), "/")
	if bucket == "" {
		return Location{}, errors.NewInvalidArgumentError("data storage name %q has no bucket", path)
	}

	dataset, _, _ := strings.Cut(sub, "/")
	return Location{Scheme: scheme, Bucket: bucket, Dataset: dataset, Path: sub}, nil
}

// BucketURI returns scheme://bucket
func (l Location) BucketURI() string {
	return l.Scheme + "://" + l.Bucket
}

// ShadowPath rewrites the dataset segment of path to dataset+suffix:
//
//	ShadowPath("gs://bucket/ds/2020/01/01/00", "ds", "shadow") == "gs://bucket/dsshadow/2020/01/01/00"
//
// Only the first segment after the bucket that equals dataset is
// rewritten. A path without that segment is returned unchanged.
func ShadowPath(path, dataset, suffix string) string {
	if dataset == "" || suffix == "" {
		return path
	}

	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		return path
	}

	segments := strings.Split(rest, "/")
	for i := 1; i < len(segments); i++ {
		if segments[i] == dataset {
			segments[i] = dataset + suffix
			return scheme + "://" + strings.Join(segments, "/")
		}
	}
	return path
}

// ShadowDestination returns ShadowPath(path, dataset, suffix) and fails with
// an invalid argument error when the result would overlap path. Copying
// into an overlapping destination and deleting the source loses the data.
func ShadowDestination(path, dataset, suffix string) (string, error) {
	src, err := ParseLocation(path)
	if err != nil {
		return "", err
	}
	dest := ShadowPath(path, dataset, suffix)
	dst, err := ParseLocation(dest)
	if err != nil {
		return "", err
	}
	if src.Overlaps(dst) {
		return "", errors.NewInvalidArgumentError("shadow destination %q overlaps source %q (dataset %q)", dest, path, dataset)
	}
	return dest, nil
}

// Overlaps reports whether l and other share objects: same bucket, and one
// path is equal to or nested under the other. An empty path is the whole
// bucket.
func (l Location) Overlaps(other Location) bool {
	if l.Scheme != other.Scheme || l.Bucket != other.Bucket {
		return false
	}
	a, b := strings.Trim(l.Path, "/"), strings.Trim(other.Path, "/")
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// HasSegment reports whether name is one of the path segments after the
// bucket.
func (l Location) HasSegment(name string) bool {
	for _, seg := range strings.Split(l.Path, "/") {
		if seg == name {
			return true
		}
	}
	return false
}

// prefixLayout is the hourly partition layout under a dataset
const prefixLayout = "2006/01/02/15"

// TimePrefixes returns the hourly partitions older than cutoff within
// lookback, oldest first, relative to the dataset root:
//
//	2020/01/01/00, 2020/01/01/01, ...
//
// The hour containing cutoff is excluded because it may still hold
// objects younger than the retention period.
func TimePrefixes(cutoff time.Time, lookback time.Duration) []string {
	end := cutoff.UTC().Truncate(time.Hour)
	start := end.Add(-lookback).Truncate(time.Hour)

	var prefixes []string
	for h := start; h.Before(end); h = h.Add(time.Hour) {
		prefixes = append(prefixes, h.Format(prefixLayout))
	}
	return prefixes
}

// Cutoff returns the instant before which data is past its retention
func Cutoff(scheduled time.Time, period Period) time.Time {
	return scheduled.AddDate(0, 0, -period.Days())
}

// JobName derives the transfer job name for one (rule, version, location,
// scheduled hour). Submitting the same tuple twice yields the same name,
// which the transfer service rejects as a duplicate.
func JobName(ruleID int64, version int, location string, scheduled time.Time) string {
	loc := uuid.NewSHA1(uuid.NameSpaceURL, []byte(location)).String()[:8]
	return fmt.Sprintf("transferJobs/sdrs-%d-%d-%s-%s", ruleID, version, loc, scheduled.UTC().Format("2006010215"))
}
