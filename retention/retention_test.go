package retention

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

func TestShadowPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		dataset string
		suffix  string
		want    string
	}{
		{"hourly partition", "gs://bucket/ds/2020/01/01/00", "ds", "shadow", "gs://bucket/dsshadow/2020/01/01/00"},
		{"dataset root", "gs://bucket/ds", "ds", "shadow", "gs://bucket/dsshadow"},
		{"s3 scheme", "s3://logs/events/2021/06", "events", "-trash", "s3://logs/events-trash/2021/06"},
		{"bucket named like dataset", "gs://ds/ds/2020", "ds", "shadow", "gs://ds/dsshadow/2020"},
		{"only first match", "gs://bucket/ds/ds/01", "ds", "shadow", "gs://bucket/dsshadow/ds/01"},
		{"dataset absent", "gs://bucket/other/2020", "ds", "shadow", "gs://bucket/other/2020"},
		{"empty suffix", "gs://bucket/ds/2020", "ds", "", "gs://bucket/ds/2020"},
		{"no scheme", "bucket/ds", "ds", "shadow", "bucket/ds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShadowPath(tt.path, tt.dataset, tt.suffix))
		})
	}
}

func TestShadowDestination(t *testing.T) {
	dest, err := ShadowDestination("gs://bucket/ds/2020/01/01/00", "ds", "shadow")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/dsshadow/2020/01/01/00", dest)

	tests := []struct {
		name    string
		path    string
		dataset string
		suffix  string
	}{
		{"bucket root", "gs://bucket", "", "shadow"},
		{"dataset absent", "gs://bucket/other/2020", "ds", "shadow"},
		{"empty suffix", "gs://bucket/ds/2020", "ds", ""},
		{"bad location", "bucket/ds", "ds", "shadow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ShadowDestination(tt.path, tt.dataset, tt.suffix)
			assert.True(t, errors.IsInvalidArgument(err))
		})
	}
}

func TestLocationOverlaps(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"gs://bucket/ds", "gs://bucket/ds", true},
		{"gs://bucket/ds", "gs://bucket/ds/2020", true},
		{"gs://bucket/ds/2020", "gs://bucket/ds", true},
		{"gs://bucket", "gs://bucket/dsshadow", true},
		{"gs://bucket/ds", "gs://bucket/dsshadow", false},
		{"gs://bucket/ds", "gs://other/ds", false},
		{"gs://bucket/ds", "s3://bucket/ds", false},
	}
	for _, tt := range tests {
		a, err := ParseLocation(tt.a)
		require.NoError(t, err)
		b, err := ParseLocation(tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Overlaps(b), "%s vs %s", tt.a, tt.b)
	}
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("gs://bucket/ds/2020/01")
	require.NoError(t, err)
	assert.Equal(t, Location{Scheme: "gs", Bucket: "bucket", Dataset: "ds", Path: "ds/2020/01"}, loc)
	assert.Equal(t, "gs://bucket", loc.BucketURI())

	loc, err = ParseLocation("s3://bucket")
	require.NoError(t, err)
	assert.Empty(t, loc.Dataset)

	for _, bad := range []string{"bucket/ds", "ftp://bucket/ds", "gs://", "gs:///ds"} {
		_, err := ParseLocation(bad)
		assert.True(t, errors.IsInvalidArgument(err), bad)
	}
}

func TestPeriodDays(t *testing.T) {
	assert.Equal(t, 7, Period{Value: 7, Unit: PeriodDay}.Days())
	assert.Equal(t, 60, Period{Value: 2, Unit: PeriodMonth}.Days())
	assert.Equal(t, 3, Period{Value: 3, Unit: PeriodVersion}.Days())
	assert.True(t, Period{Unit: PeriodDay}.IsZero())
}

func TestOverridesDefault(t *testing.T) {
	inherit := &Rule{Type: RuleTypeDataset, RetentionPeriod: Period{Unit: PeriodDay}}
	own := &Rule{Type: RuleTypeDataset, RetentionPeriod: Period{Value: 10, Unit: PeriodDay}}
	global := &Rule{Type: RuleTypeGlobal, RetentionPeriod: Period{Value: 30, Unit: PeriodDay}}

	assert.False(t, inherit.OverridesDefault())
	assert.True(t, own.OverridesDefault())
	assert.False(t, global.OverridesDefault())
}

func TestRuleDataset(t *testing.T) {
	assert.Equal(t, "named", (&Rule{DatasetName: "named", DataStorageName: "gs://b/ds"}).Dataset())
	assert.Equal(t, "ds", (&Rule{DataStorageName: "gs://b/ds/2020"}).Dataset())
	assert.Empty(t, (&Rule{DataStorageName: "not a path"}).Dataset())
}

func TestRuleValidate(t *testing.T) {
	valid := Rule{
		Type:            RuleTypeDataset,
		ProjectID:       "sdrs-test",
		DataStorageName: "gs://bucket/ds",
		RetentionPeriod: Period{Value: 10, Unit: PeriodDay},
	}
	require.NoError(t, valid.Validate())

	nested := valid
	nested.DataStorageName = "gs://bucket/team/events/2020"
	nested.DatasetName = "events"
	require.NoError(t, nested.Validate())

	tests := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"blank project", func(r *Rule) { r.ProjectID = "  " }},
		{"bad location", func(r *Rule) { r.DataStorageName = "bucket/ds" }},
		{"bucket without dataset", func(r *Rule) { r.DataStorageName = "gs://bucket" }},
		{"bucket with trailing slash", func(r *Rule) { r.DataStorageName = "gs://bucket/" }},
		{"dataset name not in path", func(r *Rule) { r.DatasetName = "other" }},
		{"bad type", func(r *Rule) { r.Type = "PROJECT" }},
		{"negative period", func(r *Rule) { r.RetentionPeriod.Value = -1 }},
		{"bad unit", func(r *Rule) { r.RetentionPeriod.Unit = "WEEK" }},
		{"global without period", func(r *Rule) {
			r.Type = RuleTypeGlobal
			r.RetentionPeriod.Value = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.True(t, errors.IsInvalidArgument(r.Validate()))
		})
	}
}

func TestParseRuleType(t *testing.T) {
	for in, want := range map[string]RuleType{
		"GLOBAL": RuleTypeGlobal, "default": RuleTypeGlobal, " dataset ": RuleTypeDataset,
	} {
		got, err := ParseRuleType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseRuleType("bucket")
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestTimePrefixes(t *testing.T) {
	cutoff := time.Date(2020, 1, 2, 3, 45, 0, 0, time.UTC)

	prefixes := TimePrefixes(cutoff, 4*time.Hour)
	assert.Equal(t, []string{
		"2020/01/01/23",
		"2020/01/02/00",
		"2020/01/02/01",
		"2020/01/02/02",
	}, prefixes)

	assert.Empty(t, TimePrefixes(cutoff, 0))
	assert.Len(t, TimePrefixes(cutoff, 24*time.Hour), 24)
}

func TestTimePrefixesUsesUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	cutoff := time.Date(2020, 1, 1, 20, 0, 0, 0, est) // 2020-01-02T01:00Z

	assert.Equal(t, []string{"2020/01/02/00"}, TimePrefixes(cutoff, time.Hour))
}

func TestCutoff(t *testing.T) {
	scheduled := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2020, 2, 20, 0, 0, 0, 0, time.UTC), Cutoff(scheduled, Period{Value: 10, Unit: PeriodDay}))
	assert.Equal(t, time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC), Cutoff(scheduled, Period{Value: 1, Unit: PeriodMonth}))
}

func TestJobNameIsDeterministic(t *testing.T) {
	at := time.Date(2020, 1, 1, 5, 30, 0, 0, time.UTC)

	name := JobName(7, 2, "gs://bucket/ds", at)
	assert.True(t, strings.HasPrefix(name, "transferJobs/sdrs-7-2-"), name)
	assert.True(t, strings.HasSuffix(name, "-2020010105"), name)
	assert.Equal(t, name, JobName(7, 2, "gs://bucket/ds", at.Add(10*time.Minute)))

	assert.NotEqual(t, name, JobName(7, 3, "gs://bucket/ds", at))
	assert.NotEqual(t, name, JobName(7, 2, "gs://bucket/other", at))
	assert.NotEqual(t, name, JobName(7, 2, "gs://bucket/ds", at.Add(time.Hour)))
}

func TestBuildJobSnapshotsRule(t *testing.T) {
	rule := &Rule{
		ID:              42,
		Type:            RuleTypeDataset,
		ProjectID:       "sdrs-test",
		DataStorageName: "gs://bucket/ds",
		Version:         3,
	}
	meta := JobMetadata{Source: "gs://bucket/ds", Destination: "gs://bucket/dsshadow", PrefixCount: 24}

	job := BuildJob("transferJobs/sdrs-42", rule, meta)

	assert.Equal(t, rule.ID, job.RetentionRuleID)
	assert.Equal(t, rule.ProjectID, job.RetentionRuleProjectID)
	assert.Equal(t, rule.DataStorageName, job.RetentionRuleDataStorageName)
	assert.Equal(t, rule.Type, job.RetentionRuleType)
	assert.Equal(t, rule.Version, job.RetentionRuleVersion)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, meta, job.Metadata)

	// Later rule edits do not leak into the snapshot
	rule.Version = 4
	assert.Equal(t, 3, job.RetentionRuleVersion)
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.True(t, JobStatusSuccess.IsTerminal())
	assert.True(t, JobStatusError.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}
