package dmqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("sdrs-test", "gs://bucket/ds/2020", TriggerMarker)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusReady, req.Status)
	assert.Equal(t, TriggerMarker, req.Trigger)

	tests := []struct {
		name    string
		project string
		path    string
		trigger Trigger
	}{
		{"blank project", " ", "gs://bucket/ds", TriggerUser},
		{"no scheme", "p", "bucket/ds", TriggerUser},
		{"bucket without dataset", "p", "gs://bucket", TriggerUser},
		{"bucket with trailing slash", "p", "s3://bucket/", TriggerUser},
		{"unknown trigger", "p", "gs://bucket/ds", Trigger("CRON")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.project, tt.path, tt.trigger)
			assert.True(t, errors.IsInvalidArgument(err))
		})
	}
}

func TestParseTriggerAndStatus(t *testing.T) {
	tr, err := ParseTrigger("marker")
	require.NoError(t, err)
	assert.Equal(t, TriggerMarker, tr)

	st, err := ParseStatus("ready_retry")
	require.NoError(t, err)
	assert.Equal(t, StatusReadyRetry, st)
	assert.True(t, st.Claimable())
	assert.False(t, StatusSTSExecution.Claimable())

	_, err = ParseStatus("DONE")
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestAttemptJobName(t *testing.T) {
	req := &Request{ID: "abc"}
	first := req.AttemptJobName()
	req.RetryCount = 1
	assert.Equal(t, "transferJobs/sdrs-dm-abc-0", first)
	assert.Equal(t, "transferJobs/sdrs-dm-abc-1", req.AttemptJobName())
}
