package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, commit, version string) {
	t.Helper()
	origCommit, origVersion := CommitHash, Version
	t.Cleanup(func() { CommitHash, Version = origCommit, origVersion })
	CommitHash, Version = commit, version
}

func TestInfo(t *testing.T) {
	stamp(t, "0123456789abcdef", "dev")

	info := Get()
	assert.Equal(t, "0123456", info.Short())
	assert.Contains(t, info.String(), "sdrs dev (commit 0123456")
	assert.NotEmpty(t, info.GoVersion)

	CommitHash = "abc"
	assert.Equal(t, "abc", Get().Short())
}

func TestGetFallsBackToBuildInfo(t *testing.T) {
	stamp(t, "dev", "dev")
	orig := readBuildInfo
	t.Cleanup(func() { readBuildInfo = orig })

	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "v0.4.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "feedfacecafebeef"},
				{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}

	info := Get()
	assert.Equal(t, "v0.4.1", info.Version)
	assert.Equal(t, "feedfacecafebeef", info.CommitHash)
	assert.Equal(t, "2026-10-01T12:00:00Z", info.BuildTime)
	assert.True(t, info.Modified)
	assert.Equal(t, "sdrs v0.4.1 (commit feedfac-dirty, built 2026-10-01T12:00:00Z)", info.String())
}

func TestStampedBuildIgnoresBuildInfo(t *testing.T) {
	stamp(t, "0123456789abcdef", "v1.0.0")
	orig := readBuildInfo
	t.Cleanup(func() { readBuildInfo = orig })
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		t.Fatal("build info must not be read when ldflags are set")
		return nil, false
	}

	assert.Equal(t, "v1.0.0", Get().Version)
}
