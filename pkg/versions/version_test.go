package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfoWithValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		version       string
		commit        string
		buildDate     string
		wantVersion   string
		wantCommit    string
		wantBuildDate string
	}{
		{
			name:          "release build keeps stamped values",
			version:       "v1.2.3",
			commit:        "0123456789abcdef",
			buildDate:     "2026-01-02T03:04:05Z",
			wantVersion:   "v1.2.3",
			wantCommit:    "0123456789abcdef",
			wantBuildDate: "2026-01-02 03:04:05 UTC",
		},
		{
			name:          "unparseable build date is left alone",
			version:       "v0.1.0",
			commit:        "abc",
			buildDate:     "yesterday",
			wantVersion:   "v0.1.0",
			wantCommit:    "abc",
			wantBuildDate: "yesterday",
		},
		{
			name:          "dev build derives version from commit",
			version:       "dev",
			commit:        "feedfacecafebeef",
			buildDate:     "yesterday",
			wantVersion:   "build-feedface",
			wantCommit:    "feedfacecafebeef",
			wantBuildDate: "yesterday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			info := getVersionInfoWithValues(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.wantVersion, info.Version)
			assert.Equal(t, tt.wantCommit, info.Commit)
			assert.Equal(t, tt.wantBuildDate, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
			assert.Contains(t, info.String(), tt.wantVersion)
		})
	}
}

func TestIsRelease(t *testing.T) {
	t.Parallel()
	assert.False(t, IsRelease(), "test binaries are development builds")
}
