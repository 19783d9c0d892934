package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPopulateFromBuildInfo(t *testing.T) {
	tests := []struct {
		name        string
		info        *debug.BuildInfo
		wantVersion string
		wantCommit  string
	}{
		{
			name: "vcs stamp",
			info: &debug.BuildInfo{
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "0123456789abcdef"},
					{Key: "vcs.modified", Value: "true"},
					{Key: "vcs.time", Value: "2025-03-01T12:00:00Z"},
				},
			},
			wantVersion: "dev-20250301",
			wantCommit:  "0123456-dirty",
		},
		{
			name:        "module version",
			info:        &debug.BuildInfo{Main: debug.Module{Version: "v0.3.0"}},
			wantVersion: "v0.3.0",
			wantCommit:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldV, oldC := Version, Commit
			t.Cleanup(func() { Version, Commit = oldV, oldC })
			Version, Commit = "", ""

			populateFromBuildInfo(func() (*debug.BuildInfo, bool) { return tt.info, true })
			if Version != tt.wantVersion || Commit != tt.wantCommit {
				t.Errorf("got %q %q, want %q %q", Version, Commit, tt.wantVersion, tt.wantCommit)
			}
		})
	}
}

func TestFull(t *testing.T) {
	if !strings.Contains(Full(), "commit:") {
		t.Errorf("Full() = %s", Full())
	}
	if !strings.HasPrefix(Platform(), "go") {
		t.Errorf("Platform() = %s", Platform())
	}
}
