package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestCurrent_Defaults(t *testing.T) {
	oldVersion := AppVersion
	oldCommit := GitCommit
	oldBuildTime := BuildTime
	t.Cleanup(func() {
		AppVersion = oldVersion
		GitCommit = oldCommit
		BuildTime = oldBuildTime
	})

	AppVersion = "v1.4.0"
	GitCommit = " abc123 "
	BuildTime = ""

	info := Current("")

	if info.Name != Unknown {
		t.Fatalf("expected name %q, got %q", Unknown, info.Name)
	}
	if info.Version != "v1.4.0" {
		t.Fatalf("expected version v1.4.0, got %q", info.Version)
	}
	if info.Commit != "abc123" {
		t.Fatalf("expected trimmed commit, got %q", info.Commit)
	}
	if info.GoVersion == "" {
		t.Fatal("expected go version")
	}
}

func TestApplyBuildInfo(t *testing.T) {
	build := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}

	tests := []struct {
		name string
		in   Info
		want Info
	}{
		{
			name: "fills unknowns",
			in:   Info{Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown},
			want: Info{Version: "v0.3.1", Commit: "deadbeef", BuildTime: "2026-01-02T03:04:05Z"},
		},
		{
			name: "ldflags win",
			in:   Info{Version: "v9.0.0", Commit: "cafe", BuildTime: "2020-01-01T00:00:00Z"},
			want: Info{Version: "v9.0.0", Commit: "cafe", BuildTime: "2020-01-01T00:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			applyBuildInfo(&got, build)
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestApplyBuildInfo_DevelBuildKeepsDefault(t *testing.T) {
	info := Info{Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown}
	applyBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != DevelopmentVersion {
		t.Fatalf("expected %q, got %q", DevelopmentVersion, info.Version)
	}
}

func TestInfo_ParseBuildTime(t *testing.T) {
	ts, ok := Info{BuildTime: "2026-02-15T10:20:30Z"}.ParseBuildTime()
	if !ok {
		t.Fatal("expected valid build time")
	}
	if !ts.Equal(time.Date(2026, 2, 15, 10, 20, 30, 0, time.UTC)) {
		t.Fatalf("unexpected build time %v", ts)
	}
	if _, ok := (Info{BuildTime: Unknown}).ParseBuildTime(); ok {
		t.Fatal("expected unknown build time to be rejected")
	}
	if _, ok := (Info{BuildTime: "yesterday"}).ParseBuildTime(); ok {
		t.Fatal("expected malformed build time to be rejected")
	}
}
