package version

import (
	"runtime/debug"
	"testing"
)

func TestApplyVCS(t *testing.T) {
	clean := false
	tests := []struct {
		name     string
		in       Info
		settings []debug.BuildSetting
		want     Info
	}{
		{
			name: "fills unset fields",
			in:   Info{Commit: "none"},
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "9f1c2ab"},
				{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			},
			want: Info{Commit: "9f1c2ab", CommitDate: "2026-03-01T12:00:00Z", BuildDate: "2026-03-01T12:00:00Z"},
		},
		{
			name: "ldflags win",
			in:   Info{Commit: "release-sha", BuildDate: "2026-03-02", VCSDirty: &clean},
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "9f1c2ab"},
				{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
			},
			want: Info{Commit: "release-sha", CommitDate: "2026-03-01T12:00:00Z", BuildDate: "2026-03-02"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			got.applyVCS(tt.settings)
			if got.Commit != tt.want.Commit || got.CommitDate != tt.want.CommitDate || got.BuildDate != tt.want.BuildDate {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApplyVCS_DirtyTriState(t *testing.T) {
	var i Info
	i.applyVCS(nil)
	if i.VCSDirty != nil {
		t.Fatal("no vcs.modified should leave dirty unknown")
	}
	i.applyVCS([]debug.BuildSetting{{Key: "vcs.modified", Value: "false"}})
	if i.VCSDirty == nil || *i.VCSDirty {
		t.Fatalf("VCSDirty = %v, want false", i.VCSDirty)
	}
}

func TestGet(t *testing.T) {
	Version = "1.2.3"
	t.Cleanup(func() { Version = "dev" })

	info := Get()
	if info.AppName != AppName || info.GoVersion == "" {
		t.Fatalf("info = %+v", info)
	}
	if got := info.UserAgent(); got != "packgate/1.2.3" {
		t.Fatalf("UserAgent = %q", got)
	}
}
