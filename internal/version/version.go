// Package version exposes build metadata stamped via -ldflags, falling back
// to the module's embedded VCS info.
package version

import "runtime/debug"

// AppName is the service name used for logs, traces and metric labels.
const AppName = "packgate"

// Set with -ldflags "-X github.com/keithlinneman/packgate/internal/version.Version=...".
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges the ldflags values with the binary's build info.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		out.applyVCS(bi.Settings)
	}
	return out
}

// applyVCS fills gaps from go build's vcs.* settings. An ldflags commit or
// build date wins; vcs.modified wins over VCSDirty when present.
func (i *Info) applyVCS(settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" || i.Commit == "" {
				i.Commit = s.Value
			}
		case "vcs.time":
			i.CommitDate = s.Value
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			dirty := s.Value == "true"
			i.VCSDirty = &dirty
		}
	}
}

// UserAgent identifies outbound calls (AWS SDK, Redis client name).
func (i Info) UserAgent() string {
	return i.AppName + "/" + i.Version
}
