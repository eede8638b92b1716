// Package version exposes the build metadata the status endpoints and MCP
// handshakes report.
package version

import "runtime/debug"

// AppName identifies this binary in version strings and MCP handshakes.
const AppName = "queryweaver"

// GitCommit is the short VCS revision, or "dev" when build info carries
// none (go test, non-git builds).
var GitCommit = vcsRevision()

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "queryweaver/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
