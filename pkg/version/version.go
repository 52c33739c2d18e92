// Package version holds the build-time version stamp, set via -ldflags.
package version

// Version and GitCommit are overridden at build time with:
//
//	-ldflags "-X github.com/montagao/iot-device-agent/pkg/version.Version=... \
//	          -X github.com/montagao/iot-device-agent/pkg/version.GitCommit=..."
var (
	Version   = "dev"
	GitCommit = "none"
)

// Info is the version string bundle reported by the version subcommand.
type Info struct {
	Version   string
	GitCommit string
}

func (i Info) String() string { return i.Version }

// Get returns the current build's version info.
func Get() Info {
	return Info{Version: Version, GitCommit: GitCommit}
}
