// Package version carries build information for the newtops binary and the
// comparator used to order device software versions.
package version

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/newtron-network/newtops/pkg/version.Version=v1.0.0 \
//	  -X github.com/newtron-network/newtops/pkg/version.GitCommit=abc1234 \
//	  -X github.com/newtron-network/newtops/pkg/version.BuildDate=2026-01-01T00:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a formatted version string for display.
func Info() string {
	return Version + " (" + GitCommit + ") built " + BuildDate
}
