// Package version holds build metadata injected at link time:
//
//	go build -ldflags "-X weatherpi/internal/version.Version=v1.2.0 \
//	  -X weatherpi/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X weatherpi/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("weatherpi %s (commit %s, built %s)", Version, Commit, Date)
}
