// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown" // RFC 3339, UTC
)

// String formats the build metadata for -version output and the startup log.
func String() string {
	return fmt.Sprintf("wheelcore %s (%s, built %s)", Version, GitSHA, BuildTime)
}
