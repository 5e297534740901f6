package version

import "fmt"

// Populated through -ldflags "-X .../internal/version.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line, e.g. for the startup log.
func String() string {
	return fmt.Sprintf("ratesbot %s (commit %s, built %s)", Version, Commit, BuildDate)
}
