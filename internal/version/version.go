package version

import (
	"fmt"
	"runtime"
)

// Overridden at build time with -ldflags "-X".
var (
	CLIName    = "pactplay"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s/%s)", CLIName, CLIVersion, Commit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on every Pact API, bridge and signing service request.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
