// Package version provides build version information for the application.
package version

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v1.0.0-dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// String returns the version with the build timestamp appended when one
// was stamped in.
func String() string {
	if BuildTime == "unknown" {
		return Version
	}
	return Version + " (built " + BuildTime + ")"
}
