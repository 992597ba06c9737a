// Package version holds build-time identifiers stamped via -ldflags, so
// a deployed binary can report exactly what it's running.
package version

var (
	// Version is the semantic version of the broker.
	Version = "dev"

	// Commit is the git commit hash it was built from.
	Commit = "none"

	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)
