// Package version exposes build metadata stamped via ldflags, e.g.:
//
//	go build -ldflags "-X github.com/tmachado/chat-fanout/internal/version.Version=0.2.0 \
//	                   -X github.com/tmachado/chat-fanout/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"

	// Commit is the short git hash of the build.
	Commit = "unknown"
)

// String formats the version for startup logs.
func String() string {
	return Version + " (" + Commit + ")"
}
