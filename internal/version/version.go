package version

// Version is overridden at build time via
// -ldflags "-X github.com/plugsync/plugsync/internal/version.Version=v1.2.3".
var Version = "dev"

// String returns the current version string.
func String() string { return Version }
