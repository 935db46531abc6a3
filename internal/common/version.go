package common

// Version and Build are overridden at link time via -ldflags
// "-X github.com/.../internal/common.Version=... -X .../internal/common.Build=...".
var (
	Version = "dev"
	Build   = "unknown"
)

func GetVersion() string { return Version }
func GetBuild() string   { return Build }

// GetFullVersion returns a single human-readable version string used in
// startup logs and crash reports.
func GetFullVersion() string {
	return Version + "+" + Build
}
