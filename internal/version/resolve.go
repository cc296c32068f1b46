package version

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// MarkerFilename is the project-level file holding the release version.
	MarkerFilename = "VERSION"

	// DefaultReleaseVersion is used when no other source resolves.
	DefaultReleaseVersion = "0.0.0-dev"
)

// Resolve picks the release version once per build using strict precedence:
// an explicit override, then the configured version, then the first line of
// the VERSION marker file under projectRoot, then DefaultReleaseVersion.
// The result is fixed for the lifetime of the release being built.
func Resolve(override, configured, projectRoot string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}

	if v := strings.TrimSpace(configured); v != "" {
		return v
	}

	if v := readMarker(filepath.Join(projectRoot, MarkerFilename)); v != "" {
		return v
	}

	return DefaultReleaseVersion
}

// readMarker returns the first non-empty line of the marker file, or "".
func readMarker(path string) string {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(contents), "\n") {
		if v := strings.TrimSpace(line); v != "" {
			return v
		}
	}

	return ""
}
