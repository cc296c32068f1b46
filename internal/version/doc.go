// Package version exposes build metadata and release version resolution.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags and default to sensible values for local builds. Resolve picks
// the version of the release being built from a strict priority order:
// explicit override, configuration, the project VERSION marker file, and a
// hardcoded default.
package version
