// Package config defines the settings used by the release pipeline binaries
// and provides helpers to load, validate and save them in YAML format.
//
// The Config type holds key locations, version and gate overrides, and the
// staging, output and install directories.
package config
