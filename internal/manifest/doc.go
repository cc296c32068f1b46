// Package manifest records a release's artifacts, hashes, sizes and signing
// status in two co-existing representations: a structured YAML document and
// a flat SHA256SUMS checksum list.
package manifest
