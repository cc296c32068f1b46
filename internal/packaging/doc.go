// Package packaging builds and unpacks the per-kind release archives.
//
// Each artifact kind (core, agents, probe) is packaged independently into a
// normalized tar.gz so identical inputs yield byte-identical archives, which
// keeps release manifests reproducible.
package packaging
