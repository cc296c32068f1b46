// Package builder orchestrates the producer side of the release pipeline.
//
// A run walks a fixed sequence of stages: acceptance gates, per-kind
// packaging, detached signing, manifest generation, then an atomic move of
// the staged build into the published location. The first failing stage
// aborts the run and discards the staging directory, so consumers never see
// a partially built release. Concurrent runs for the same version are
// serialized with an advisory lock file.
package builder
