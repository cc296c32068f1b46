// Package applier implements the consumer side of the release pipeline.
//
// A run locates the detached signature next to the bundle, verifies it
// against the configured public key, and only then touches the bundle
// contents: a rejected bundle is never unpacked. When installation is
// requested the verified archive is extracted to a scratch directory,
// conflicting processes are stopped, and each file is swapped into the
// install directory with a checksum-validated replace.
package applier
